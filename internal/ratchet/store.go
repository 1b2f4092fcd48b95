package ratchet

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store when a message key is not found.
var ErrNotFound = errors.New("ratchet: key not found")

// ErrSkippedOverflow is returned when too many messages have been skipped
// in a single epoch.
var ErrSkippedOverflow = errors.New("ratchet: too many skipped messages")

// ErrAuthenticationFailure is returned when an AEAD open fails.
var ErrAuthenticationFailure = fmt.Errorf("ratchet: authentication failure")

// defaultMaxSkip is the default maximum number of skipped-message keys
// retained per session, per the recognized configuration option of the
// same name.
const defaultMaxSkip = 1000

// Store saves skipped-message-key state.
//
// Entries are keyed by (N, remote long-term public key), matching the
// (dhPub, msgNum) bucket a message key is looked up under on decrypt.
// Eviction is insertion-ordered and global once maxSkip entries are
// outstanding: a long-term key rotation does not proactively flush the
// previous epoch's buckets, it just lets them age out along with
// everything else. This was an explicit open question; see DESIGN.md.
type Store interface {
	// StoreKey stores a skipped message's key under the (N, PublicKey)
	// tuple. The per-epoch skip bound is checked by State.skip against
	// MaxSkip before StoreKey is called; the built-in memory store evicts
	// its oldest entry instead of failing once it holds MaxSkip keys.
	StoreKey(n int, pub PublicKey, key MessageKey) error
	// LoadKey retrieves a message key using the (N, PublicKey) tuple. If
	// the message key is not found LoadKey returns ErrNotFound.
	LoadKey(n int, pub PublicKey) (MessageKey, error)
	// DeleteKey removes a message key using the (N, PublicKey) tuple.
	DeleteKey(n int, pub PublicKey) error
	// MaxSkip returns the maximum number of messages a single epoch may
	// skip before State.skip refuses to keep ratcheting forward, so the
	// bound enforced there always matches the Store actually in use
	// instead of a package-wide default.
	MaxSkip() int
}

// memory is an in-memory, insertion-ordered Store. It is the default Store
// used when a Session is created without WithStore; callers that need
// skipped keys to survive a restart supply their own Store, typically one
// layered over internal/envelope and internal/cache.
type memory struct {
	maxSkip int
	order   []string
	keys    map[string]MessageKey
}

var _ Store = (*memory)(nil)

func newMemoryStore(maxSkip int) *memory {
	if maxSkip <= 0 {
		maxSkip = defaultMaxSkip
	}
	return &memory{maxSkip: maxSkip, keys: make(map[string]MessageKey)}
}

func (memory) key(n int, pub PublicKey) string {
	return fmt.Sprintf("%d:%x", n, pub)
}

func (m *memory) StoreKey(n int, pub PublicKey, key MessageKey) error {
	k := m.key(n, pub)
	if _, ok := m.keys[k]; !ok {
		if len(m.keys) >= m.maxSkip {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.keys, oldest)
		}
		m.order = append(m.order, k)
	}
	m.keys[k] = key
	return nil
}

func (m *memory) LoadKey(n int, pub PublicKey) (MessageKey, error) {
	key, ok := m.keys[m.key(n, pub)]
	if !ok {
		return nil, ErrNotFound
	}
	return key, nil
}

func (m *memory) MaxSkip() int { return m.maxSkip }

func (m *memory) DeleteKey(n int, pub PublicKey) error {
	k := m.key(n, pub)
	delete(m.keys, k)
	for i, o := range m.order {
		if o == k {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}
