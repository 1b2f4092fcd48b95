// Package ratchet implements the hybrid Double Ratchet scheme used by the
// session core: a classical Curve25519 (or NIST P-256) Diffie-Hellman
// ratchet combined with a post-quantum KEM (ML-KEM-768) so that neither
// primitive breaking alone breaks confidentiality.
//
// Overview
//
// The scheme is a direct generalization of the classical Double Ratchet
// [signal] to a hybrid setting. Two parties maintain three KDF chains (root,
// sending, receiving) exactly as in the classical construction; the
// difference is in how the root chain is advanced. Instead of a single
// Diffie-Hellman value, each root-chain step mixes up to four classical DH
// outputs (long-term/long-term, long-term/one-time, one-time/long-term,
// one-time/one-time — whichever pair of one-time keys is present) with a
// KEM shared secret, HKDF-extracted together.
//
// Header field naming
//
// Each Header's public-key fields are named from the *recipient's* point of
// view: when a sender builds a Header, it fills RemoteLongTermPublicKey
// (etc.) with its own local public keys. Once the Header reaches a peer,
// those same fields describe the remote party's (the sender's) public
// keys. This mirrors the teacher library's convention where Header.PublicKey
// holds the sender's new ratchet public key.
//
// Notes
//
// This package does not implement encrypted headers.
//
// References
//
//	[signal]: https://signal.org/docs/specifications/doubleratchet/doubleratchet.pdf
package ratchet

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"runtime"
)

// PrivateKey is a classical (private, public) Diffie-Hellman key pair.
type PrivateKey []byte

// PublicKey is a peer's classical public key.
type PublicKey []byte

// PQPrivateKey is a post-quantum KEM private key.
type PQPrivateKey []byte

// PQPublicKey is a peer's post-quantum KEM public key.
type PQPublicKey []byte

// RootKey is a key generated by each step in the root chain.
//
// RootKeys are always 32 bytes.
type RootKey []byte

// ChainKey is an ephemeral key used to key the KDF used to generate message
// keys.
//
// ChainKeys are always 32 bytes.
type ChainKey []byte

// MessageKey is an ephemeral key used to encrypt a single message.
//
// MessageKeys are always 32 bytes.
type MessageKey []byte

// Header is generated alongside each message.
//
// See the package doc for the perspective convention of the public-key
// fields.
type Header struct {
	// RemoteLongTermPublicKey is the sender's long-term public key.
	RemoteLongTermPublicKey PublicKey
	// RemoteOneTimePublicKey is the sender's one-time public key, if one
	// was consumed for this session.
	RemoteOneTimePublicKey PublicKey
	// RemotePQKemPublicKey is the sender's PQ-KEM public key.
	RemotePQKemPublicKey PQPublicKey
	// OneTimeKeyID identifies the recipient one-time key the sender
	// consumed, if any.
	OneTimeKeyID string
	// PQKemOneTimeKeyID identifies the recipient PQ-KEM one-time key the
	// sender consumed (or the recipient's final PQ-KEM key id).
	PQKemOneTimeKeyID string
	// PN is the previous sending chain length.
	PN int
	// N is the current message number.
	N int
	// KEMCiphertext is the encapsulated PQ-KEM shared secret.
	KEMCiphertext []byte
}

// Append serializes the Header and appends it to buf.
func (h Header) Append(buf []byte) []byte {
	put := func(b []byte) {
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(b)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, b...)
	}
	var nums [16]byte
	binary.BigEndian.PutUint64(nums[0:8], uint64(h.PN))
	binary.BigEndian.PutUint64(nums[8:16], uint64(h.N))
	buf = append(buf, nums[:]...)
	put(h.RemoteLongTermPublicKey)
	put(h.RemoteOneTimePublicKey)
	put(h.RemotePQKemPublicKey)
	put([]byte(h.OneTimeKeyID))
	put([]byte(h.PQKemOneTimeKeyID))
	put(h.KEMCiphertext)
	return buf
}

// Decode deserializes a Header from data.
func (h *Header) Decode(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("ratchet: invalid header length: %d", len(data))
	}
	h.PN = int(binary.BigEndian.Uint64(data[0:8]))
	h.N = int(binary.BigEndian.Uint64(data[8:16]))
	rest := data[16:]

	get := func() ([]byte, error) {
		if len(rest) < 8 {
			return nil, errors.New("ratchet: truncated header field")
		}
		n := binary.BigEndian.Uint64(rest[:8])
		rest = rest[8:]
		if uint64(len(rest)) < n {
			return nil, errors.New("ratchet: truncated header field")
		}
		v := rest[:n]
		rest = rest[n:]
		return v, nil
	}

	var err error
	if h.RemoteLongTermPublicKey, err = get(); err != nil {
		return err
	}
	if h.RemoteOneTimePublicKey, err = get(); err != nil {
		return err
	}
	if h.RemotePQKemPublicKey, err = get(); err != nil {
		return err
	}
	var b []byte
	if b, err = get(); err != nil {
		return err
	}
	h.OneTimeKeyID = string(b)
	if b, err = get(); err != nil {
		return err
	}
	h.PQKemOneTimeKeyID = string(b)
	if h.KEMCiphertext, err = get(); err != nil {
		return err
	}
	return nil
}

// Concat is a default implementation of Ratchet.Concat.
func Concat(additionalData []byte, h Header) []byte {
	const max64 = binary.MaxVarintLen64
	buf := make([]byte, 0, max64+len(additionalData)+64)
	i := binary.PutVarint(buf[:max64], int64(len(additionalData)))
	buf = append(buf[:i], additionalData...)
	buf = h.Append(buf)
	return buf
}

// Ratchet abstracts the cryptographic primitives needed to run the hybrid
// Double Ratchet: classical Diffie-Hellman, a post-quantum KEM, KDF chains,
// and AEAD sealing.
//
// Ratchet implementations should be safe for concurrent use by multiple
// distinct goroutines.
type Ratchet interface {
	// GenerateLongTerm creates a new long-term Diffie-Hellman pair.
	GenerateLongTerm(r io.Reader) (PrivateKey, error)
	// GenerateOneTime creates a new one-time Diffie-Hellman pair. It uses
	// the same primitive as GenerateLongTerm; the distinction is purely
	// one of intended lifetime at the caller.
	GenerateOneTime(r io.Reader) (PrivateKey, error)
	// Public returns a copy of the public-key portion of the key pair.
	Public(PrivateKey) PublicKey
	// DH returns the Diffie-Hellman value computed with the key pair and
	// public key.
	DH(priv PrivateKey, pub PublicKey) ([]byte, error)

	// GeneratePQKem creates a new KEM key pair.
	GeneratePQKem(r io.Reader) (PQPrivateKey, error)
	// PQPublic returns the public-key portion of a KEM key pair.
	PQPublic(PQPrivateKey) PQPublicKey
	// Encapsulate produces a ciphertext and shared secret under a peer's
	// KEM public key.
	Encapsulate(r io.Reader, pub PQPublicKey) (ct, ss []byte, err error)
	// Decapsulate recovers the shared secret from a KEM ciphertext.
	Decapsulate(priv PQPrivateKey, ct []byte) (ss []byte, err error)

	// KDFrk applies a KDF keyed by the root key to the concatenated
	// hybrid shared-secret material and returns a (root key, chain key)
	// pair.
	KDFrk(rk RootKey, combined []byte) (RootKey, ChainKey)
	// KDFrootInit bootstraps a session's root chain from the initial
	// hybrid shared secret, producing a root key and a pair of chain
	// keys. Session initialization uses the deterministic
	// initiator/responder assignment in hybrid.go to hand one chain key
	// to each direction, so both peers can send and receive immediately
	// without an extra round trip.
	KDFrootInit(combined []byte) (RootKey, ChainKey, ChainKey)
	// KDFck applies a KDF keyed by the chain key to some constant value
	// and returns a (chain key, message key) pair.
	KDFck(ck ChainKey) (ChainKey, MessageKey)

	// Seal encrypts and authenticates plaintext, authenticates
	// additionalData, and returns the ciphertext. n is the message number.
	// The DJB and NIST implementations in this package derive the nonce
	// from the message key alone and do not use n.
	Seal(key MessageKey, n int, plaintext, additionalData []byte) []byte
	// Open decrypts and authenticates ciphertext, authenticating
	// additionalData.
	Open(key MessageKey, n int, ciphertext, additionalData []byte) ([]byte, error)

	// Concat encodes a message header and prepends the additional data.
	Concat(additionalData []byte, h Header) []byte
}

// State is the current ratchet state for one peer device.
type State struct {
	RootKey                     RootKey
	SendingChainKey             ChainKey // set by SenderInit/RecipientInit; nil in an uninitialized State
	ReceivingChainKey           ChainKey // set by SenderInit/RecipientInit; nil in an uninitialized State
	SendingMessageNumber        int
	ReceivingMessageNumber      int
	PreviousSendingMessageCount int

	LocalLongTermPrivateKey PrivateKey
	LocalOneTimePrivateKey  PrivateKey // optional
	LocalOneTimeKeyID       string
	LocalPQKemPrivateKey    PQPrivateKey
	LocalPQKemKeyID         string

	RemoteLongTermPublicKey PublicKey
	RemoteOneTimePublicKey  PublicKey // optional
	RemoteOneTimeKeyID      string
	RemotePQKemPublicKey    PQPublicKey
	RemotePQKemKeyID        string

	// PendingKEMCiphertext is attached to the next outbound header; it is
	// produced once by SenderInit (or by a DH ratchet step reacting to a
	// remote long-term key change) and cleared after first use.
	PendingKEMCiphertext []byte
}

// Clone performs a deep copy of the session state.
func (s *State) Clone() *State {
	return &State{
		RootKey:                     append(RootKey(nil), s.RootKey...),
		SendingChainKey:             append(ChainKey(nil), s.SendingChainKey...),
		ReceivingChainKey:           append(ChainKey(nil), s.ReceivingChainKey...),
		SendingMessageNumber:        s.SendingMessageNumber,
		ReceivingMessageNumber:      s.ReceivingMessageNumber,
		PreviousSendingMessageCount: s.PreviousSendingMessageCount,
		LocalLongTermPrivateKey:     append(PrivateKey(nil), s.LocalLongTermPrivateKey...),
		LocalOneTimePrivateKey:      append(PrivateKey(nil), s.LocalOneTimePrivateKey...),
		LocalOneTimeKeyID:           s.LocalOneTimeKeyID,
		LocalPQKemPrivateKey:        append(PQPrivateKey(nil), s.LocalPQKemPrivateKey...),
		LocalPQKemKeyID:             s.LocalPQKemKeyID,
		RemoteLongTermPublicKey:     append(PublicKey(nil), s.RemoteLongTermPublicKey...),
		RemoteOneTimePublicKey:      append(PublicKey(nil), s.RemoteOneTimePublicKey...),
		RemoteOneTimeKeyID:          s.RemoteOneTimeKeyID,
		RemotePQKemPublicKey:        append(PQPublicKey(nil), s.RemotePQKemPublicKey...),
		RemotePQKemKeyID:            s.RemotePQKemKeyID,
		PendingKEMCiphertext:        append([]byte(nil), s.PendingKEMCiphertext...),
	}
}

func (s *State) wipe() {
	wipe(s.RootKey)
	wipe(s.SendingChainKey)
	wipe(s.ReceivingChainKey)
	wipe(s.LocalLongTermPrivateKey)
	wipe(s.LocalOneTimePrivateKey)
	wipe(s.LocalPQKemPrivateKey)
}

// Session encapsulates a hybrid Double Ratchet conversation with one peer
// device.
type Session struct {
	r     Ratchet
	state *State
	store Store
}

// Option configures a Session.
type Option func(*Session)

// WithStore configures a backing store for skipped-message keys.
//
// By default skipped messages are stored in-memory (see memory) and the
// session is ephemeral; callers that need to persist across restarts
// should supply their own Store, typically backed by internal/envelope and
// internal/cache.
func WithStore(store Store) Option {
	return func(s *Session) { s.store = store }
}

// WithMaxSkip overrides the default skipped-message-key bound used by the
// built-in in-memory store. It has no effect if WithStore is also given.
func WithMaxSkip(maxSkip int) Option {
	return func(s *Session) {
		if m, ok := s.store.(*memory); ok {
			m.maxSkip = maxSkip
		}
	}
}

func newSession(r Ratchet, opts []Option) *Session {
	s := &Session{r: r, store: newMemoryStore(defaultMaxSkip)}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// State returns the session's current ratchet state. Callers must not
// mutate the returned value; it is shared with the session.
func (s *Session) State() *State { return s.state }

// Resume continues an existing Session from persisted state.
func Resume(r Ratchet, state *State, opts ...Option) *Session {
	s := newSession(r, opts)
	s.state = state
	return s
}

// Message is a message encrypted with the hybrid Double Ratchet.
type Message struct {
	Header     Header
	Ciphertext []byte
}

// Seal implements §4.3.2.
func (s *Session) Seal(plaintext, additionalData []byte) (Message, error) {
	if s.state == nil || s.state.SendingChainKey == nil {
		panic("ratchet: Seal called without an initialized sending chain")
	}
	state := s.state

	cks, mk := s.r.KDFck(state.SendingChainKey)
	h := Header{
		RemoteLongTermPublicKey: s.r.Public(state.LocalLongTermPrivateKey),
		RemotePQKemPublicKey:    pqPublicOf(s.r, state.LocalPQKemPrivateKey),
		OneTimeKeyID:            state.RemoteOneTimeKeyID,
		PQKemOneTimeKeyID:       state.RemotePQKemKeyID,
		PN:                      state.PreviousSendingMessageCount,
		N:                       state.SendingMessageNumber,
		KEMCiphertext:           state.PendingKEMCiphertext,
	}
	if state.LocalOneTimePrivateKey != nil {
		h.RemoteOneTimePublicKey = s.r.Public(state.LocalOneTimePrivateKey)
	}
	aad := s.r.Concat(additionalData, h)
	msg := Message{
		Header:     h,
		Ciphertext: s.r.Seal(mk, state.SendingMessageNumber, plaintext, aad),
	}
	state.SendingChainKey = cks
	state.SendingMessageNumber++
	state.PendingKEMCiphertext = nil
	return msg, nil
}

func pqPublicOf(r Ratchet, priv PQPrivateKey) PQPublicKey {
	if priv == nil {
		return nil
	}
	return r.PQPublic(priv)
}

// Open implements §4.3.3.
func (s *Session) Open(rnd io.Reader, msg Message, additionalData []byte) ([]byte, error) {
	h := msg.Header

	switch mk, err := s.store.LoadKey(h.N, h.RemoteLongTermPublicKey); {
	case err == nil:
		plaintext, err := s.r.Open(mk, h.N, msg.Ciphertext, s.r.Concat(additionalData, h))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
		}
		if err := s.store.DeleteKey(h.N, h.RemoteLongTermPublicKey); err != nil {
			wipe(plaintext)
			return nil, err
		}
		return plaintext, nil
	case errors.Is(err, ErrNotFound):
		// OK, fall through to the live ratchet.
	default:
		return nil, err
	}

	tmp := s.state.Clone()

	isNewEpoch := !hmac.Equal(h.RemoteLongTermPublicKey, tmp.RemoteLongTermPublicKey)
	if isNewEpoch {
		if err := tmp.skip(s.store, s.r, h.PN); err != nil {
			return nil, err
		}
		if err := tmp.dhRatchet(rnd, s.r, h); err != nil {
			return nil, err
		}
	}
	if err := tmp.skip(s.store, s.r, h.N); err != nil {
		return nil, err
	}

	var mk MessageKey
	tmp.ReceivingChainKey, mk = s.r.KDFck(tmp.ReceivingChainKey)
	tmp.ReceivingMessageNumber++
	plaintext, err := s.r.Open(mk, h.N, msg.Ciphertext, s.r.Concat(additionalData, h))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailure, err)
	}
	s.state.wipe()
	s.state = tmp
	return plaintext, nil
}

// skip marks each message in [state.ReceivingMessageNumber, until) as
// skipped.
func (s *State) skip(store Store, r Ratchet, until int) error {
	if s.ReceivingChainKey == nil {
		return nil
	}
	if until-s.ReceivingMessageNumber > store.MaxSkip() {
		return ErrSkippedOverflow
	}
	for s.ReceivingMessageNumber < until {
		var mk MessageKey
		s.ReceivingChainKey, mk = r.KDFck(s.ReceivingChainKey)
		if err := store.StoreKey(s.ReceivingMessageNumber, s.RemoteLongTermPublicKey, mk); err != nil {
			return err
		}
		s.ReceivingMessageNumber++
	}
	return nil
}

//go:noinline
func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
	runtime.KeepAlive(p)
}
