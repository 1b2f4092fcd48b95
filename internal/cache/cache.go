// Package cache defines the persistence port the session core depends on
// and ships one production implementation, BoltCache, backed by
// go.etcd.io/bbolt. The core never sees plaintext cross this boundary:
// every value the port stores or returns is already-sealed envelope
// ciphertext, addressed by an opaque id.
package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested id has no stored entry.
var ErrNotFound = errors.New("cache: not found")

// SessionContextRecord is the single encrypted row holding the current
// user's session context (identity, registration state, active
// configuration).
type SessionContextRecord struct {
	Ciphertext []byte
}

// IdentityRecord is one encrypted SessionIdentity row.
type IdentityRecord struct {
	ID         string
	Ciphertext []byte
}

// CommunicationRecord is one encrypted communication-model row (a DM
// thread or channel).
type CommunicationRecord struct {
	ID         string
	Ciphertext []byte
}

// MessageRecord is one encrypted persisted message row.
type MessageRecord struct {
	ID         string
	Ciphertext []byte
}

// JobRecord is one encrypted queued job row, keyed by its SequenceID so a
// restart can recover the maximum assigned sequence id without decrypting
// anything.
type JobRecord struct {
	SequenceID uint64
	Ciphertext []byte
}

// Cache is the persistence port the session core consumes. Implementations
// must be safe for concurrent use; the orchestrator serializes its own
// writes but the job queue and delegate callbacks may read concurrently.
type Cache interface {
	FetchLocalSessionContext(ctx context.Context) (*SessionContextRecord, error)
	UpdateLocalSessionContext(ctx context.Context, ciphertext []byte) error

	FetchSessionIdentities(ctx context.Context) ([]IdentityRecord, error)
	UpdateSessionIdentity(ctx context.Context, rec IdentityRecord) error

	FetchCommunications(ctx context.Context) ([]CommunicationRecord, error)
	CreateCommunication(ctx context.Context, rec CommunicationRecord) error
	UpdateCommunication(ctx context.Context, rec CommunicationRecord) error

	CreateMessage(ctx context.Context, rec MessageRecord) error

	FetchJobs(ctx context.Context) ([]JobRecord, error)
	CreateJob(ctx context.Context, rec JobRecord) error
	DeleteJob(ctx context.Context, sequenceID uint64) error
}
