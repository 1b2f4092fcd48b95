package cache

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	bucketSessionContext = []byte("session_context")
	bucketIdentities     = []byte("identities")
	bucketCommunications = []byte("communications")
	bucketMessages       = []byte("messages")
	bucketJobs           = []byte("jobs")

	sessionContextKey = []byte("current")
)

// BoltCache implements Cache on top of a single bbolt database file, one
// bucket per entity kind, grounded on the embedded-store usage pattern
// common across the corpus's store-backed peers.
type BoltCache struct {
	db *bbolt.DB
}

// OpenBoltCache opens (creating if necessary) a bbolt database at path and
// ensures all entity buckets exist.
func OpenBoltCache(path string) (*BoltCache, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("cache: open bbolt: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSessionContext, bucketIdentities, bucketCommunications, bucketMessages, bucketJobs} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: init buckets: %w", err)
	}
	return &BoltCache{db: db}, nil
}

// Close releases the underlying database file.
func (c *BoltCache) Close() error {
	return c.db.Close()
}

var _ Cache = (*BoltCache)(nil)

func (c *BoltCache) FetchLocalSessionContext(_ context.Context) (*SessionContextRecord, error) {
	var rec *SessionContextRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSessionContext).Get(sessionContextKey)
		if v == nil {
			return ErrNotFound
		}
		rec = &SessionContextRecord{Ciphertext: append([]byte(nil), v...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *BoltCache) UpdateLocalSessionContext(_ context.Context, ciphertext []byte) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessionContext).Put(sessionContextKey, ciphertext)
	})
}

func (c *BoltCache) FetchSessionIdentities(_ context.Context) ([]IdentityRecord, error) {
	var out []IdentityRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentities).ForEach(func(k, v []byte) error {
			out = append(out, IdentityRecord{ID: string(k), Ciphertext: append([]byte(nil), v...)})
			return nil
		})
	})
	return out, err
}

func (c *BoltCache) UpdateSessionIdentity(_ context.Context, rec IdentityRecord) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketIdentities).Put([]byte(rec.ID), rec.Ciphertext)
	})
}

func (c *BoltCache) FetchCommunications(_ context.Context) ([]CommunicationRecord, error) {
	var out []CommunicationRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCommunications).ForEach(func(k, v []byte) error {
			out = append(out, CommunicationRecord{ID: string(k), Ciphertext: append([]byte(nil), v...)})
			return nil
		})
	})
	return out, err
}

func (c *BoltCache) CreateCommunication(_ context.Context, rec CommunicationRecord) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCommunications).Put([]byte(rec.ID), rec.Ciphertext)
	})
}

func (c *BoltCache) UpdateCommunication(ctx context.Context, rec CommunicationRecord) error {
	return c.CreateCommunication(ctx, rec)
}

func (c *BoltCache) CreateMessage(_ context.Context, rec MessageRecord) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Put([]byte(rec.ID), rec.Ciphertext)
	})
}

// jobKey encodes a sequence id big-endian so bbolt's lexicographic bucket
// iteration yields jobs in ascending sequence order for free.
func jobKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (c *BoltCache) FetchJobs(_ context.Context) ([]JobRecord, error) {
	var out []JobRecord
	err := c.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			out = append(out, JobRecord{
				SequenceID: binary.BigEndian.Uint64(k),
				Ciphertext: append([]byte(nil), v...),
			})
			return nil
		})
	})
	return out, err
}

func (c *BoltCache) CreateJob(_ context.Context, rec JobRecord) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Put(jobKey(rec.SequenceID), rec.Ciphertext)
	})
}

func (c *BoltCache) DeleteJob(_ context.Context, sequenceID uint64) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete(jobKey(sequenceID))
	})
}
