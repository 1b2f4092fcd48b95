package cache_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nightglass/solace/internal/cache"
)

// cacheFactory lets the same behavioral test suite run against both
// implementations of cache.Cache.
type cacheFactory func(t *testing.T) cache.Cache

func factories(t *testing.T) map[string]cacheFactory {
	t.Helper()
	return map[string]cacheFactory{
		"memory": func(t *testing.T) cache.Cache { return cache.NewMemory() },
		"bolt": func(t *testing.T) cache.Cache {
			path := filepath.Join(t.TempDir(), "solace.db")
			c, err := cache.OpenBoltCache(path)
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			return c
		},
	}
}

func TestCacheImplementations(t *testing.T) {
	for name, factory := range factories(t) {
		t.Run(name, func(t *testing.T) {
			c := factory(t)
			ctx := context.Background()

			_, err := c.FetchLocalSessionContext(ctx)
			require.ErrorIs(t, err, cache.ErrNotFound)

			require.NoError(t, c.UpdateLocalSessionContext(ctx, []byte("ctx-1")))
			rec, err := c.FetchLocalSessionContext(ctx)
			require.NoError(t, err)
			require.Equal(t, []byte("ctx-1"), rec.Ciphertext)

			require.NoError(t, c.UpdateSessionIdentity(ctx, cache.IdentityRecord{ID: "id-1", Ciphertext: []byte("a")}))
			require.NoError(t, c.UpdateSessionIdentity(ctx, cache.IdentityRecord{ID: "id-2", Ciphertext: []byte("b")}))
			ids, err := c.FetchSessionIdentities(ctx)
			require.NoError(t, err)
			require.Len(t, ids, 2)

			require.NoError(t, c.CreateCommunication(ctx, cache.CommunicationRecord{ID: "general", Ciphertext: []byte("c")}))
			comms, err := c.FetchCommunications(ctx)
			require.NoError(t, err)
			require.Len(t, comms, 1)
			require.NoError(t, c.UpdateCommunication(ctx, cache.CommunicationRecord{ID: "general", Ciphertext: []byte("c2")}))
			comms, err = c.FetchCommunications(ctx)
			require.NoError(t, err)
			require.Len(t, comms, 1)
			require.Equal(t, []byte("c2"), comms[0].Ciphertext)

			require.NoError(t, c.CreateMessage(ctx, cache.MessageRecord{ID: "m1", Ciphertext: []byte("msg")}))

			require.NoError(t, c.CreateJob(ctx, cache.JobRecord{SequenceID: 3, Ciphertext: []byte("j3")}))
			require.NoError(t, c.CreateJob(ctx, cache.JobRecord{SequenceID: 1, Ciphertext: []byte("j1")}))
			require.NoError(t, c.CreateJob(ctx, cache.JobRecord{SequenceID: 2, Ciphertext: []byte("j2")}))

			jobs, err := c.FetchJobs(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 3)
			for i := 1; i < len(jobs); i++ {
				require.Less(t, jobs[i-1].SequenceID, jobs[i].SequenceID)
			}

			require.NoError(t, c.DeleteJob(ctx, 2))
			jobs, err = c.FetchJobs(ctx)
			require.NoError(t, err)
			require.Len(t, jobs, 2)
		})
	}
}
