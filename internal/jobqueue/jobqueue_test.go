package jobqueue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nightglass/solace/internal/cache"
	"github.com/nightglass/solace/internal/jobqueue"
	"github.com/nightglass/solace/internal/wire"
)

type fakeHandler struct {
	mu        sync.Mutex
	viable    bool
	outbound  []wire.OutboundTaskMessage
	inbound   []wire.InboundTaskMessage
	nextErr   error
	callCount int
}

func (h *fakeHandler) Viable(context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.viable
}

func (h *fakeHandler) EncryptOutbound(_ context.Context, msg wire.OutboundTaskMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callCount++
	h.outbound = append(h.outbound, msg)
	return h.nextErr
}

func (h *fakeHandler) DecryptInbound(_ context.Context, msg wire.InboundTaskMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callCount++
	h.inbound = append(h.inbound, msg)
	return h.nextErr
}

func newKey(t *testing.T) []byte {
	t.Helper()
	return make([]byte, 32)
}

func TestFeedTaskSucceedsAndDeletesJob(t *testing.T) {
	c := cache.NewMemory()
	h := &fakeHandler{viable: true}
	q := jobqueue.New(c, newKey(t), h)

	task := jobqueue.EncryptableTask{
		Kind:         jobqueue.TaskWriteMessage,
		WriteMessage: &wire.OutboundTaskMessage{RecipientIdentityID: "bob"},
	}
	_, err := q.FeedTask(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		jobs, err := c.FetchJobs(context.Background())
		require.NoError(t, err)
		return len(jobs) == 0
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.outbound, 1)
	require.Equal(t, "bob", h.outbound[0].RecipientIdentityID)
}

func TestPermanentErrorDeletesJob(t *testing.T) {
	c := cache.NewMemory()
	h := &fakeHandler{viable: true, nextErr: jobqueue.Permanent(errors.New("missing identity"))}
	q := jobqueue.New(c, newKey(t), h)

	task := jobqueue.EncryptableTask{
		Kind:         jobqueue.TaskWriteMessage,
		WriteMessage: &wire.OutboundTaskMessage{RecipientIdentityID: "bob"},
	}
	_, err := q.FeedTask(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		jobs, err := c.FetchJobs(context.Background())
		require.NoError(t, err)
		return len(jobs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTransientErrorRetainsJob(t *testing.T) {
	c := cache.NewMemory()
	h := &fakeHandler{viable: true, nextErr: errors.New("transport unreachable")}
	q := jobqueue.New(c, newKey(t), h)

	task := jobqueue.EncryptableTask{
		Kind:         jobqueue.TaskWriteMessage,
		WriteMessage: &wire.OutboundTaskMessage{RecipientIdentityID: "bob"},
	}
	_, err := q.FeedTask(context.Background(), task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		jobs, err := c.FetchJobs(context.Background())
		require.NoError(t, err)
		return len(jobs) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestNotViableStopsProcessingJobStaysPersisted(t *testing.T) {
	c := cache.NewMemory()
	h := &fakeHandler{viable: false}
	q := jobqueue.New(c, newKey(t), h)

	task := jobqueue.EncryptableTask{
		Kind:         jobqueue.TaskWriteMessage,
		WriteMessage: &wire.OutboundTaskMessage{RecipientIdentityID: "bob"},
	}
	_, err := q.FeedTask(context.Background(), task)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	jobs, err := c.FetchJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	h.mu.Lock()
	h.viable = true
	h.mu.Unlock()
	require.NoError(t, q.LoadTasks(context.Background(), nil))

	require.Eventually(t, func() bool {
		jobs, err := c.FetchJobs(context.Background())
		require.NoError(t, err)
		return len(jobs) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSequencerRestore(t *testing.T) {
	s := jobqueue.NewSequencer()
	require.EqualValues(t, 1, s.NextSequenceID())
	require.EqualValues(t, 2, s.NextSequenceID())

	s.RestoreSequence(100)
	require.EqualValues(t, 101, s.NextSequenceID())

	s.RestoreSequence(5)
	require.EqualValues(t, 102, s.NextSequenceID())
}

func TestBootstrapRestoresSequenceFromPersistedJobs(t *testing.T) {
	c := cache.NewMemory()
	h := &fakeHandler{viable: false}
	q1 := jobqueue.New(c, newKey(t), h)

	for i := 0; i < 3; i++ {
		_, err := q1.FeedTask(context.Background(), jobqueue.EncryptableTask{
			Kind:          jobqueue.TaskStreamMessage,
			StreamMessage: &wire.InboundTaskMessage{SharedMessageID: "m"},
		})
		require.NoError(t, err)
	}
	time.Sleep(20 * time.Millisecond)

	jobs, err := c.FetchJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	h2 := &fakeHandler{viable: false}
	q2 := jobqueue.New(c, newKey(t), h2)
	require.NoError(t, q2.Bootstrap(context.Background()))

	require.Greater(t, q2.Sequencer().NextSequenceID(), uint64(3))
}
