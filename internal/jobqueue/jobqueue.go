// Package jobqueue delivers every encrypt/decrypt task exactly once, in
// order per session, survives a process restart, and never holds
// plaintext task data at rest: every queued job is an envelope-sealed
// JobProps, and the in-memory ordering structure only ever touches
// sequence ids and ciphertext until a job is actually dequeued for
// execution.
package jobqueue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nightglass/solace/internal/cache"
	"github.com/nightglass/solace/internal/envelope"
	"github.com/nightglass/solace/internal/logging"
	"github.com/nightglass/solace/internal/wire"
)

// TaskKind selects which arm of an EncryptableTask is populated.
type TaskKind int

const (
	TaskWriteMessage TaskKind = iota
	TaskStreamMessage
)

// EncryptableTask is the immutable union of work a Queue can carry:
// exactly one of WriteMessage/StreamMessage is set, per Kind.
type EncryptableTask struct {
	Kind          TaskKind                   `bson:"k"`
	WriteMessage  *wire.OutboundTaskMessage  `bson:"wm,omitempty"`
	StreamMessage *wire.InboundTaskMessage   `bson:"sm,omitempty"`
	Priority      int                        `bson:"p"`
	ScheduledAt   time.Time                  `bson:"sa"`
}

// JobProps is the envelope-sealed payload of a queued job.
type JobProps struct {
	SequenceID       uint64          `bson:"sid"`
	Task             EncryptableTask `bson:"t"`
	IsBackgroundTask bool            `bson:"bg,omitempty"`
	DelayedUntil     *time.Time      `bson:"du,omitempty"`
	ScheduledAt      time.Time       `bson:"sa"`
	Attempts         int             `bson:"a"`
}

// JobModel pairs an id with its envelope-sealed JobProps.
type JobModel struct {
	ID  string
	Env *envelope.Envelope[JobProps]
}

// PermanentError marks an error as cryptographically permanent: retrying
// the job that produced it cannot succeed, so the queue deletes it rather
// than retaining it for another attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the queue's loop classifies it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// ErrNotViable is returned by a Handler when the session can't currently
// process jobs (e.g. offline); the loop stops gracefully and resumes on
// the next FeedTask or LoadTasks.
var ErrNotViable = errors.New("jobqueue: session not viable")

// Handler executes the two task kinds a Queue carries. Implementations
// live in internal/session, kept decoupled here so jobqueue never needs to
// import the orchestrator.
type Handler interface {
	Viable(ctx context.Context) bool
	EncryptOutbound(ctx context.Context, msg wire.OutboundTaskMessage) error
	DecryptInbound(ctx context.Context, msg wire.InboundTaskMessage) error
}

// Sequencer hands out monotonic, process-wide sequence ids.
type Sequencer struct {
	counter atomic.Uint64
}

// NewSequencer returns a Sequencer starting at 0.
func NewSequencer() *Sequencer { return &Sequencer{} }

// NextSequenceID returns the next sequence id, starting at 1.
func (s *Sequencer) NextSequenceID() uint64 { return s.counter.Add(1) }

// RestoreSequence fast-forwards the counter to at least max, so ids
// assigned after a restart never collide with ids a crashed process
// already assigned.
func (s *Sequencer) RestoreSequence(max uint64) {
	for {
		cur := s.counter.Load()
		if cur >= max {
			return
		}
		if s.counter.CompareAndSwap(cur, max) {
			return
		}
	}
}

// jobHeapItem is what actually lives in the heap: just enough to order
// jobs and re-seal them into a JobModel on demand. The heap never holds
// decrypted JobProps.
type jobHeapItem struct {
	id         string
	sequenceID uint64
	ciphertext []byte
}

type jobHeap []*jobHeapItem

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].sequenceID < h[j].sequenceID }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x any)         { *h = append(*h, x.(*jobHeapItem)) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue is the ordered, encrypted job deque plus its processor loop. It
// replaces the corpus's repeated-linear-scan insertion-ordered deque with
// a container/heap min-heap keyed by SequenceID: same externally observed
// processing order, O(log n) insert instead of O(n) scan-to-insert.
type Queue struct {
	mu   sync.Mutex
	heap jobHeap

	cache   cache.Cache
	key     []byte
	handler Handler
	seq     *Sequencer
	log     logging.Logger

	running atomic.Bool
}

// Option configures a Queue at construction.
type Option func(*Queue)

// WithLogger attaches a structured logger; the default discards everything.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithSequencer supplies a Sequencer, letting a caller restore it from
// persisted state before jobs start flowing.
func WithSequencer(s *Sequencer) Option {
	return func(q *Queue) { q.seq = s }
}

// New constructs a Queue. key is the session-wide envelope key used to
// seal and open JobProps.
func New(c cache.Cache, key []byte, handler Handler, opts ...Option) *Queue {
	q := &Queue{
		cache:   c,
		key:     append([]byte(nil), key...),
		handler: handler,
		seq:     NewSequencer(),
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Sequencer returns the queue's Sequencer, letting a caller inspect or
// seed it directly (tests, or a session layer that shares one Sequencer
// across multiple queues).
func (q *Queue) Sequencer() *Sequencer { return q.seq }

// Bootstrap loads every persisted job into the in-memory heap and
// restores the sequencer from the maximum persisted sequence id, so a
// restarted process never reassigns an id a prior run already used
// (Testable Property 9). It starts the processor loop if any jobs were
// found.
func (q *Queue) Bootstrap(ctx context.Context) error {
	return q.LoadTasks(ctx, nil)
}

// FeedTask assigns the next sequence id, persists task as an encrypted
// JobModel, inserts it into the heap, and kicks the processor loop if it
// isn't already running.
func (q *Queue) FeedTask(ctx context.Context, task EncryptableTask) (*JobModel, error) {
	seqID := q.seq.NextSequenceID()
	props := JobProps{
		SequenceID:  seqID,
		Task:        task,
		ScheduledAt: task.ScheduledAt,
	}
	env, err := envelope.New(q.key, props)
	if err != nil {
		return nil, err
	}
	id := ulid.Make().String()

	if err := q.cache.CreateJob(ctx, cache.JobRecord{SequenceID: seqID, Ciphertext: env.Ciphertext()}); err != nil {
		return nil, err
	}

	q.mu.Lock()
	heap.Push(&q.heap, &jobHeapItem{id: id, sequenceID: seqID, ciphertext: env.Ciphertext()})
	q.mu.Unlock()

	go q.attemptTaskSequence(ctx)

	return &JobModel{ID: id, Env: env}, nil
}

// LoadTasks populates the heap from the cache — every persisted job when
// job is nil, or a single job otherwise — then starts the processor loop
// if it isn't already running.
func (q *Queue) LoadTasks(ctx context.Context, job *JobModel) error {
	if job != nil {
		q.mu.Lock()
		props, err := job.Env.Props()
		if err != nil {
			q.mu.Unlock()
			return err
		}
		heap.Push(&q.heap, &jobHeapItem{id: job.ID, sequenceID: props.SequenceID, ciphertext: job.Env.Ciphertext()})
		q.mu.Unlock()
		go q.attemptTaskSequence(ctx)
		return nil
	}

	records, err := q.cache.FetchJobs(ctx)
	if err != nil {
		return err
	}

	var maxSeq uint64
	q.mu.Lock()
	for _, rec := range records {
		q.heap = append(q.heap, &jobHeapItem{sequenceID: rec.SequenceID, ciphertext: rec.Ciphertext})
		if rec.SequenceID > maxSeq {
			maxSeq = rec.SequenceID
		}
	}
	heap.Init(&q.heap)
	q.mu.Unlock()

	q.seq.RestoreSequence(maxSeq)

	if len(records) > 0 {
		go q.attemptTaskSequence(ctx)
	}
	return nil
}

// attemptTaskSequence is the processor loop. Calling it concurrently N
// times starts at most one loop (Testable Property 10): every call past
// the first sees running already true and returns immediately.
func (q *Queue) attemptTaskSequence(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	defer q.running.Store(false)

	for {
		q.mu.Lock()
		if q.heap.Len() == 0 {
			q.mu.Unlock()
			records, err := q.cache.FetchJobs(ctx)
			if err != nil {
				q.log.Warnw("jobqueue: reload failed", "error", err)
				return
			}
			if len(records) == 0 {
				return
			}
			q.mu.Lock()
			for _, rec := range records {
				q.heap = append(q.heap, &jobHeapItem{sequenceID: rec.SequenceID, ciphertext: rec.Ciphertext})
			}
			heap.Init(&q.heap)
			q.mu.Unlock()
			continue
		}
		item := heap.Pop(&q.heap).(*jobHeapItem)
		empty := q.heap.Len() == 0
		q.mu.Unlock()

		props, err := envelope.MakeDecryptedModel[JobProps](q.key, item.ciphertext).Props()
		if err != nil {
			q.log.Warnw("jobqueue: dropping undecryptable job", "sequence_id", item.sequenceID, "error", err)
			_ = q.cache.DeleteJob(ctx, item.sequenceID)
			continue
		}

		if props.DelayedUntil != nil && props.DelayedUntil.After(timeNow()) {
			q.log.Debugw("jobqueue: job delayed, stopping", "sequence_id", item.sequenceID)
			return
		}
		if !q.handler.Viable(ctx) {
			q.log.Debugw("jobqueue: session not viable, stopping", "sequence_id", item.sequenceID)
			return
		}

		var execErr error
		switch props.Task.Kind {
		case TaskWriteMessage:
			execErr = q.handler.EncryptOutbound(ctx, *props.Task.WriteMessage)
		case TaskStreamMessage:
			execErr = q.handler.DecryptInbound(ctx, *props.Task.StreamMessage)
		}

		switch {
		case execErr == nil:
			if err := q.cache.DeleteJob(ctx, item.sequenceID); err != nil {
				q.log.Warnw("jobqueue: delete completed job failed", "sequence_id", item.sequenceID, "error", err)
			}
		case isPermanent(execErr):
			q.log.Warnw("jobqueue: permanent failure, dropping job", "sequence_id", item.sequenceID, "error", execErr)
			if err := q.cache.DeleteJob(ctx, item.sequenceID); err != nil {
				q.log.Warnw("jobqueue: delete failed job failed", "sequence_id", item.sequenceID, "error", err)
			}
		case errors.Is(execErr, ErrNotViable):
			q.log.Debugw("jobqueue: handler reported session not viable, stopping", "sequence_id", item.sequenceID)
			return
		default:
			q.log.Warnw("jobqueue: transient failure, retaining job", "sequence_id", item.sequenceID, "error", execErr)
			if ctx.Err() != nil || empty {
				return
			}
		}
	}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// timeNow exists so behavior around DelayedUntil can be exercised
// deterministically in tests without depending on the wall clock directly
// at every call site.
var timeNow = time.Now
