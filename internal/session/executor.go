package session

import "golang.org/x/sync/errgroup"

// executor is a single dedicated goroutine draining a buffered queue of
// closures, used to isolate slow or side-channel-sensitive work from the
// rest of the orchestrator without reaching for a language-level actor.
// The orchestrator uses one for key-transport work (one-time key
// deletion); ratchet work runs on the job queue's own processor loop, so a
// stalled network call on the executor never blocks it.
type executor struct {
	work chan func()
	eg   *errgroup.Group
}

func newExecutor(buffer int) *executor {
	e := &executor{work: make(chan func(), buffer)}
	e.eg = &errgroup.Group{}
	e.eg.Go(func() error {
		for fn := range e.work {
			fn()
		}
		return nil
	})
	return e
}

// Submit enqueues fn to run on the executor's goroutine. It does not wait
// for fn to complete.
func (e *executor) Submit(fn func()) {
	e.work <- fn
}

// Close drains in-flight work and stops the executor's goroutine.
func (e *executor) Close() error {
	close(e.work)
	return e.eg.Wait()
}
