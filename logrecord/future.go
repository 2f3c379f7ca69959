package logrecord

import (
	"context"
	"sync"
)

// Stage names the three completion signals a record passes through:
// Flush (durable on the logical log), Apply (handed to the
// state-provider manager) and Process (fully dispatched, including
// Unlock). Per Design Notes §9 each is a one-shot future, tracked in an
// explicit table rather than embedded inside Record, so the arena slot
// can be reused without resurrecting a stale awaiter.
type Stage int

const (
	StageFlush Stage = iota
	StageApply
	StageProcess
)

// Future is a one-shot completion signal: Complete may be called
// exactly once; every Wait call after that returns the same status
// immediately.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Complete signals completion with err. Calling Complete more than
// once is a programmer error (per Design Notes §9, "a log record is
// applied at most once... unlocked exactly once") and is ignored after
// the first call rather than panicking, since a duplicate completion
// can arrive from a racing flush-error path.
func (f *Future) Complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until Complete is called or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsDone reports completion without blocking.
func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// FutureTable maps (Handle, Stage) to its Future, keyed per stage so a
// record's flush future and apply future can be resolved
// independently and can outlive the arena slot being reused (callers
// hold the Future directly rather than re-deriving it from the Handle
// after truncation).
type FutureTable struct {
	mu    sync.Mutex
	byTag map[tag]*Future
}

type tag struct {
	h Handle
	s Stage
}

func NewFutureTable() *FutureTable {
	return &FutureTable{byTag: make(map[tag]*Future)}
}

// Register creates (or returns the existing) Future for (h, stage).
func (t *FutureTable) Register(h Handle, stage Stage) *Future {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := tag{h, stage}
	if f, ok := t.byTag[key]; ok {
		return f
	}
	f := NewFuture()
	t.byTag[key] = f
	return f
}

// Complete resolves (h, stage) with err, creating the Future first if
// no one had registered interest yet (e.g. a record that nobody is
// awaiting still needs its Flush future resolved so FlushCallbackManager
// bookkeeping stays consistent).
func (t *FutureTable) Complete(h Handle, stage Stage, err error) {
	t.Register(h, stage).Complete(err)
}

// Forget drops the table entries for h once all three stages have
// resolved, so the table does not grow without bound across the
// lifetime of a long-running replica.
func (t *FutureTable) Forget(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.byTag, tag{h, StageFlush})
	delete(t.byTag, tag{h, StageApply})
	delete(t.byTag, tag{h, StageProcess})
}
