// Package flushcb implements the FlushCallbackManager (component C):
// serialized delivery of flush completions to a registered processor,
// in PSN order, regardless of how many goroutines call Deliver
// concurrently. Grounded on the teacher's tx/locktable.go
// single-dispatcher-goroutine pattern (the first caller to find the
// queue empty becomes the drainer; later callers just enqueue and
// return) and log/alloc.go's use of a sync.Pool to avoid reallocating
// short-lived buffers - used here to recycle the queue's batch slice.
package flushcb

import (
	"sync"

	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/physlog"
)

// Processor receives completed flush batches. opproc.Processor
// implements this; flushcb does not know about operation dispatch, so
// the two packages can be tested independently.
type Processor interface {
	ProcessLoggedRecords(*physlog.LoggedRecords)
}

// weakProcessor lets Manager tolerate a processor that's gone away: a
// successful flush delivered to nobody is logged as an error (it points
// at a programmer error), a failed flush delivered to nobody is logged
// as a warning. Neither panics.
type weakProcessor struct {
	mu sync.RWMutex
	p  Processor
}

func (w *weakProcessor) get() Processor {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.p
}

func (w *weakProcessor) set(p Processor) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.p = p
}

// queuePool recycles the backing array for the pending-batch slice.
var queuePool = sync.Pool{
	New: func() any {
		s := make([]*physlog.LoggedRecords, 0, 8)
		return &s
	},
}

// Manager implements physlog.Sink: Deliver enqueues a batch and, if
// no other goroutine is currently draining, becomes the drainer
// itself and processes every batch currently queued (including ones
// appended by other callers while it runs) before returning.
type Manager struct {
	obs     obs.Context
	futures *logrecord.FutureTable

	mu       sync.Mutex
	draining bool
	pending  []*physlog.LoggedRecords

	weak weakProcessor
}

// New builds a Manager. futures receives StageFlush completion for
// every handle in a batch before the batch is handed to the
// downstream Processor, so anyone awaiting a record's flush future
// (checkpoint.Manager's group commit, in particular) observes it at
// the same point the processor does.
func New(o obs.Context, futures *logrecord.FutureTable) *Manager {
	return &Manager{obs: o, futures: futures}
}

// SetProcessor registers (or clears, with nil) the downstream
// processor. Held as a weak reference in spirit: once the replicator
// closes and drops its OperationProcessor, further Deliver calls are
// merely logged (a warning for failed flushes, an error for successful
// ones) rather than panicking.
func (m *Manager) SetProcessor(p Processor) {
	m.weak.set(p)
}

// Deliver implements physlog.Sink. It is safe to call concurrently;
// batches are always handed to the processor in the order Deliver was
// called for them (which is PSN order, since physlog.Writer's flush
// path is itself single-flight).
func (m *Manager) Deliver(lr *physlog.LoggedRecords) {
	m.mu.Lock()
	m.pending = append(m.pending, lr)
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	m.mu.Unlock()

	m.drain()
}

func (m *Manager) drain() {
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.draining = false
			m.mu.Unlock()
			return
		}
		batch := m.pending
		next := queuePool.Get().(*[]*physlog.LoggedRecords)
		m.pending = (*next)[:0]
		m.mu.Unlock()

		for _, lr := range batch {
			m.dispatch(lr)
		}
		for i := range batch {
			batch[i] = nil
		}
		batch = batch[:0]
		queuePool.Put(&batch)
	}
}

func (m *Manager) dispatch(lr *physlog.LoggedRecords) {
	if m.futures != nil {
		for _, h := range lr.Handles {
			m.futures.Complete(h, logrecord.StageFlush, lr.LogError)
		}
	}

	p := m.weak.get()
	if p == nil {
		if lr.LogError != nil {
			m.obs.Warnw("flushcb: failed flush with no registered processor", "err", lr.LogError)
			return
		}
		m.obs.Errorw("flushcb: successful flush with no registered processor - programmer error")
		return
	}
	p.ProcessLoggedRecords(lr)
}
