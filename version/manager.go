// Package version implements the VersionManager (component V):
// registration of visibility sequence numbers used by snapshot
// readers, and a wait/notify primitive for "can this checkpoint be
// removed". Grounded on the teacher's tx/locktable.go channel-based
// wait/notify design (a request carries its own completion channel;
// the manager closes it once satisfied instead of the caller polling).
package version

import (
	"sync"

	"github.com/luigitni/logreplicator/storage"
)

// waitRequest is satisfied once no registered VSN falls in [low, high).
type waitRequest struct {
	low, high storage.Lsn
	done      chan struct{}
}

// Manager tracks outstanding visibility sequence numbers (VSNs) and
// lets callers ask "can we remove a checkpoint at X given the next one
// at Y" without polling.
type Manager struct {
	mu         sync.Mutex
	registered map[storage.Lsn]int
	waiters    []*waitRequest

	removalNotify map[string]func()
}

func New() *Manager {
	return &Manager{
		registered:    make(map[storage.Lsn]int),
		removalNotify: make(map[string]func()),
	}
}

// Register records that a reader now depends on visibility at vsn.
func (m *Manager) Register(vsn storage.Lsn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registered[vsn]++
}

// Unregister releases a prior Register, waking any wait whose range no
// longer contains a live VSN.
func (m *Manager) Unregister(vsn storage.Lsn) {
	m.mu.Lock()
	if n, ok := m.registered[vsn]; ok {
		if n <= 1 {
			delete(m.registered, vsn)
		} else {
			m.registered[vsn] = n - 1
		}
	}
	ready := m.collectReadyLocked()
	m.mu.Unlock()

	for _, w := range ready {
		close(w.done)
	}
}

// collectReadyLocked must be called with mu held; it removes and
// returns every waiter whose range is now clear of registered VSNs.
func (m *Manager) collectReadyLocked() []*waitRequest {
	var ready []*waitRequest
	var remaining []*waitRequest
	for _, w := range m.waiters {
		if m.rangeClearLocked(w.low, w.high) {
			ready = append(ready, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	m.waiters = remaining
	return ready
}

func (m *Manager) rangeClearLocked(low, high storage.Lsn) bool {
	for vsn := range m.registered {
		if vsn >= low && vsn < high {
			return false
		}
	}
	return true
}

// CanRemove reports whether a checkpoint covering [low, high) can be
// removed right now. If not, it returns a channel that closes once it
// can.
func (m *Manager) CanRemove(low, high storage.Lsn) (bool, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rangeClearLocked(low, high) {
		return true, nil
	}

	w := &waitRequest{low: low, high: high, done: make(chan struct{})}
	m.waiters = append(m.waiters, w)
	return false, w.done
}

// RequestRemoval registers a notify callback for a named state
// provider's remove-version request, idempotently: calling it again
// with the same key before the first notify fires just replaces the
// callback rather than stacking a second one.
func (m *Manager) RequestRemoval(key string, notify func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removalNotify[key] = notify
}

// FireRemoval invokes and clears the notify callback registered under
// key, if any.
func (m *Manager) FireRemoval(key string) {
	m.mu.Lock()
	notify, ok := m.removalNotify[key]
	if ok {
		delete(m.removalNotify, key)
	}
	m.mu.Unlock()

	if ok && notify != nil {
		notify()
	}
}
