// Package txmap implements the TransactionMap (component X, spec §3.3):
// a latest-record-per-transaction index plus pending/unstable
// transaction bookkeeping ordered by LSN. Grounded on the teacher's
// buffer/buffer_manager.go block-map pattern (a plain map guarded by a
// single mutex, with a sorted auxiliary structure for order-sensitive
// queries), generalized from a buffer pool's block->frame map to a
// transaction-id/LSN index.
package txmap

import (
	"sort"
	"sync"

	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/storage"
)

// pendingEntry is one not-yet-ended transaction, tracked by the LSN of
// its BeginTransaction record.
type pendingEntry struct {
	lsn      storage.Lsn
	txId     storage.TransactionId
	begin    logrecord.Handle
	position storage.RecordPosition
}

// unstableEntry is a committed-or-aborted transaction whose EndTransaction
// LSN has not yet become stable.
type unstableEntry struct {
	lsn  storage.Lsn
	txId storage.TransactionId
	end  logrecord.Handle
}

// Map holds the three views spec §3.3 names: latestByTxId,
// lsnPending (ordered), and unstable (ordered). "completed" is folded
// into unstable here: per spec, a committed-but-not-stable transaction
// is precisely an unstable entry with Commit=true; the invariant
// (pending xor unstable xor removed) holds either way.
type Map struct {
	mu sync.Mutex

	latestByTxId map[storage.TransactionId]logrecord.Handle
	pending      []pendingEntry // sorted by lsn, ascending
	unstable     []unstableEntry // sorted by lsn, ascending
}

func New() *Map {
	return &Map{
		latestByTxId: make(map[storage.TransactionId]logrecord.Handle),
	}
}

// RecordBegin registers a new BeginTransaction, entering it into both
// latestByTxId and the pending set.
func (m *Map) RecordBegin(txId storage.TransactionId, h logrecord.Handle, lsn storage.Lsn, pos storage.RecordPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestByTxId[txId] = h
	m.insertPending(pendingEntry{lsn: lsn, txId: txId, begin: h, position: pos})
}

func (m *Map) insertPending(e pendingEntry) {
	i := sort.Search(len(m.pending), func(i int) bool { return m.pending[i].lsn >= e.lsn })
	m.pending = append(m.pending, pendingEntry{})
	copy(m.pending[i+1:], m.pending[i:])
	m.pending[i] = e
}

// RecordOperation updates the latest record seen for an in-flight
// transaction (a non-Begin, non-End logical record).
func (m *Map) RecordOperation(txId storage.TransactionId, h logrecord.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latestByTxId[txId] = h
}

// RecordEnd moves a transaction from pending to unstable: it now has
// an EndTransaction record but its LSN may not yet be stable.
func (m *Map) RecordEnd(txId storage.TransactionId, h logrecord.Handle, lsn storage.Lsn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latestByTxId[txId] = h
	m.removePendingLocked(txId)

	i := sort.Search(len(m.unstable), func(i int) bool { return m.unstable[i].lsn >= lsn })
	m.unstable = append(m.unstable, unstableEntry{})
	copy(m.unstable[i+1:], m.unstable[i:])
	m.unstable[i] = unstableEntry{lsn: lsn, txId: txId, end: h}
}

func (m *Map) removePendingLocked(txId storage.TransactionId) {
	for i, p := range m.pending {
		if p.txId == txId {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}

// AdvanceStable drops every unstable entry whose LSN is now <= stable:
// its transaction is fully resolved and no longer needs tracking (I5).
// Returns the transaction ids removed, for callers that want to notify
// version.Manager or similar.
func (m *Map) AdvanceStable(stable storage.Lsn) []storage.TransactionId {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	var removed []storage.TransactionId
	for i < len(m.unstable) && m.unstable[i].lsn <= stable {
		removed = append(removed, m.unstable[i].txId)
		delete(m.latestByTxId, m.unstable[i].txId)
		i++
	}
	m.unstable = m.unstable[i:]
	return removed
}

// Latest resolves the most recent record handle seen for txId.
func (m *Map) Latest(txId storage.TransactionId) (logrecord.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.latestByTxId[txId]
	return h, ok
}

// EarliestPending returns the pending entry with the smallest LSN -
// used by CheckpointManager to compute EarliestPendingTxPosition.
// LogTruncationManager's abort-threshold check uses PendingTxIds.
func (m *Map) EarliestPending() (lsn storage.Lsn, position storage.RecordPosition, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, 0, false
	}
	return m.pending[0].lsn, m.pending[0].position, true
}

// HighestUnstableLsn returns the LSN of the most recently ended
// transaction that has not yet become stable - used by
// CheckpointManager to bound how far a barrier's completion can
// actually advance lastStableLsn, since the barrier's own LSN is a
// control marker, not the LSN of a committed transaction.
func (m *Map) HighestUnstableLsn() (storage.Lsn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.unstable) == 0 {
		return 0, false
	}
	return m.unstable[len(m.unstable)-1].lsn, true
}

// PendingTxIds returns every currently pending transaction id, oldest
// first, for the truncation manager's abort-candidate scan.
func (m *Map) PendingTxIds() []storage.TransactionId {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]storage.TransactionId, len(m.pending))
	for i, p := range m.pending {
		out[i] = p.txId
	}
	return out
}

// PendingCount reports how many transactions are open (no end record).
func (m *Map) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// UnstableCount reports how many transactions have ended but are not
// yet stable.
func (m *Map) UnstableCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.unstable)
}

// Forget removes txId from every view unconditionally - used by
// drain.TruncateTailManager when undoing a false-progressed
// transaction that never committed on the primary.
func (m *Map) Forget(txId storage.TransactionId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.latestByTxId, txId)
	m.removePendingLocked(txId)
	for i, u := range m.unstable {
		if u.txId == txId {
			m.unstable = append(m.unstable[:i], m.unstable[i+1:]...)
			break
		}
	}
}
