package logrecord

import (
	"sync"

	"github.com/luigitni/logreplicator/storage"
)

// Handle is a non-owning reference into an Arena. Per Design Notes §9
// ("use an arena of records owned by the log manager with non-owning
// handles... for PreviousPhysicalRecord, LinkedPhysicalRecord,
// ParentTransactionRecord, ChildTransactionRecord"), every record
// already carries a globally unique, append-order Psn assigned by the
// physical log writer - so Psn itself serves as the handle, for
// physical and logical records alike, instead of introducing a
// separate slot-index scheme. This also means a Handle survives a
// process restart unchanged (it's part of the on-disk record), unlike
// a generation-checked slot index would.
type Handle = storage.Psn

// InvalidHandle denotes the absence of a link (e.g. the first logical
// record of a transaction has no PreviousLogicalLsn).
var InvalidHandle = storage.PsnInvalid

// Arena owns every inserted record, indexed by its Psn Handle. Any
// Handle referencing an entry dropped by Remove or RemoveBefore simply
// fails to resolve (Psns are never reused, so there is no risk of
// resolving to an unrelated, later record). Log-head truncation in
// logmgr does not drop arena entries.
type Arena struct {
	mu      sync.RWMutex
	records map[Handle]*Record
}

func NewArena() *Arena {
	return &Arena{records: make(map[Handle]*Record)}
}

// Insert registers r under its own Psn and returns that Handle.
func (a *Arena) Insert(r *Record) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[r.Psn] = r
	return r.Psn
}

// Get resolves h to its Record.
func (a *Arena) Get(h Handle) (*Record, bool) {
	if h == InvalidHandle {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.records[h]
	return r, ok
}

// Remove drops the record at h.
func (a *Arena) Remove(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.records, h)
}

// RemoveBefore drops every record with Psn strictly less than head.
// No caller in this module uses it; log-head truncation leaves the
// arena as it is.
func (a *Arena) RemoveBefore(head Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for psn := range a.records {
		if psn < head {
			delete(a.records, psn)
		}
	}
}

// Len reports the number of currently live records.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}
