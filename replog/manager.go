// Package replog implements the ReplicatedLogManager (component R):
// the single serialization point for logical appends on the primary,
// epoch/barrier/information bookkeeping, and the progress vector.
// Grounded on the teacher's tx/recovery_manager.go wrapping-and-
// serializing style (a thin manager type that always logs before
// acting), generalized from single-transaction WAL writes to the
// multi-secondary replication path.
package replog

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logmgr"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/storage"
	"github.com/luigitni/logreplicator/transport"
)

// PostAppendHook is invoked after every successful append, outside the
// append lock, so the truncation/checkpoint policy engines can react
// without replog importing them (avoiding an import cycle: trunc and
// checkpoint both need to append through replog themselves).
type PostAppendHook func(rec *logrecord.Record)

// Manager serializes logical appends on the primary path behind a
// single mutex (§4.4, §5: "a single logical append lock... serializes
// writes to the physical log on the append path").
type Manager struct {
	obs       obs.Context
	log       *logmgr.Manager
	transport transport.Replicator

	appendMu sync.Mutex

	tailLsn   storage.Lsn
	tailEpoch storage.Epoch
	progress  []logrecord.ProgressVectorEntry

	lastInProgressCheckpoint  *logrecord.Record
	lastCompletedEndCheckpoint *logrecord.Record
	lastInProgressTruncateHead *logrecord.Record
	lastInformation            *logrecord.Record

	closed bool

	hooks []PostAppendHook
}

func New(o obs.Context, log *logmgr.Manager, rep transport.Replicator) *Manager {
	return &Manager{
		obs:       o,
		log:       log,
		transport: rep,
		tailLsn:   storage.LsnInvalid,
	}
}

// AddPostAppendHook registers a callback fired (outside the append
// lock) after every successful append. Used by the top-level
// orchestrator to wire trunc.Manager's checkpointIfNecessary /
// insertPhysicalRecordsIfNecessary policy without an import cycle.
func (m *Manager) AddPostAppendHook(h PostAppendHook) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	m.hooks = append(m.hooks, h)
}

func (m *Manager) runHooks(rec *logrecord.Record) {
	for _, h := range m.hooks {
		h(rec)
	}
}

// SeedState is called once during recovery to prime the manager's view
// of the tail before accepting new appends.
func (m *Manager) SeedState(tailLsn storage.Lsn, tailEpoch storage.Epoch, progress []logrecord.ProgressVectorEntry) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	m.tailLsn = tailLsn
	m.tailEpoch = tailEpoch
	m.progress = progress
}

// ReplicateAndLog is the primary append path (§4.4): the transport
// assigns an Lsn and starts replication, then the record is buffered
// physically, then registered hooks run (checkpoint/truncation
// policy). For two calls A then B observed on the same goroutine,
// A.Lsn < B.Lsn and A appears first in the log, because both the
// transport call and the physical append happen under appendMu.
func (m *Manager) ReplicateAndLog(ctx context.Context, rec *logrecord.Record) (bufferedBytes int64, err error) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if m.closed {
		return 0, errors.Wrap(kind.ErrObjectClosed, "replog: manager is closed")
	}

	res, err := m.transport.ReplicateAndLog(ctx, rec)
	if err != nil {
		return 0, err
	}
	rec.Lsn = res.Lsn

	n, err := m.log.Writer().InsertBufferedRecord(rec)
	if err != nil {
		return 0, err
	}

	m.observeLocked(rec)
	m.runHooks(rec)
	return n, nil
}

// AppendBarrier appends a Barrier record carrying lastStableLsn known
// at emission time. isPrimary distinguishes the primary's own barrier
// emission (goes through the transport like any other append) from a
// secondary's drain path re-logging a barrier received from the
// primary (transport is bypassed; the Lsn already comes from upstream).
func (m *Manager) AppendBarrier(ctx context.Context, rec *logrecord.Record, isPrimary bool) (int64, error) {
	return m.Append(ctx, rec, isPrimary)
}

// Append is the generalized form of AppendBarrier: on the primary path
// it routes through the transport to get an Lsn assigned (like
// ReplicateAndLog); on a secondary it inserts the already-Lsn'd record
// directly. CheckpointManager uses this for BeginCheckpoint/
// EndCheckpoint/CompleteCheckpoint, which behave identically to a
// barrier with respect to who assigns the Lsn.
func (m *Manager) Append(ctx context.Context, rec *logrecord.Record, isPrimary bool) (int64, error) {
	if isPrimary {
		return m.ReplicateAndLog(ctx, rec)
	}

	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	if m.closed {
		return 0, errors.Wrap(kind.ErrObjectClosed, "replog: manager is closed")
	}
	n, err := m.log.Writer().InsertBufferedRecord(rec)
	if err != nil {
		return 0, err
	}
	m.observeLocked(rec)
	m.runHooks(rec)
	return n, nil
}

// UpdateEpoch appends an UpdateEpoch record. Per §3.2 its Header.Lsn is
// the last Lsn of the previous epoch, not a freshly assigned one, so
// it bypasses the transport's Lsn assignment; it still behaves as a
// barrier for apply ordering (the caller is responsible for treating
// it as a fence in opproc).
func (m *Manager) UpdateEpoch(ctx context.Context, rec *logrecord.Record) (int64, error) {
	payload, ok := rec.Body.(*logrecord.UpdateEpochPayload)
	if !ok {
		return 0, errors.Wrap(kind.ErrInvalidOperation, "replog: not an UpdateEpoch record")
	}
	rec.Lsn = payload.PreviousEpochLastLsn

	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	if m.closed {
		return 0, errors.Wrap(kind.ErrObjectClosed, "replog: manager is closed")
	}

	if err := m.transport.UpdateEpoch(ctx, payload.NewEpoch); err != nil {
		return 0, err
	}

	n, err := m.log.Writer().InsertBufferedRecord(rec)
	if err != nil {
		return 0, err
	}
	m.tailEpoch = payload.NewEpoch
	m.progress = append(m.progress, logrecord.ProgressVectorEntry{Epoch: payload.NewEpoch, Lsn: rec.Lsn})
	m.runHooks(rec)
	return n, nil
}

// Information appends a lifecycle marker. Once Closed or RemovingState
// has been emitted, no further appends are permitted (§4.4).
func (m *Manager) Information(ctx context.Context, event logrecord.InformationEvent) (*logrecord.Record, error) {
	m.appendMu.Lock()
	if m.closed {
		m.appendMu.Unlock()
		return nil, errors.Wrap(kind.ErrObjectClosed, "replog: manager is closed")
	}
	m.appendMu.Unlock()

	rec := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Information, Lsn: storage.LsnInvalid},
		Body:   &logrecord.InformationPayload{Event: event},
	}

	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if _, err := m.log.Writer().InsertBufferedRecord(rec); err != nil {
		return nil, err
	}
	m.lastInformation = rec
	if event == logrecord.Closed || event == logrecord.RemovingState {
		m.closed = true
	}
	m.runHooks(rec)
	return rec, nil
}

// GoodLogHeadCalculator decides whether truncating to a given Indexing
// record is acceptable (LogTruncationManager's policy, injected here
// to avoid an import cycle: trunc needs to call back into replog to
// emit the record it approves).
type GoodLogHeadCalculator func(candidate *logrecord.Record) bool

// TruncateHead asks calculator to pick an Indexing record to become
// the new log head and, if one is found, emits a TruncateHead record
// linked to it. periodicTick distinguishes a timer-driven call (which
// tolerates finding nothing to do) from an explicit one.
func (m *Manager) TruncateHead(ctx context.Context, isStable bool, periodicTick bool, candidates []*logrecord.Record, calculator GoodLogHeadCalculator) (*logrecord.Record, error) {
	var chosen *logrecord.Record
	for _, c := range candidates {
		if calculator(c) {
			chosen = c
		}
	}
	if chosen == nil {
		if periodicTick {
			return nil, nil
		}
		return nil, errors.Wrap(kind.ErrNotFound, "replog: no acceptable log-head candidate")
	}

	rec := &logrecord.Record{
		Header:   logrecord.Header{Type: logrecord.TruncateHead, Lsn: storage.LsnInvalid},
		Physical: logrecord.PhysicalLinks{LinkedPhysicalRecord: chosen.Psn},
		Body:     &logrecord.TruncateHeadPayload{NewHeadIndexingRecord: chosen.Psn},
	}

	m.appendMu.Lock()
	if m.closed {
		m.appendMu.Unlock()
		return nil, errors.Wrap(kind.ErrObjectClosed, "replog: manager is closed")
	}
	if _, err := m.log.Writer().InsertBufferedRecord(rec); err != nil {
		m.appendMu.Unlock()
		return nil, err
	}
	m.lastInProgressTruncateHead = rec
	m.appendMu.Unlock()

	m.runHooks(rec)
	return rec, nil
}

func (m *Manager) observeLocked(rec *logrecord.Record) {
	if rec.Lsn != storage.LsnInvalid && rec.Lsn > m.tailLsn {
		m.tailLsn = rec.Lsn
	}
	switch rec.Type {
	case logrecord.BeginCheckpoint:
		m.lastInProgressCheckpoint = rec
	case logrecord.EndCheckpoint:
		m.lastCompletedEndCheckpoint = rec
	}
}

// NoteCheckpointCompleted lets checkpoint.Manager clear the
// in-progress pointer once CompleteCheckpoint has been flushed.
func (m *Manager) NoteCheckpointCompleted() {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	m.lastInProgressCheckpoint = nil
}

// NoteTruncateHeadCompleted clears the in-progress truncate-head
// pointer once the truncation has actually run.
func (m *Manager) NoteTruncateHeadCompleted() {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	m.lastInProgressTruncateHead = nil
}

func (m *Manager) CurrentLogTailLsn() storage.Lsn {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.tailLsn
}

func (m *Manager) CurrentLogTailEpoch() storage.Epoch {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.tailEpoch
}

func (m *Manager) ProgressVectorValue() []logrecord.ProgressVectorEntry {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	out := make([]logrecord.ProgressVectorEntry, len(m.progress))
	copy(out, m.progress)
	return out
}

func (m *Manager) LastInProgressCheckpointRecord() *logrecord.Record {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.lastInProgressCheckpoint
}

func (m *Manager) LastCompletedEndCheckpointRecord() *logrecord.Record {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.lastCompletedEndCheckpoint
}

func (m *Manager) LastInProgressTruncateHeadRecord() *logrecord.Record {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.lastInProgressTruncateHead
}

func (m *Manager) LastInformationRecord() *logrecord.Record {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()
	return m.lastInformation
}

// TrimProgressVector drops progress-vector entries whose Lsn exceeds
// maxLsn and clamps the tracked tail Lsn to it, used by
// drain.Manager.TruncateTailAsync when undoing false progress past an
// UpdateEpoch boundary (§4.9: "for UpdateEpoch, trim the progress
// vector").
func (m *Manager) TrimProgressVector(maxLsn storage.Lsn) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	kept := m.progress[:0:0]
	for _, e := range m.progress {
		if e.Lsn <= maxLsn {
			kept = append(kept, e)
		}
	}
	m.progress = kept

	if m.tailLsn > maxLsn {
		m.tailLsn = maxLsn
	}
}

// ResetDiscardedPointers clears any last-in-progress/last-completed
// record pointer whose handle is in discarded, called after
// TruncateTailAsync undoes records at or beyond those pointers (§4.9:
// "for physical records, update last-linked pointers").
func (m *Manager) ResetDiscardedPointers(discarded map[logrecord.Handle]bool) {
	m.appendMu.Lock()
	defer m.appendMu.Unlock()

	if m.lastInProgressCheckpoint != nil && discarded[m.lastInProgressCheckpoint.Psn] {
		m.lastInProgressCheckpoint = nil
	}
	if m.lastCompletedEndCheckpoint != nil && discarded[m.lastCompletedEndCheckpoint.Psn] {
		m.lastCompletedEndCheckpoint = nil
	}
	if m.lastInProgressTruncateHead != nil && discarded[m.lastInProgressTruncateHead.Psn] {
		m.lastInProgressTruncateHead = nil
	}
}

// LogManager exposes the underlying logmgr.Manager for components
// (checkpoint, backup) that need direct access to readers/truncation.
func (m *Manager) LogManager() *logmgr.Manager { return m.log }
