// Package checkpoint implements the CheckpointManager (component K):
// the per-checkpoint state machine (Invalid -> Ready -> Applied ->
// Completed, with Faulted/Aborted side branches), the group-commit
// barrier-coalescing loop that advances the stable LSN. A completed
// checkpoint is reported to replog.NoteCheckpointCompleted; this
// package does not itself start log-head truncation.
// Grounded on the teacher's tx/checkpoint.go (the checkpoint record
// shape) and tx/locktable.go's single-dispatcher coalescing loop,
// generalized from "one quiescent checkpoint record" to the
// two-phase begin/end/complete protocol spec §4.6 describes.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/replog"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/storage"
	"github.com/luigitni/logreplicator/trunc"
	"github.com/luigitni/logreplicator/txmap"
)

// inFlight tracks one BeginCheckpoint through its state machine.
type inFlight struct {
	record            *logrecord.Record
	state             logrecord.CheckpointState
	isFirstOnFullCopy bool
}

// Manager drives checkpoints and group commit. It holds the
// state-manager-API lock (§5) around every call into the
// statemgr.StateProvider's Prepare/Perform/Complete sequence.
type Manager struct {
	obs     obs.Context
	replog  *replog.Manager
	futures *logrecord.FutureTable
	sp      statemgr.StateProvider
	txm     *txmap.Map
	trunc   *trunc.Manager

	stateLock sync.Mutex // state-manager-API lock, §5

	mu                  sync.Mutex
	lastStableLsn       storage.Lsn
	current             *inFlight
	lastCompletedBackup storage.RecordPosition

	gcMu      sync.Mutex
	gcPending bool
	gcWaiters []chan error

	renameLock sync.RWMutex // backup-and-copy-consistency lock: backup.Manager holds RLock, CompleteCheckpointAndRenameIfNeeded holds Lock

	closing bool

	throttleSource func() bool // physlog.Writer.ShouldThrottleWrites
}

func New(o obs.Context, rl *replog.Manager, futures *logrecord.FutureTable, sp statemgr.StateProvider, txm *txmap.Map, tr *trunc.Manager) *Manager {
	return &Manager{
		obs:           o,
		replog:        rl,
		futures:       futures,
		sp:            sp,
		txm:           txm,
		trunc:         tr,
		lastStableLsn: storage.LsnInvalid,
	}
}

// SetThrottleSource wires the physical writer's throttle signal, used
// by ErrorIfThrottled.
func (m *Manager) SetThrottleSource(f func() bool) { m.throttleSource = f }

// RenameLock exposes the backup-and-copy-consistency lock so
// backup.Manager can take it (as a reader) around backup and restore
// work that must not race CompleteCheckpointAndRenameIfNeeded's
// rename. copystream.Producer does not take it.
func (m *Manager) RenameLock() *sync.RWMutex { return &m.renameLock }

// LastStableLsn reports the highest Lsn known durable on a quorum.
func (m *Manager) LastStableLsn() storage.Lsn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastStableLsn
}

// InitiateCheckpoint assembles and appends a BeginCheckpoint record
// (§4.6) and tracks it as the in-flight checkpoint in state Ready.
// InitiateCheckpoint itself only appends; advanceStable moves the
// checkpoint to Applied and starts PerformCheckpointAsync once a group
// commit makes the record's Lsn stable.
func (m *Manager) InitiateCheckpoint(ctx context.Context, isPrimary bool, isFirstOnFullCopy bool) (*logrecord.Record, error) {
	m.mu.Lock()
	if m.current != nil && m.current.state != logrecord.CheckpointCompleted &&
		m.current.state != logrecord.CheckpointFaulted && m.current.state != logrecord.CheckpointAborted {
		m.mu.Unlock()
		return nil, errors.Wrap(kind.ErrInvalidOperation, "checkpoint: a checkpoint is already in flight")
	}
	m.mu.Unlock()

	_, earliestPos, ok := m.txm.EarliestPending()
	if !ok {
		earliestPos = storage.PositionInvalid
	}

	pv := m.replog.ProgressVectorValue()

	rec := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.BeginCheckpoint, Lsn: storage.LsnInvalid},
		Body: &logrecord.BeginCheckpointPayload{
			ProgressVector:            pv,
			EarliestPendingTxPosition:   earliestPos,
			LastCompletedBackupRecord: m.lastCompletedBackupRecordValue(),
		},
	}

	if _, err := m.replog.Append(ctx, rec, isPrimary); err != nil {
		return nil, errors.Wrap(err, "checkpoint: appending BeginCheckpoint")
	}

	m.mu.Lock()
	m.current = &inFlight{record: rec, state: logrecord.CheckpointReady, isFirstOnFullCopy: isFirstOnFullCopy}
	m.mu.Unlock()

	m.trunc.ObserveCheckpointStarted(checkpointNow())
	m.obs.Infow("checkpoint: initiated", "psn", rec.Psn, "firstOnFullCopy", isFirstOnFullCopy)
	return rec, nil
}

func (m *Manager) lastCompletedBackupRecordValue() storage.RecordPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCompletedBackup
}

// NoteBackupCompleted records the position of the last-completed
// backup record, folded into the next BeginCheckpoint.
func (m *Manager) NoteBackupCompleted(pos storage.RecordPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCompletedBackup = pos
}

// checkpointNow exists so tests can't accidentally depend on wall
// clock semantics beyond "monotonically advances"; kept as a function
// var so a future caller could inject a fake clock without changing
// the call sites (no such caller exists yet, so it is not
// configurable - that is the one stdlib-only corner of this manager:
// no library in the retrieval pack offers a clock abstraction worth
// adopting for this single call site).
var checkpointNow = time.Now

// PerformCheckpointAsync drives phase 2: PrepareCheckpoint then
// PerformCheckpoint under the state-manager-API lock (§4.6 step 2). If
// the checkpoint is not Applied, or processingError is non-nil, it
// faults/aborts and returns. If this is the first checkpoint on a
// full copy, it returns after signaling phase-1 completion without
// calling CompleteCheckpointAndRenameIfNeeded (phase 2 is driven by
// the drain pump separately, per §4.6/§4.9).
func (m *Manager) PerformCheckpointAsync(ctx context.Context, processingError error) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()

	if cur == nil {
		return errors.Wrap(kind.ErrInvalidOperation, "checkpoint: no in-flight checkpoint")
	}

	if processingError != nil {
		m.fault(cur, processingError)
		return processingError
	}
	if cur.state != logrecord.CheckpointApplied {
		err := errors.Wrapf(kind.ErrInvalidOperation, "checkpoint: expected Applied, got %s", cur.state)
		if cur.state != logrecord.CheckpointAborted && cur.state != logrecord.CheckpointFaulted {
			m.fault(cur, err)
		}
		return err
	}

	m.stateLock.Lock()
	prepErr := m.sp.PrepareCheckpoint(ctx, cur.record.Lsn)
	var perfErr error
	if prepErr == nil {
		perfErr = m.sp.PerformCheckpoint(ctx)
	}
	m.stateLock.Unlock()

	if prepErr != nil || perfErr != nil {
		err := errors.CombineErrors(prepErr, perfErr)
		m.fault(cur, err)
		return err
	}

	if cur.isFirstOnFullCopy {
		m.obs.Infow("checkpoint: phase 1 complete on full copy, awaiting drain pump for phase 2")
		return nil
	}

	return m.CompleteCheckpointAndRenameIfNeeded(ctx, false)
}

func (m *Manager) fault(cur *inFlight, err error) {
	m.mu.Lock()
	cur.state = logrecord.CheckpointFaulted
	m.mu.Unlock()
	m.obs.Errorw("checkpoint: faulted", "err", err)
}

// AbortPendingCheckpoint aborts the in-flight checkpoint, if any. It
// is idempotent: aborting an already-faulted checkpoint is a no-op
// (L4).
func (m *Manager) AbortPendingCheckpoint() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	if m.current.state == logrecord.CheckpointFaulted || m.current.state == logrecord.CheckpointCompleted {
		return
	}
	m.current.state = logrecord.CheckpointAborted
	m.obs.Infow("checkpoint: aborted", "psn", m.current.record.Psn)
}

// CompleteCheckpointAndRenameIfNeeded implements §4.6: acquire the
// backup-and-copy-consistency lock, flush EndCheckpoint; if
// renameCopyLog, additionally rename the copy log over current; then
// call the state manager's CompleteCheckpointAsync and emit
// CompleteCheckpoint.
func (m *Manager) CompleteCheckpointAndRenameIfNeeded(ctx context.Context, renameCopyLog bool) error {
	m.mu.Lock()
	cur := m.current
	m.mu.Unlock()
	if cur == nil {
		return errors.Wrap(kind.ErrInvalidOperation, "checkpoint: no in-flight checkpoint to complete")
	}

	m.renameLock.Lock()
	defer m.renameLock.Unlock()

	ec := &logrecord.Record{
		Header:   logrecord.Header{Type: logrecord.EndCheckpoint, Lsn: storage.LsnInvalid},
		Physical: logrecord.PhysicalLinks{LinkedPhysicalRecord: cur.record.Psn},
		Body: &logrecord.EndCheckpointPayload{
			BeginCheckpointRecord: cur.record.Psn,
			LogHeadPosition:       cur.record.Position,
		},
	}
	if _, err := m.replog.Append(ctx, ec, true); err != nil {
		return errors.Wrap(err, "checkpoint: appending EndCheckpoint")
	}
	if err := m.replog.LogManager().Writer().FlushAsync(); err != nil {
		return errors.Wrap(err, "checkpoint: flushing EndCheckpoint")
	}

	if renameCopyLog {
		if err := m.replog.LogManager().Writer().FlushAsync(); err != nil {
			return errors.Wrap(err, "checkpoint: flushing before rename")
		}
		if err := m.replog.LogManager().RenameCopyLogAtomicallyAsync(); err != nil {
			return errors.Wrap(err, "checkpoint: renaming copy log over current")
		}
	}

	m.stateLock.Lock()
	completeErr := m.sp.CompleteCheckpointAsync(ctx)
	m.stateLock.Unlock()
	if completeErr != nil {
		m.fault(cur, completeErr)
		return completeErr
	}

	cc := &logrecord.Record{
		Header:   logrecord.Header{Type: logrecord.CompleteCheckpoint, Lsn: storage.LsnInvalid},
		Physical: logrecord.PhysicalLinks{LinkedPhysicalRecord: ec.Psn},
		Body:     &logrecord.CompleteCheckpointPayload{EndCheckpointRecord: ec.Psn},
	}
	if _, err := m.replog.Append(ctx, cc, true); err != nil {
		return errors.Wrap(err, "checkpoint: appending CompleteCheckpoint")
	}
	if err := m.replog.LogManager().Writer().FlushAsync(); err != nil {
		return errors.Wrap(err, "checkpoint: flushing CompleteCheckpoint")
	}

	m.mu.Lock()
	cur.state = logrecord.CheckpointCompleted
	m.current = nil
	m.mu.Unlock()

	m.replog.NoteCheckpointCompleted()
	m.obs.Infow("checkpoint: completed", "beginPsn", ec.Physical.LinkedPhysicalRecord, "endPsn", ec.Psn)
	return nil
}

// RequestGroupCommit coalesces concurrent callers into a single
// Barrier emission (§4.6): the first caller to find no barrier
// in-flight becomes the one that actually appends and awaits it;
// later callers just wait on the same completion.
func (m *Manager) RequestGroupCommit(ctx context.Context, isPrimary bool) error {
	m.gcMu.Lock()
	if m.gcPending {
		ch := make(chan error, 1)
		m.gcWaiters = append(m.gcWaiters, ch)
		m.gcMu.Unlock()
		return <-ch
	}
	m.gcPending = true
	m.gcMu.Unlock()

	err := m.emitBarrierAndAdvance(ctx, isPrimary)

	m.gcMu.Lock()
	m.gcPending = false
	waiters := m.gcWaiters
	m.gcWaiters = nil
	m.gcMu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
	return err
}

func (m *Manager) emitBarrierAndAdvance(ctx context.Context, isPrimary bool) error {
	stable := m.LastStableLsn()
	rec := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Barrier, Lsn: storage.LsnInvalid},
		Body:   &logrecord.BarrierPayload{LastStableLsn: stable},
	}

	if _, err := m.replog.AppendBarrier(ctx, rec, isPrimary); err != nil {
		return errors.Wrap(err, "checkpoint: appending barrier")
	}
	if err := m.replog.LogManager().Writer().FlushAsync(); err != nil {
		return errors.Wrap(err, "checkpoint: flushing barrier")
	}

	if m.futures != nil {
		if err := m.futures.Register(rec.Psn, logrecord.StageFlush).Wait(ctx); err != nil {
			return err
		}
	}

	// The barrier's own Lsn is a control marker, not the Lsn of
	// committed data - scenario 2 expects lastStableLsn to land on the
	// last ended transaction's EndTransaction Lsn, not on the barrier
	// record that happens to be assigned a higher one. Only advance as
	// far as the highest transaction that actually ended before this
	// barrier was appended; with nothing unstable, leave stable alone.
	target := stable
	if hi, ok := m.txm.HighestUnstableLsn(); ok {
		target = hi
	}
	m.advanceStable(ctx, target)
	return nil
}

// advanceStable implements P7: on barrier completion, lastStableLsn is
// advanced to at least the given target Lsn, stable transactions are
// dropped from the transaction map, and a Ready in-flight checkpoint
// whose BeginCheckpoint Lsn is now stable transitions to Applied and has
// PerformCheckpointAsync started. In-progress TruncateHead records are
// not moved to Applied here.
func (m *Manager) advanceStable(ctx context.Context, targetLsn storage.Lsn) {
	m.mu.Lock()
	if targetLsn > m.lastStableLsn {
		m.lastStableLsn = targetLsn
	}
	stable := m.lastStableLsn
	cur := m.current
	m.mu.Unlock()

	m.txm.AdvanceStable(stable)

	if cur != nil && cur.state == logrecord.CheckpointReady && cur.record.Lsn != storage.LsnInvalid && cur.record.Lsn <= stable {
		m.mu.Lock()
		cur.state = logrecord.CheckpointApplied
		m.mu.Unlock()
		go func() {
			if err := m.PerformCheckpointAsync(ctx, nil); err != nil {
				m.obs.Errorw("checkpoint: perform failed after group commit", "err", err)
			}
		}()
	}
}

// ErrorIfThrottled implements the throttling half of §4.6: returns a
// "too busy" error when the writer says throttle, a checkpoint or
// truncation is pending, and rec is not a record that would itself
// relieve the pressure (e.g. an abort of an old transaction).
func (m *Manager) ErrorIfThrottled(rec *logrecord.Record) error {
	if m.throttleSource == nil || !m.throttleSource() {
		return nil
	}

	m.mu.Lock()
	pending := m.current != nil && m.current.state != logrecord.CheckpointCompleted &&
		m.current.state != logrecord.CheckpointFaulted && m.current.state != logrecord.CheckpointAborted
	m.mu.Unlock()

	truncPending := m.replog.LastInProgressTruncateHeadRecord() != nil

	if !pending && !truncPending {
		return nil
	}

	if rec.Type == logrecord.EndTransaction {
		if p, ok := rec.Body.(*logrecord.EndTransactionPayload); ok && !p.Commit {
			return nil
		}
	}

	return errors.Wrap(kind.ErrServiceTooBusy, "checkpoint: write path throttled pending checkpoint/truncation")
}

// PeriodicTick requests a group commit if this replica is primary and
// not closing, mirroring §4.6's periodic timer.
func (m *Manager) PeriodicTick(ctx context.Context, isPrimary bool) {
	m.mu.Lock()
	closing := m.closing
	m.mu.Unlock()
	if !isPrimary || closing {
		return
	}
	if err := m.RequestGroupCommit(ctx, isPrimary); err != nil {
		m.obs.Warnw("checkpoint: periodic group commit failed", "err", err)
	}
}

// SetClosing marks the manager as shutting down, so PeriodicTick stops
// requesting new group commits.
func (m *Manager) SetClosing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
}
