// Package drain implements the SecondaryDrainManager and
// TruncateTailManager (component S): the secondary-side consumer of a
// CopyStream session, and the false-progress tail-undo walk that
// reconciles a secondary's speculative tail with what the primary
// actually committed. Grounded on the teacher's tx/logcopy.go
// (receiving and replaying a remote transaction's redo/undo records)
// and tx/recovery_manager.go's backward undo walk, generalized from a
// single-transaction rollback to the whole-chain tail truncation of
// §4.9.
package drain

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/checkpoint"
	"github.com/luigitni/logreplicator/copystream"
	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logmgr"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/opproc"
	"github.com/luigitni/logreplicator/replog"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/storage"
	"github.com/luigitni/logreplicator/txmap"
)

// Source is the receive side of a copy/build session, the dual of
// copystream.Sink. The transport package's inbound stream is adapted
// to this by the orchestrator.
type Source interface {
	ReceiveMetadata(ctx context.Context) (copystream.Metadata, error)
	// ReceiveState yields one state chunk at a time; ok is false once
	// the state phase is over (the next read is the StateMetadata).
	ReceiveState(ctx context.Context) (chunk []byte, ok bool, err error)
	ReceiveStateMetadata(ctx context.Context) (copystream.StateMetadata, error)
	ReceiveFalseProgress(ctx context.Context) (copystream.FalseProgress, error)
	// ReceiveLog yields one batch at a time; ok is false once the log
	// phase is exhausted.
	ReceiveLog(ctx context.Context) (batch copystream.LogBatch, ok bool, err error)
}

// Manager drives the secondary side of copy/build and the
// false-progress undo walk.
type Manager struct {
	obs        obs.Context
	log        *logmgr.Manager
	replogMgr  *replog.Manager
	proc       *opproc.Processor
	checkpoint *checkpoint.Manager
	sp         statemgr.StateProvider
	arena      *logrecord.Arena
	txm        *txmap.Map
}

func New(o obs.Context, log *logmgr.Manager, rl *replog.Manager, proc *opproc.Processor, ck *checkpoint.Manager, sp statemgr.StateProvider, arena *logrecord.Arena, txm *txmap.Map) *Manager {
	return &Manager{obs: o, log: log, replogMgr: rl, proc: proc, checkpoint: ck, sp: sp, arena: arena, txm: txm}
}

// CopyOrBuildReplicaAsync implements §4.9's drain loop: read the
// CopyMetadata header and dispatch on its mode.
func (m *Manager) CopyOrBuildReplicaAsync(ctx context.Context, src Source) error {
	meta, err := src.ReceiveMetadata(ctx)
	if err != nil {
		return errors.Wrap(err, "drain: receiving copy metadata")
	}

	switch meta.Mode {
	case copystream.ModeNone:
		return nil

	case copystream.ModeFull:
		return m.drainFull(ctx, src)

	case copystream.ModePartialFalseProgress:
		fp, err := src.ReceiveFalseProgress(ctx)
		if err != nil {
			return errors.Wrap(err, "drain: receiving false-progress packet")
		}
		if err := m.TruncateTailAsync(ctx, fp.SourceStartingLsn); err != nil {
			return errors.Wrap(err, "drain: truncating tail for false progress")
		}
		return m.drainLog(ctx, src, false)

	case copystream.ModePartial:
		return m.drainLog(ctx, src, false)

	default:
		return errors.Wrapf(kind.ErrInvalidOperation, "drain: unknown copy mode %v", meta.Mode)
	}
}

// drainFull streams state chunks through the state provider, then the
// terminating StateMetadata packet, creates the copy log, begins the
// first checkpoint (idle, full-copy), and proceeds to the log drain.
func (m *Manager) drainFull(ctx context.Context, src Source) error {
	for {
		chunk, ok, err := src.ReceiveState(ctx)
		if err != nil {
			return errors.Wrap(err, "drain: receiving state chunk")
		}
		if !ok {
			break
		}
		if err := m.sp.ApplyStateChunkAsync(ctx, chunk); err != nil {
			return errors.Wrap(err, "drain: applying state chunk")
		}
	}

	sm, err := src.ReceiveStateMetadata(ctx)
	if err != nil {
		return errors.Wrap(err, "drain: receiving state metadata")
	}

	if _, err := m.log.CreateCopyLogAsync(sm.CheckpointEpoch, sm.StartingLsn); err != nil {
		return errors.Wrap(err, "drain: creating copy log")
	}
	m.replogMgr.SeedState(sm.StartingLsn, sm.CheckpointEpoch, sm.ProgressVector)

	if _, err := m.checkpoint.InitiateCheckpoint(ctx, false, true); err != nil {
		return errors.Wrap(err, "drain: initiating first checkpoint on full copy")
	}

	return m.drainLog(ctx, src, true)
}

// drainLog consumes CopyLog packets: each contained record is
// rehydrated, appended via ReplicatedLogManager, flushed, and handed
// to OperationProcessor. No per-operation acknowledgement is sent back
// to the source; Source has no method for one. When
// exhausted and a full-copy checkpoint is pending, it completes phase
// 2 and renames the copy log over current (§4.6, §4.9).
func (m *Manager) drainLog(ctx context.Context, src Source, completeFirstCheckpoint bool) error {
	writer := m.log.Writer()

	for {
		batch, ok, err := src.ReceiveLog(ctx)
		if err != nil {
			return errors.Wrap(err, "drain: receiving log batch")
		}
		if !ok {
			break
		}

		var handles []logrecord.Handle
		for _, raw := range batch.Records {
			rec, err := logrecord.Decode(stripLengthPrefix(raw))
			if err != nil {
				return errors.Wrap(err, "drain: decoding rehydrated record")
			}
			if _, err := m.replogMgr.Append(ctx, rec, false); err != nil {
				return errors.Wrap(err, "drain: appending rehydrated record")
			}
			handles = append(handles, rec.Psn)
		}

		if err := writer.FlushAsync(); err != nil {
			return errors.Wrap(err, "drain: flushing drained batch")
		}

		if err := m.proc.Drain(ctx, handles); err != nil {
			return errors.Wrap(err, "drain: applying drained batch")
		}
	}

	if completeFirstCheckpoint {
		if err := m.checkpoint.CompleteCheckpointAndRenameIfNeeded(ctx, true); err != nil {
			return errors.Wrap(err, "drain: completing first checkpoint and renaming copy log")
		}
	}
	return nil
}

// stripLengthPrefix undoes logicallog.WriteLengthPrefixed, which
// copystream.Producer applies before handing records to the transport.
func stripLengthPrefix(framed []byte) []byte {
	const widthBytes = 8
	if len(framed) < widthBytes {
		return framed
	}
	return framed[widthBytes:]
}

// TruncateTailAsync implements §4.9's undo walk: starting at the
// current tail, every record more recent than tailLsn is undone
// (Apply with FalseProgress=true, then Unlock) in reverse append
// order; an EndTransaction whose Lsn exceeds tailLsn drags its entire
// transaction chain into the undo set even where an individual
// participant's own Lsn is at or before tailLsn, since a committed
// transaction cannot be partially undone. Every discarded transaction
// is forgotten from the TransactionMap once the truncate succeeds, so
// no undone transaction stays reachable there (§3.3).
func (m *Manager) TruncateTailAsync(ctx context.Context, tailLsn storage.Lsn) error {
	writer := m.log.Writer()

	var chain []*logrecord.Record
	for p := writer.LastPsn(); p != logrecord.InvalidHandle; p-- {
		rec, ok := m.arena.Get(p)
		if !ok {
			break
		}
		chain = append(chain, rec)
	}

	discardedTx := make(map[storage.TransactionId]bool)
	for _, rec := range chain {
		if rec.Type == logrecord.EndTransaction && rec.Lsn != storage.LsnInvalid && rec.Lsn > tailLsn {
			discardedTx[rec.Logical.TxId] = true
		}
	}

	discard := make(map[logrecord.Handle]bool)
	for _, rec := range chain {
		if rec.Lsn != storage.LsnInvalid && rec.Lsn > tailLsn {
			discard[rec.Psn] = true
			continue
		}
		switch rec.Type {
		case logrecord.Operation, logrecord.BeginTransaction:
			if discardedTx[rec.Logical.TxId] {
				discard[rec.Psn] = true
			}
		}
	}

	for _, rec := range chain {
		if discard[rec.Psn] && rec.Type.IsLogical() {
			discardedTx[rec.Logical.TxId] = true
		}
	}

	var stopRecord *logrecord.Record
	newTailPos := storage.RecordPosition(-1)
	newEpochCeiling := storage.LsnInvalid

	for _, rec := range chain {
		if !discard[rec.Psn] {
			if stopRecord == nil {
				stopRecord = rec
			}
			continue
		}

		if newTailPos == -1 || rec.Position < newTailPos {
			newTailPos = rec.Position
		}

		if isUndoable(rec.Type) {
			ac := statemgr.ApplyContext{
				Lsn:           rec.Lsn,
				TxId:          rec.Logical.TxId,
				Type:          rec.Type,
				FalseProgress: true,
			}
			if op, ok := rec.Body.(*logrecord.OperationPayload); ok {
				ac.Redo = op.Redo
				ac.Undo = op.Undo
			}
			if err := m.sp.Apply(ctx, ac); err != nil {
				return errors.Wrap(err, "drain: undoing discarded record")
			}
			if err := m.sp.Unlock(ctx, ac); err != nil {
				return errors.Wrap(err, "drain: unlocking after undo")
			}
		}

		if rec.Type == logrecord.UpdateEpoch {
			payload := rec.Body.(*logrecord.UpdateEpochPayload)
			if newEpochCeiling == storage.LsnInvalid || payload.PreviousEpochLastLsn < newEpochCeiling {
				newEpochCeiling = payload.PreviousEpochLastLsn
			}
		}
	}

	if newTailPos == -1 {
		return nil
	}

	var resetPsn storage.Psn
	var resetPhysical logrecord.Handle = logrecord.InvalidHandle
	if stopRecord != nil {
		resetPsn = stopRecord.Psn
		if stopRecord.Type.IsPhysical() {
			resetPhysical = stopRecord.Psn
		} else {
			resetPhysical = stopRecord.PreviousPhysicalRecord
		}
	}

	if err := writer.TruncateLogTail(newTailPos, resetPsn, resetPhysical); err != nil {
		return errors.Wrap(err, "drain: truncating log tail")
	}

	for txId := range discardedTx {
		m.txm.Forget(txId)
	}

	if newEpochCeiling != storage.LsnInvalid {
		m.replogMgr.TrimProgressVector(newEpochCeiling)
	} else {
		m.replogMgr.TrimProgressVector(tailLsn)
	}
	m.replogMgr.ResetDiscardedPointers(discard)

	tt := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.TruncateTail, Lsn: storage.LsnInvalid},
		Body:   &logrecord.TruncateTailPayload{TailLsn: tailLsn},
	}
	if _, err := m.replogMgr.Append(ctx, tt, false); err != nil {
		return errors.Wrap(err, "drain: appending TruncateTail record")
	}
	if err := writer.FlushAsync(); err != nil {
		return errors.Wrap(err, "drain: flushing TruncateTail record")
	}

	m.obs.Infow("drain: truncated tail", "tailLsn", tailLsn, "newTailPosition", newTailPos)
	return nil
}

func isUndoable(t logrecord.Type) bool {
	switch t {
	case logrecord.Operation, logrecord.BeginTransaction, logrecord.EndTransaction:
		return true
	default:
		return false
	}
}
