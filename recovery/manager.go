// Package recovery implements the RecoveryManager (component E): the
// single forward scan over the current log that rebuilds the arena,
// the transaction map, and every "last X record" pointer the rest of
// the module needs before accepting new appends, then replays
// transaction operations through the state-provider manager. Grounded
// on the teacher's tx/recovery_manager.go doRecover (a single forward
// pass building an undo list while redoing committed operations),
// generalized from the teacher's single-pass redo-then-undo to this
// log's barrier-delimited parallel replay via opproc.Processor.
package recovery

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logmgr"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/opproc"
	"github.com/luigitni/logreplicator/replog"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/storage"
)

// Result summarizes what the scan found, handed back to the top-level
// orchestrator so it can seed replog.Manager and trunc.Manager.
type Result struct {
	TailLsn                 storage.Lsn
	TailEpoch               storage.Epoch
	TailPsn                 storage.Psn
	TailPhysical            logrecord.Handle
	ProgressVector          []logrecord.ProgressVectorEntry
	LastCompletedEndCheckpoint *logrecord.Record
	LastInProgressCheckpoint   *logrecord.Record
	LastStableLsn              storage.Lsn
	Bootstrapped               bool

	// NeedsCompleteCheckpoint is true when the scan found a durable
	// EndCheckpoint with no matching CompleteCheckpoint: recovery must
	// emit one once the state provider has confirmed its side is also
	// caught up (§4.10).
	NeedsCompleteCheckpoint bool
	PendingEndCheckpoint    *logrecord.Record
}

// Manager drives recovery on open. It does not own the log or the
// state provider; it only orchestrates a single pass over them.
type Manager struct {
	obs    obs.Context
	log    *logmgr.Manager
	arena  *logrecord.Arena
	proc   *opproc.Processor
	replog *replog.Manager
	sp     statemgr.StateProvider
}

func New(o obs.Context, log *logmgr.Manager, arena *logrecord.Arena, proc *opproc.Processor, rl *replog.Manager, sp statemgr.StateProvider) *Manager {
	return &Manager{obs: o, log: log, arena: arena, proc: proc, replog: rl, sp: sp}
}

// OpenAsync opens the underlying log (bootstrapping genesis if empty)
// and, unless shouldWipe is set, performs a full recovery pass. When
// shouldWipe is true the log is neither scanned nor replayed and the
// result reports a bootstrapped genesis state; the log's contents are
// not touched here (replicator.OpenAsync deletes the current log
// before calling this with shouldWipe set).
func (m *Manager) OpenAsync(ctx context.Context, shouldWipe bool, isRestoring bool) (*Result, error) {
	bootstrapped, err := m.log.OpenAsync()
	if err != nil {
		return nil, errors.Wrap(err, "recovery: opening log")
	}

	if bootstrapped || shouldWipe {
		return &Result{
			TailLsn:      1,
			TailEpoch:    storage.Epoch{},
			Bootstrapped: true,
		}, nil
	}

	return m.PerformRecoveryAsync(ctx, isRestoring)
}

// PerformRecoveryAsync performs the single forward scan described in
// §4.10: every record is decoded, inserted into the arena (so handle
// links resolve for later components), dispatched through
// opproc.Processor in barrier-delimited batches (errors here are fatal
// - the only place apply/unlock failure aborts startup rather than
// raising a fault), and used to update the running pointers returned
// in Result. The state-provider's own checkpoint completion is invoked
// once if the scan found a dangling EndCheckpoint.
func (m *Manager) PerformRecoveryAsync(ctx context.Context, isRestoring bool) (*Result, error) {
	m.proc.SetRecovering(true)
	defer m.proc.SetRecovering(false)

	log := m.log.CurrentLog()
	it := log.NewForwardIterator(0)

	res := &Result{}
	var batch []logrecord.Handle
	var lastPhysical logrecord.Handle = logrecord.InvalidHandle
	var lastEndCheckpoint *logrecord.Record
	var lastCompleteCheckpoint *logrecord.Record

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := m.proc.Drain(ctx, batch)
		batch = nil
		return err
	}

	for it.HasNext() {
		pos, raw, err := it.Next()
		if err != nil {
			return nil, errors.Wrap(err, "recovery: reading log record")
		}

		rec, err := logrecord.Decode(raw)
		if err != nil {
			return nil, errors.Wrap(err, "recovery: decoding log record")
		}
		rec.Position = pos
		rec.PreviousPhysicalRecord = lastPhysical

		m.arena.Insert(rec)

		if rec.Type.IsPhysical() {
			lastPhysical = rec.Psn
		}

		switch rec.Type {
		case logrecord.Indexing:
			payload := rec.Body.(*logrecord.IndexingPayload)
			res.TailEpoch = payload.Epoch
		case logrecord.UpdateEpoch:
			payload := rec.Body.(*logrecord.UpdateEpochPayload)
			res.TailEpoch = payload.NewEpoch
			res.ProgressVector = append(res.ProgressVector, logrecord.ProgressVectorEntry{
				Epoch: payload.NewEpoch,
				Lsn:   rec.Lsn,
			})
		case logrecord.EndCheckpoint:
			lastEndCheckpoint = rec
		case logrecord.CompleteCheckpoint:
			lastCompleteCheckpoint = rec
		case logrecord.Barrier:
			payload := rec.Body.(*logrecord.BarrierPayload)
			if payload.LastStableLsn > res.LastStableLsn {
				res.LastStableLsn = payload.LastStableLsn
			}
		}

		if rec.Lsn != storage.LsnInvalid && rec.Lsn > res.TailLsn {
			res.TailLsn = rec.Lsn
		}
		res.TailPsn = rec.Psn
		res.TailPhysical = lastPhysical

		if isFence(rec.Type) {
			if err := flush(); err != nil {
				return nil, errors.Wrap(err, "recovery: applying batch at fence")
			}
		}
		batch = append(batch, rec.Psn)
	}

	if err := flush(); err != nil {
		return nil, errors.Wrap(err, "recovery: applying final batch")
	}

	res.LastInProgressCheckpoint = lastEndCheckpoint
	if lastEndCheckpoint != nil && lastCompleteCheckpoint != nil {
		completePayload := lastCompleteCheckpoint.Body.(*logrecord.CompleteCheckpointPayload)
		if completePayload.EndCheckpointRecord == lastEndCheckpoint.Psn {
			res.LastCompletedEndCheckpoint = lastEndCheckpoint
			res.LastInProgressCheckpoint = nil
		}
	}

	if res.LastInProgressCheckpoint != nil {
		res.NeedsCompleteCheckpoint = true
		res.PendingEndCheckpoint = res.LastInProgressCheckpoint
	}

	writer := m.log.Writer()
	writer.SeedTail(res.TailPsn, res.TailPhysical)

	if res.NeedsCompleteCheckpoint && !isRestoring {
		if err := m.sp.CompleteCheckpointAsync(ctx); err != nil {
			return nil, errors.Wrap(err, "recovery: completing dangling checkpoint")
		}
		cc := &logrecord.Record{
			Header: logrecord.Header{Type: logrecord.CompleteCheckpoint, Lsn: storage.LsnInvalid},
			Physical: logrecord.PhysicalLinks{
				LinkedPhysicalRecord: res.PendingEndCheckpoint.Psn,
			},
			Body: &logrecord.CompleteCheckpointPayload{EndCheckpointRecord: res.PendingEndCheckpoint.Psn},
		}
		if _, err := m.replog.Append(ctx, cc, true); err != nil {
			return nil, errors.Wrap(err, "recovery: appending recovered complete-checkpoint")
		}
	}

	m.replog.SeedState(res.TailLsn, res.TailEpoch, res.ProgressVector)

	if _, err := m.replog.Information(ctx, logrecord.Recovered); err != nil {
		return nil, errors.Wrap(err, "recovery: appending Recovered information record")
	}

	if err := writer.FlushAsync(); err != nil {
		return nil, errors.Wrap(err, "recovery: flushing post-recovery records")
	}

	m.obs.Infow("recovery: recovered log",
		"tailLsn", res.TailLsn,
		"tailEpoch", res.TailEpoch,
		"lastStableLsn", res.LastStableLsn,
		"recoveredAt", time.Now().Format(time.RFC3339))

	return res, nil
}

func isFence(t logrecord.Type) bool {
	return t == logrecord.Barrier || t == logrecord.UpdateEpoch
}

// ErrRecoveryAborted describes a log containing a record that cannot be
// resolved against the arena (a corrupt or truncated tail). No path in
// this package returns it.
var ErrRecoveryAborted = errors.Wrap(kind.ErrCorruption, "recovery: log tail unresolvable")
