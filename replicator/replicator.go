package replicator

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/backup"
	"github.com/luigitni/logreplicator/checkpoint"
	"github.com/luigitni/logreplicator/copystream"
	"github.com/luigitni/logreplicator/drain"
	"github.com/luigitni/logreplicator/file"
	"github.com/luigitni/logreplicator/flushcb"
	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logmgr"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/opproc"
	"github.com/luigitni/logreplicator/recovery"
	"github.com/luigitni/logreplicator/replog"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/transport"
	"github.com/luigitni/logreplicator/trunc"
	"github.com/luigitni/logreplicator/txmap"
	"github.com/luigitni/logreplicator/version"
)

const (
	restoreDirName   = "Restore"
	restoreTokenName = "RestoreToken"
)

// Replicator is the LoggingReplicator facade of §4.13: it owns every
// sub-manager and drives the primary election / role transition state
// machine on top of them. Grounded on the teacher's tx.TransactionImpl,
// which wires buffer/file/log/concurrency managers behind a handful of
// lifecycle methods and delegates everything else straight through.
type Replicator struct {
	obs obs.Context
	fm  *file.Manager
	cfg Config

	arena   *logrecord.Arena
	futures *logrecord.FutureTable
	txm     *txmap.Map
	sp      statemgr.StateProvider
	rep     transport.Replicator

	log        *logmgr.Manager
	replogMgr  *replog.Manager
	flush      *flushcb.Manager
	proc       *opproc.Processor
	truncMgr   *trunc.Manager
	checkptMgr *checkpoint.Manager
	recoverMgr *recovery.Manager
	copyProd   *copystream.Producer
	drainMgr   *drain.Manager
	backupMgr  *backup.Manager
	versionMgr *version.Manager

	mu     sync.Mutex
	status Status

	// sessionWG tracks outstanding copy/replication sessions so a role
	// transition can drain them before emitting its Information record.
	sessionWG sync.WaitGroup
}

// New wires every sub-manager in dependency order, mirroring the
// teacher's NewTx composition root. fm must already be open on cfg's
// work directory; sp and rep are supplied by the host process (state
// storage and wire transport are both out of scope here).
func New(o obs.Context, fm *file.Manager, sp statemgr.StateProvider, rep transport.Replicator, cfg Config) *Replicator {
	r := &Replicator{
		obs:    o,
		fm:     fm,
		cfg:    cfg,
		sp:     sp,
		rep:    rep,
		status: StatusNone,
	}

	r.arena = logrecord.NewArena()
	r.futures = logrecord.NewFutureTable()
	r.txm = txmap.New()

	r.flush = flushcb.New(o, r.futures)
	r.log = logmgr.New(o, fm, r.arena, r.flush, cfg.Physlog)
	r.replogMgr = replog.New(o, r.log, rep)
	r.truncMgr = trunc.New(o, cfg.Trunc)
	r.checkptMgr = checkpoint.New(o, r.replogMgr, r.futures, sp, r.txm, r.truncMgr)
	r.checkptMgr.SetThrottleSource(func() bool {
		w := r.log.Writer()
		if w == nil {
			return false
		}
		return w.ShouldThrottleWrites()
	})

	hooks := opproc.Hooks{
		OnBeginCheckpoint: func(ctx context.Context, rec *logrecord.Record) error {
			// checkpoint.Manager.advanceStable already triggers
			// PerformCheckpointAsync off barrier completion; this hook
			// only needs to exist so opproc's ApplyImmediately dispatch
			// has somewhere to report the record arrived.
			o.Debugw("replicator: begin-checkpoint dispatched", "lsn", rec.Lsn)
			return nil
		},
		OnBarrierLike: func(ctx context.Context, rec *logrecord.Record) {
			o.Debugw("replicator: barrier-like record dispatched", "type", rec.Type, "lsn", rec.Lsn)
		},
		OnInformation: func(ctx context.Context, rec *logrecord.Record) {
			o.Debugw("replicator: information record dispatched", "lsn", rec.Lsn)
		},
		OnFault: func(err error) {
			o.Errorw("replicator: operation processing fault", "error", err)
		},
	}
	r.proc = opproc.New(o, r.arena, r.futures, sp, r.txm, hooks)
	r.flush.SetProcessor(r.proc)

	r.recoverMgr = recovery.New(o, r.log, r.arena, r.proc, r.replogMgr, sp)
	r.copyProd = copystream.New(o, r.log, sp, cfg.Copy)
	r.drainMgr = drain.New(o, r.log, r.replogMgr, r.proc, r.checkptMgr, sp, r.arena, r.txm)
	r.backupMgr = backup.New(o, r.log, r.replogMgr, r.checkptMgr, r.recoverMgr, sp, cfg.Backup)
	r.versionMgr = version.New()

	return r
}

// Status reports the current primary-election state.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// CopyProducer exposes the copy-stream producer so a transport-layer
// handler can drive a new secondary's copy session.
func (r *Replicator) CopyProducer() *copystream.Producer { return r.copyProd }

// DrainManager exposes the secondary-side drain manager so a transport
// handler can feed it inbound replicated records.
func (r *Replicator) DrainManager() *drain.Manager { return r.drainMgr }

// BackupManager exposes backup/restore operations.
func (r *Replicator) BackupManager() *backup.Manager { return r.backupMgr }

// BeginSession registers one outstanding copy or replication session.
// The returned done func must be called exactly once when the session
// ends; transport-layer handlers should defer it immediately after
// calling BeginSession.
func (r *Replicator) BeginSession() (done func()) {
	r.sessionWG.Add(1)
	var once sync.Once
	return func() {
		once.Do(r.sessionWG.Done)
	}
}

// OpenAsync implements the §6.4 restore-token check: if a prior restore
// was interrupted, RestoreToken is still present and the current log
// must be wiped before recovery runs, rather than trusting a
// partially-restored state.
//
// statemgr.StateProvider has no dedicated wipe operation, so the wipe
// here is scoped to discarding the current log file and forcing a
// fresh genesis bootstrap on OpenAsync; this is recorded as an explicit
// decision rather than an oversight.
func (r *Replicator) OpenAsync(ctx context.Context) error {
	shouldWipe := r.fm.Exists(restoreDirName + "/" + restoreTokenName)
	if shouldWipe {
		r.obs.Warnw("replicator: restore token present, wiping current log before recovery")
		if err := r.log.DeleteCurrentLogAsync(); err != nil {
			return errors.Wrap(err, "replicator: deleting current log before wipe-recovery")
		}
	}

	if _, err := r.log.OpenAsync(); err != nil {
		return errors.Wrap(err, "replicator: opening log manager")
	}

	if _, err := r.recoverMgr.OpenAsync(ctx, shouldWipe, false); err != nil {
		return errors.Wrap(err, "replicator: recovery on open")
	}

	if shouldWipe {
		if err := r.fm.Remove(restoreDirName + "/" + restoreTokenName); err != nil {
			return errors.Wrap(err, "replicator: removing restore token after recovery")
		}
	}

	return nil
}

// ElectAsync transitions None -> Elected. No logical work happens here;
// EstablishEpochAsync performs the first replicated operation.
func (r *Replicator) ElectAsync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusNone {
		return errors.Wrapf(kind.ErrInvalidOperation, "replicator: cannot elect from status %s", r.status)
	}
	r.status = StatusElected
	r.obs.Infow("replicator: elected")
	return nil
}

// EstablishEpochAsync replicates a Barrier to establish the epoch on
// disk, the first logical operation after election per §4.13, then
// transitions Elected -> Established.
func (r *Replicator) EstablishEpochAsync(ctx context.Context) error {
	r.mu.Lock()
	if r.status != StatusElected {
		r.mu.Unlock()
		return errors.Wrapf(kind.ErrInvalidOperation, "replicator: cannot establish epoch from status %s", r.status)
	}
	r.mu.Unlock()

	if err := r.checkptMgr.RequestGroupCommit(ctx, true); err != nil {
		return errors.Wrap(err, "replicator: establishing epoch barrier")
	}

	r.mu.Lock()
	r.status = StatusEstablished
	r.mu.Unlock()
	r.obs.Infow("replicator: epoch established")
	return nil
}

// RequestSwapOutAsync runs the role-transition sequence of §4.13 for a
// voluntary primary swap-out.
func (r *Replicator) RequestSwapOutAsync(ctx context.Context) error {
	return r.shutdown(ctx, logrecord.PrimarySwap)
}

// CloseAsync runs the role-transition sequence for an orderly shutdown.
func (r *Replicator) CloseAsync(ctx context.Context) error {
	return r.shutdown(ctx, logrecord.Closed)
}

// RemoveStateAsync runs the role-transition sequence ahead of removing
// this replica's state entirely.
func (r *Replicator) RemoveStateAsync(ctx context.Context) error {
	return r.shutdown(ctx, logrecord.RemovingState)
}

// shutdown implements §4.13's ordered role-transition sequence: drain
// outstanding copy/replication sessions, emit the Information record
// for event, wait for it to be processed, wait for logical records to
// complete, abort any pending checkpoint/truncation, then close the
// log.
func (r *Replicator) shutdown(ctx context.Context, event logrecord.InformationEvent) error {
	r.mu.Lock()
	if r.status != StatusElected && r.status != StatusEstablished {
		r.mu.Unlock()
		return errors.Wrapf(kind.ErrInvalidOperation, "replicator: cannot transition out of status %s", r.status)
	}
	r.status = StatusSwappingOut
	r.mu.Unlock()

	r.obs.Infow("replicator: beginning role transition", "event", event.String())

	r.sessionWG.Wait()

	rec, err := r.replogMgr.Information(ctx, event)
	if err != nil {
		return errors.Wrap(err, "replicator: emitting information record")
	}
	if w := r.log.Writer(); w != nil {
		if err := w.FlushAsync(); err != nil {
			return errors.Wrap(err, "replicator: flushing information record")
		}
	}

	if err := r.futures.Register(rec.Psn, logrecord.StageProcess).Wait(ctx); err != nil {
		return errors.Wrap(err, "replicator: waiting for information record to process")
	}

	if err := r.waitLogicalRecordsComplete(ctx); err != nil {
		return errors.Wrap(err, "replicator: waiting for logical records to complete")
	}

	r.checkptMgr.AbortPendingCheckpoint()
	r.truncMgr.Stop()

	if err := r.log.Close(); err != nil {
		return errors.Wrap(err, "replicator: closing log")
	}

	r.obs.Infow("replicator: role transition complete", "event", event.String())
	return nil
}

// waitLogicalRecordsComplete polls until no transaction is pending or
// unstable, or ctx is done. The txmap has no completion signal of its
// own to block on, so this mirrors the short-poll pattern the teacher
// uses while waiting on its own lock table.
func (r *Replicator) waitLogicalRecordsComplete(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if r.txm.PendingCount() == 0 && r.txm.UnstableCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
