// Package copystream implements CopyStream (component Y): the
// producer-side state machine that builds the ordered packet sequence
// a target replica consumes to either catch up a small tail gap or
// bootstrap entirely from a fresh state snapshot. Grounded on the
// teacher's tx/logcopy.go (which streams a transaction's redo/undo
// records to a recovering buffer) and wal/iterator.go's forward-scan
// shape, generalized from single-transaction replay to the
// metadata/state/log packet sequence of §4.8.
package copystream

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logicallog"
	"github.com/luigitni/logreplicator/logmgr"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/storage"
)

// Mode is the copy mode FindCopyMode selects among.
type Mode int

const (
	ModeNone Mode = iota
	ModePartial
	ModePartialFalseProgress
	ModeFull
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "None"
	case ModePartial:
		return "Partial"
	case ModePartialFalseProgress:
		return "Partial|FalseProgress"
	case ModeFull:
		return "Full"
	default:
		return "Invalid"
	}
}

// FindCopyMode implements ProgressVector::FindCopyMode (§3.3, §4.8,
// §8 scenario 6). source and target must be sorted ascending by Epoch
// then Lsn (the order ReplicatedLogManager.ProgressVectorValue already
// returns them in). lastAtomicRedoLsn is the source's last recovered
// atomic-redo LSN; if the computed starting LSN falls at or before it,
// false-progress on the target cannot be ruled out and Partial is
// upgraded to Partial|FalseProgress.
func FindCopyMode(source, target []logrecord.ProgressVectorEntry, lastAtomicRedoLsn storage.Lsn) (mode Mode, startingLsn storage.Lsn) {
	if len(target) == 0 {
		return ModeFull, storage.LsnInvalid
	}

	sourceDlv := dataLossVersion(source)
	targetDlv := dataLossVersion(target)
	if sourceDlv != targetDlv {
		return ModeFull, storage.LsnInvalid
	}

	common := lastCommonEpochEntry(source, target)
	if common == nil {
		return ModeFull, storage.LsnInvalid
	}

	sourceStart := startingLsnForEpoch(source, common.Epoch)
	targetStart := startingLsnForEpoch(target, common.Epoch)
	start := sourceStart
	if targetStart < start {
		start = targetStart
	}

	if start <= lastAtomicRedoLsn {
		return ModePartialFalseProgress, start
	}
	return ModePartial, start
}

func dataLossVersion(pv []logrecord.ProgressVectorEntry) storage.DataLossVersion {
	if len(pv) == 0 {
		return -1
	}
	return pv[0].Epoch.DataLossVersion
}

// lastCommonEpochEntry returns the source entry for the newest epoch
// that appears in both vectors, regardless of whether the two sides
// have reached the same Lsn within it - the source and target need not
// agree on an exact Lsn, only on having lived through the same epoch,
// and FindCopyMode takes the min of the two startingLsnForEpoch values
// within that epoch. nil means the two replicas share no common history and
// must use Full copy.
func lastCommonEpochEntry(source, target []logrecord.ProgressVectorEntry) *logrecord.ProgressVectorEntry {
	targetEpochs := make(map[storage.Epoch]bool, len(target))
	for _, e := range target {
		targetEpochs[e.Epoch] = true
	}
	var best *logrecord.ProgressVectorEntry
	for i := range source {
		e := source[i]
		if targetEpochs[e.Epoch] {
			if best == nil || e.Epoch.Compare(best.Epoch) > 0 {
				best = &source[i]
			}
		}
	}
	return best
}

func startingLsnForEpoch(pv []logrecord.ProgressVectorEntry, epoch storage.Epoch) storage.Lsn {
	for _, e := range pv {
		if e.Epoch == epoch {
			return e.Lsn
		}
	}
	return storage.LsnInvalid
}

// Metadata is the CopyMetadata header packet.
type Metadata struct {
	Mode      Mode
	SourceReplicaId storage.ReplicaId
}

// StateMetadata is the CopyStateMetadata packet terminating a Full
// copy's state chunks.
type StateMetadata struct {
	ProgressVector []logrecord.ProgressVectorEntry
	CheckpointEpoch storage.Epoch
	StartingLsn     storage.Lsn
	UptoLsn         storage.Lsn
	CurrentTailLsn  storage.Lsn
}

// FalseProgress is the CopyFalseProgress packet.
type FalseProgress struct {
	SourceStartingLsn storage.Lsn
}

// LogBatch is one CopyLog packet: a batch of already-encoded logical
// records (logrecord.Encode output, length-prefixed the same way the
// logical log frames them).
type LogBatch struct {
	Records [][]byte
}

// Sink receives the packets a Producer emits, in order. The transport
// package's StateReplicatorHandle is adapted to this by the
// orchestrator; copystream does not depend on transport directly so it
// can be tested with a recording fake.
type Sink interface {
	SendMetadata(ctx context.Context, m Metadata) error
	SendState(ctx context.Context, chunk []byte) error
	SendStateMetadata(ctx context.Context, m StateMetadata) error
	SendFalseProgress(ctx context.Context, fp FalseProgress) error
	SendLog(ctx context.Context, batch LogBatch) error
}

// Config bounds a single CopyLog packet.
type Config struct {
	LogBatchSize int
}

// Producer drives one copy/build session for a single target replica.
type Producer struct {
	obs   obs.Context
	log   *logmgr.Manager
	sp    statemgr.StateProvider
	cfg   Config
}

func New(o obs.Context, log *logmgr.Manager, sp statemgr.StateProvider, cfg Config) *Producer {
	if cfg.LogBatchSize <= 0 {
		cfg.LogBatchSize = 256
	}
	return &Producer{obs: o, log: log, sp: sp, cfg: cfg}
}

// Run drives the full state machine described in §4.8 against sink,
// given the source's current progress vector/tail and the target's
// reported progress vector (empty if the target has no persisted
// state at all).
func (p *Producer) Run(ctx context.Context, sink Sink, sourceReplica storage.ReplicaId, sourcePV, targetPV []logrecord.ProgressVectorEntry, lastAtomicRedoLsn storage.Lsn, sourceTailLsn storage.Lsn, checkpointEpoch storage.Epoch, beginCheckpoint *logrecord.Record) error {
	mode, startingLsn := FindCopyMode(sourcePV, targetPV, lastAtomicRedoLsn)

	if err := sink.SendMetadata(ctx, Metadata{Mode: mode, SourceReplicaId: sourceReplica}); err != nil {
		return errors.Wrap(err, "copystream: sending metadata")
	}

	switch mode {
	case ModeNone:
		return nil

	case ModeFull:
		return p.runFull(ctx, sink, sourcePV, sourceTailLsn, checkpointEpoch, beginCheckpoint)

	case ModePartialFalseProgress:
		if err := sink.SendFalseProgress(ctx, FalseProgress{SourceStartingLsn: startingLsn}); err != nil {
			return errors.Wrap(err, "copystream: sending false-progress packet")
		}
		return p.runLogDrain(ctx, sink, startingLsn, sourceTailLsn)

	case ModePartial:
		return p.runLogDrain(ctx, sink, startingLsn, sourceTailLsn)

	default:
		return errors.Wrapf(kind.ErrInvalidOperation, "copystream: unknown copy mode %v", mode)
	}
}

// runFull streams the state provider's backup chunks followed by one
// StateMetadata packet, then hands off to the log drain starting at
// the last begin-checkpoint's earliest-pending-tx position (§4.8).
func (p *Producer) runFull(ctx context.Context, sink Sink, sourcePV []logrecord.ProgressVectorEntry, sourceTailLsn storage.Lsn, checkpointEpoch storage.Epoch, beginCheckpoint *logrecord.Record) error {
	if err := p.sp.StreamStateAsync(ctx, func(chunk []byte) error {
		return sink.SendState(ctx, chunk)
	}); err != nil {
		return errors.Wrap(err, "copystream: streaming state")
	}

	startingLsn := storage.LsnInvalid
	var startPos storage.RecordPosition
	if beginCheckpoint != nil {
		if payload, ok := beginCheckpoint.Body.(*logrecord.BeginCheckpointPayload); ok {
			startingLsn = beginCheckpoint.Lsn
			// EarliestPendingTxPosition is already the absolute log
			// position of the earliest pending transaction at
			// checkpoint time (§4.10); fall back to the checkpoint's
			// own position when nothing was pending.
			startPos = payload.EarliestPendingTxPosition
			if startPos == storage.PositionInvalid {
				startPos = beginCheckpoint.Position
			}
		}
	}

	if err := sink.SendStateMetadata(ctx, StateMetadata{
		ProgressVector:  sourcePV,
		CheckpointEpoch: checkpointEpoch,
		StartingLsn:     startingLsn,
		UptoLsn:         sourceTailLsn,
		CurrentTailLsn:  sourceTailLsn,
	}); err != nil {
		return errors.Wrap(err, "copystream: sending state metadata")
	}

	return p.runLogDrainFromPosition(ctx, sink, startPos, sourceTailLsn)
}

// runLogDrain finds the last record whose Lsn precedes startingLsn (the
// "Partial" case of §4.8) with a forward scan from the start of the
// log that remembers the latest such record's position, then streams
// forward from there.
func (p *Producer) runLogDrain(ctx context.Context, sink Sink, startingLsn storage.Lsn, uptoLsn storage.Lsn) error {
	pos, err := p.findPartialStartPosition(startingLsn)
	if err != nil {
		return err
	}
	return p.runLogDrainFromPosition(ctx, sink, pos, uptoLsn)
}

func (p *Producer) findPartialStartPosition(startingLsn storage.Lsn) (storage.RecordPosition, error) {
	log := p.log.CurrentLog()
	it := log.NewForwardIterator(0)

	var best storage.RecordPosition = 0
	for it.HasNext() {
		pos, raw, err := it.Next()
		if err != nil {
			return 0, errors.Wrap(err, "copystream: scanning for partial-copy start")
		}
		rec, err := logrecord.Decode(raw)
		if err != nil {
			return 0, errors.Wrap(err, "copystream: decoding during partial-copy scan")
		}
		if rec.Lsn != storage.LsnInvalid && rec.Lsn < startingLsn {
			best = pos
		}
	}
	return best, nil
}

func (p *Producer) runLogDrainFromPosition(ctx context.Context, sink Sink, from storage.RecordPosition, uptoLsn storage.Lsn) error {
	log := p.log.CurrentLog()
	it := log.NewForwardIterator(from)

	var batch LogBatch
	flush := func() error {
		if len(batch.Records) == 0 {
			return nil
		}
		err := sink.SendLog(ctx, batch)
		batch = LogBatch{}
		return err
	}

	for it.HasNext() {
		_, raw, err := it.Next()
		if err != nil {
			return errors.Wrap(err, "copystream: reading log during drain")
		}
		rec, err := logrecord.Decode(raw)
		if err != nil {
			return errors.Wrap(err, "copystream: decoding during drain")
		}

		if uptoLsn != storage.LsnInvalid && rec.Lsn != storage.LsnInvalid && rec.Lsn > uptoLsn {
			break
		}

		batch.Records = append(batch.Records, logicallog.WriteLengthPrefixed(raw))
		if len(batch.Records) >= p.cfg.LogBatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}
