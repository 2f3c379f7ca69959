// Package logmgr implements the LogManager (component M): ownership of
// the current/"_Copy"/"_Backup" log files, the ref-counted
// LogReaderRange collection that gates head truncation, and the
// genesis bootstrap sequence an empty log is seeded with on first
// open. Grounded on the teacher's file/file_manager.go for the
// current/copy/backup file-suffix convention and on
// buffer/buffer_manager.go's free-list/map bookkeeping style, adapted
// from pinned buffer frames to pinned (ref-counted) log reader ranges.
package logmgr

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/file"
	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logicallog"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/physlog"
	"github.com/luigitni/logreplicator/storage"
)

const (
	currentName = "current"
	copyName    = "current_Copy"
	backupName  = "current_Backup"
)

// ReaderType distinguishes why a range is pinned, mirroring the kinds
// spec §4.3 calls out: a plain log enumerator, a full-copy stream (can
// upgrade a coexisting reader), a partial-copy stream, or a backup
// reader.
type ReaderType int

const (
	ReaderEnumeration ReaderType = iota
	ReaderFullCopy
	ReaderPartialCopy
	ReaderBackup
)

// ReaderRange is one live LogReaderRange (spec §3.3).
type ReaderRange struct {
	StartingLsn      storage.Lsn
	StartingPosition storage.RecordPosition
	Name             string
	Type             ReaderType
	refCount         int
}

// pendingTruncation parks a head-truncation request that cannot
// proceed yet because some reader still starts before the proposed
// position.
type pendingTruncation struct {
	record *logrecord.Record
	done   chan error
}

// Manager owns the physical file layer for one replica's log.
type Manager struct {
	obs obs.Context
	fm  *file.Manager

	arena  *logrecord.Arena
	sink   physlog.Sink
	pwCfg  physlog.Config

	current *logicallog.Log
	writer  *physlog.Writer

	mu              sync.Mutex
	readers         map[storage.RecordPosition]*ReaderRange
	logHeadPosition storage.RecordPosition
	pending         []*pendingTruncation
}

// New wraps an already-open file.Manager. Call OpenAsync next.
func New(o obs.Context, fm *file.Manager, arena *logrecord.Arena, sink physlog.Sink, pwCfg physlog.Config) *Manager {
	return &Manager{
		obs:     o,
		fm:      fm,
		arena:   arena,
		sink:    sink,
		pwCfg:   pwCfg,
		readers: make(map[storage.RecordPosition]*ReaderRange),
	}
}

// Writer exposes the physical log writer currently attached to the
// active log file, for replog.Manager to append through.
func (m *Manager) Writer() *physlog.Writer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writer
}

// CurrentLog exposes the active logicallog.Log, for components (the
// recovery reader, the copy stream) that need to read it directly.
func (m *Manager) CurrentLog() *logicallog.Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// OpenAsync opens (creating if necessary) the current log. If it is
// empty, it bootstraps the fixed genesis sequence (§4.3, B1): Indexing
// -> UpdateEpoch -> BeginCheckpoint -> Barrier(LSN=1) -> EndCheckpoint
// -> CompleteCheckpoint, then flushes once. Returns whether bootstrap
// ran (false on a second open of the same log, satisfying B1's
// idempotence requirement).
func (m *Manager) OpenAsync() (bootstrapped bool, err error) {
	log, err := logicallog.Open(m.obs, m.fm)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.current = log
	m.writer = physlog.New(m.obs, log, m.arena, m.sink, m.pwCfg)
	m.mu.Unlock()

	if log.EndOffset() != 0 {
		return false, nil
	}

	if err := m.writeGenesis(); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) writeGenesis() error {
	w := m.Writer()

	idx := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Indexing, Lsn: storage.LsnInvalid},
		Body:   &logrecord.IndexingPayload{Epoch: storage.Epoch{}},
	}
	if _, err := w.InsertBufferedRecord(idx); err != nil {
		return errors.Wrap(err, "logmgr: genesis indexing")
	}

	ue := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.UpdateEpoch, Lsn: 0},
		Body:   &logrecord.UpdateEpochPayload{PreviousEpochLastLsn: 0, NewEpoch: storage.Epoch{}},
	}
	if _, err := w.InsertBufferedRecord(ue); err != nil {
		return errors.Wrap(err, "logmgr: genesis update-epoch")
	}

	bc := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.BeginCheckpoint, Lsn: storage.LsnInvalid},
		Body:   &logrecord.BeginCheckpointPayload{},
	}
	if _, err := w.InsertBufferedRecord(bc); err != nil {
		return errors.Wrap(err, "logmgr: genesis begin-checkpoint")
	}
	bcHandle := bc.Psn

	bar := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Barrier, Lsn: 1},
		Body:   &logrecord.BarrierPayload{LastStableLsn: 0},
	}
	if _, err := w.InsertBufferedRecord(bar); err != nil {
		return errors.Wrap(err, "logmgr: genesis barrier")
	}

	ec := &logrecord.Record{
		Header:   logrecord.Header{Type: logrecord.EndCheckpoint, Lsn: storage.LsnInvalid},
		Physical: logrecord.PhysicalLinks{LinkedPhysicalRecord: bcHandle},
		Body:     &logrecord.EndCheckpointPayload{BeginCheckpointRecord: bcHandle},
	}
	if _, err := w.InsertBufferedRecord(ec); err != nil {
		return errors.Wrap(err, "logmgr: genesis end-checkpoint")
	}
	ecHandle := ec.Psn

	cc := &logrecord.Record{
		Header:   logrecord.Header{Type: logrecord.CompleteCheckpoint, Lsn: storage.LsnInvalid},
		Physical: logrecord.PhysicalLinks{LinkedPhysicalRecord: ecHandle},
		Body:     &logrecord.CompleteCheckpointPayload{EndCheckpointRecord: ecHandle},
	}
	if _, err := w.InsertBufferedRecord(cc); err != nil {
		return errors.Wrap(err, "logmgr: genesis complete-checkpoint")
	}

	if err := w.FlushAsync(); err != nil {
		return errors.Wrap(err, "logmgr: flushing genesis sequence")
	}
	m.obs.Infow("logmgr: bootstrapped genesis log sequence")
	return nil
}

// CreateCopyLogAsync closes the current log, creates a fresh
// "_Copy"-suffixed file, writes a starting Indexing record for epoch,
// and attaches the writer to it. Used when building a new secondary
// from full state (§4.3, driven by drain.Manager).
func (m *Manager) CreateCopyLogAsync(epoch storage.Epoch, lsn storage.Lsn) (*logrecord.Record, error) {
	copyLog, err := logicallog.OpenNamed(m.obs, m.fm, copyName)
	if err != nil {
		return nil, errors.Wrap(err, "logmgr: opening copy log")
	}

	w := physlog.New(m.obs, copyLog, m.arena, m.sink, m.pwCfg)
	idx := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Indexing, Lsn: lsn},
		Body:   &logrecord.IndexingPayload{Epoch: epoch},
	}
	if _, err := w.InsertBufferedRecord(idx); err != nil {
		return nil, err
	}
	if err := w.FlushAsync(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	prev := m.current
	m.current = copyLog
	m.writer = w
	m.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			return nil, errors.Wrap(err, "logmgr: closing previous current log")
		}
	}

	m.obs.Infow("logmgr: created copy log", "epoch", epoch, "lsn", lsn)
	return idx, nil
}

// RenameCopyLogAtomicallyAsync replaces the current log with the copy
// log: current -> "_Backup", copy -> current. The writer's in-memory
// tail state (lastPsn/lastPhysical) is preserved across the swap since
// it is reseeded from the writer already attached to the copy log
// rather than rebuilt from scratch (§4.3: "must preserve the tail
// record instance").
func (m *Manager) RenameCopyLogAtomicallyAsync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.Name() != copyName {
		return errors.Wrap(kind.ErrInvalidOperation, "logmgr: no copy log to rename")
	}

	tailPsn := m.writer.LastPsn()
	tailPhysical := m.writer.LastPhysical()

	if err := m.current.Close(); err != nil {
		return err
	}
	if m.fm.Exists(currentName) {
		if err := m.fm.Rename(currentName, backupName); err != nil {
			return errors.Wrap(err, "logmgr: backing up previous current log")
		}
	}
	if err := m.fm.Rename(copyName, currentName); err != nil {
		return errors.Wrap(err, "logmgr: promoting copy log to current")
	}

	newCurrent, err := logicallog.Open(m.obs, m.fm)
	if err != nil {
		return errors.Wrap(err, "logmgr: reopening promoted current log")
	}

	w := physlog.New(m.obs, newCurrent, m.arena, m.sink, m.pwCfg)
	w.SeedTail(tailPsn, tailPhysical)

	m.current = newCurrent
	m.writer = w
	m.obs.Infow("logmgr: renamed copy log over current")
	return nil
}

// RestoreRecordSource supplies raw encoded records (logrecord.Encode
// output) to rehydrate a log during restore. Defined here rather than
// taking a concrete reader type so logmgr does not need to import the
// backup package, which already imports logmgr for log access.
type RestoreRecordSource interface {
	Next() (raw []byte, ok bool, err error)
}

// DeleteCurrentLogAsync closes and removes the current log file. Used
// by backup.Manager immediately before OpenWithRestoreFilesAsync
// rehydrates a fresh one from a backup chain (§4.11).
func (m *Manager) DeleteCurrentLogAsync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.Close(); err != nil {
			return errors.Wrap(err, "logmgr: closing current log before restore")
		}
		m.current = nil
		m.writer = nil
	}
	if m.fm.Exists(currentName) {
		if err := m.fm.Remove(currentName); err != nil {
			return errors.Wrap(err, "logmgr: removing current log before restore")
		}
	}
	return nil
}

// OpenWithRestoreFilesAsync rebuilds the current log from a sequence
// of records read from src (the concatenation of a backup chain's
// full-plus-incremental backup log files), reinserting each one
// through a fresh physlog.Writer so Psn and the physical back-pointer
// chain are regenerated for this replica's arena exactly as they
// would be for a freshly appended record (§4.11). The first record
// read must be an Indexing record, the invariant every log file
// (current, copy, backup) opens with.
func (m *Manager) OpenWithRestoreFilesAsync(src RestoreRecordSource) (*logrecord.Record, error) {
	log, err := logicallog.Open(m.obs, m.fm)
	if err != nil {
		return nil, errors.Wrap(err, "logmgr: opening fresh log for restore")
	}
	if log.EndOffset() != 0 {
		log.Close()
		return nil, errors.Wrap(kind.ErrInvalidOperation, "logmgr: restore target log is not empty")
	}

	w := physlog.New(m.obs, log, m.arena, m.sink, m.pwCfg)

	var first *logrecord.Record
	count := 0
	for {
		raw, ok, err := src.Next()
		if err != nil {
			return nil, errors.Wrap(err, "logmgr: reading restore record")
		}
		if !ok {
			break
		}
		rec, err := logrecord.Decode(raw)
		if err != nil {
			return nil, errors.Wrap(err, "logmgr: decoding restore record")
		}
		if count == 0 && rec.Type != logrecord.Indexing {
			return nil, errors.Wrap(kind.ErrCorruption, "logmgr: restore stream does not begin with an Indexing record")
		}
		if _, err := w.InsertBufferedRecord(rec); err != nil {
			return nil, errors.Wrap(err, "logmgr: reinserting restore record")
		}
		if count == 0 {
			first = rec
		}
		count++
	}
	if count == 0 {
		return nil, errors.Wrap(kind.ErrCorruption, "logmgr: restore stream contained no records")
	}

	if err := w.FlushAsync(); err != nil {
		return nil, errors.Wrap(err, "logmgr: flushing restored log")
	}

	m.mu.Lock()
	m.current = log
	m.writer = w
	m.mu.Unlock()

	m.obs.Infow("logmgr: restored log from backup chain", "records", count)
	return first, nil
}

// AddLogReader pins a range starting at startPos. It refuses ranges
// that start before the current log head (P6). An identical range
// (same startPos) already pinned is ref-counted rather than
// duplicated; a FullCopy reader arriving at the same position as an
// existing reader upgrades that reader's Type.
func (m *Manager) AddLogReader(startLsn storage.Lsn, startPos storage.RecordPosition, name string, typ ReaderType) (accepted bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if startPos < m.logHeadPosition {
		return false, errors.Wrapf(kind.ErrInvalidOperation, "logmgr: reader start %d precedes log head %d", startPos, m.logHeadPosition)
	}

	if r, ok := m.readers[startPos]; ok {
		r.refCount++
		if typ == ReaderFullCopy {
			r.Type = ReaderFullCopy
		}
		return true, nil
	}

	m.readers[startPos] = &ReaderRange{
		StartingLsn:      startLsn,
		StartingPosition: startPos,
		Name:             name,
		Type:             typ,
		refCount:         1,
	}
	return true, nil
}

// RemoveLogReader decrements the range at startPos, deleting it on
// zero. If a parked head truncation is now unblocked, it runs.
func (m *Manager) RemoveLogReader(startPos storage.RecordPosition) error {
	m.mu.Lock()
	r, ok := m.readers[startPos]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	r.refCount--
	if r.refCount > 0 {
		m.mu.Unlock()
		return nil
	}
	delete(m.readers, startPos)
	ready := m.readyTruncationsLocked()
	m.mu.Unlock()

	return m.runTruncations(ready)
}

// earliestReaderPositionLocked returns the smallest StartingPosition
// across live readers, or 1<<62 - 1 if there are none.
func (m *Manager) earliestReaderPositionLocked() storage.RecordPosition {
	var min storage.RecordPosition = 1<<62 - 1
	for _, r := range m.readers {
		if r.StartingPosition < min {
			min = r.StartingPosition
		}
	}
	return min
}

// readyTruncationsLocked pops every pending truncation whose target
// position is now at or before the earliest live reader.
func (m *Manager) readyTruncationsLocked() []*pendingTruncation {
	if len(m.pending) == 0 {
		return nil
	}
	earliest := m.earliestReaderPositionLocked()
	var ready []*pendingTruncation
	var remaining []*pendingTruncation
	for _, p := range m.pending {
		idx := p.record.Body.(*logrecord.TruncateHeadPayload)
		target, ok := m.arena.Get(idx.NewHeadIndexingRecord)
		if !ok {
			remaining = append(remaining, p)
			continue
		}
		if target.Position <= earliest {
			ready = append(ready, p)
		} else {
			remaining = append(remaining, p)
		}
	}
	m.pending = remaining
	return ready
}

func (m *Manager) runTruncations(ready []*pendingTruncation) error {
	var firstErr error
	for _, p := range ready {
		idx, _ := m.arena.Get(p.record.Body.(*logrecord.TruncateHeadPayload).NewHeadIndexingRecord)
		err := m.truncateHeadTo(idx.Position)
		p.done <- err
		close(p.done)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) truncateHeadTo(pos storage.RecordPosition) error {
	m.mu.Lock()
	w := m.writer
	m.mu.Unlock()

	if err := w.TruncateLogHeadAsync(pos); err != nil {
		return err
	}

	m.mu.Lock()
	m.logHeadPosition = pos
	m.mu.Unlock()
	return nil
}

// ProcessLogHeadTruncationAsync either truncates immediately (if no
// live reader starts before truncateHeadRecord's target Indexing
// position) or parks the request until RemoveLogReader unblocks it
// (P6, §4.3). done receives the truncation's result and is then
// closed; a parked request stays parked until RemoveLogReader unblocks
// it (Close does not resolve it).
func (m *Manager) ProcessLogHeadTruncationAsync(truncateHeadRecord *logrecord.Record) (done <-chan error, err error) {
	payload, ok := truncateHeadRecord.Body.(*logrecord.TruncateHeadPayload)
	if !ok {
		return nil, errors.Wrap(kind.ErrInvalidOperation, "logmgr: not a TruncateHead record")
	}

	idx, ok := m.arena.Get(payload.NewHeadIndexingRecord)
	if !ok {
		return nil, errors.Wrap(kind.ErrCorruption, "logmgr: truncate-head target indexing record not resolvable")
	}

	ch := make(chan error, 1)

	m.mu.Lock()
	earliest := m.earliestReaderPositionLocked()
	if idx.Position <= earliest {
		m.mu.Unlock()
		err := m.truncateHeadTo(idx.Position)
		ch <- err
		close(ch)
		return ch, nil
	}

	m.pending = append(m.pending, &pendingTruncation{record: truncateHeadRecord, done: ch})
	m.mu.Unlock()
	m.obs.Infow("logmgr: head truncation parked", "target", idx.Position, "earliestReader", earliest)
	return ch, nil
}

// LogHeadPosition reports the current truncated head.
func (m *Manager) LogHeadPosition() storage.RecordPosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logHeadPosition
}

// ActiveReaders returns a snapshot of live reader ranges, sorted by
// starting position, for diagnostics and tests.
func (m *Manager) ActiveReaders() []ReaderRange {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ReaderRange, 0, len(m.readers))
	for _, r := range m.readers {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartingPosition < out[j].StartingPosition })
	return out
}

// Close closes the active log file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current.Close()
}
