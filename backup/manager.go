// Manager implements BackupManager (component B, §4.11): it drives
// full and incremental backups of a replica into a backup folder, and
// drives restore from one. Grounded on copystream.Producer's runFull
// (the same begin-checkpoint/state-then-log sequencing, reused here
// for writing to a folder instead of streaming over a transport) and
// on checkpoint.Manager's RenameLock, which backups and restore hold as
// readers to keep them from racing a checkpoint's copy-log rename
// (copystream.Producer does not take it).
package backup

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/luigitni/logreplicator/checkpoint"
	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logmgr"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/recovery"
	"github.com/luigitni/logreplicator/replog"
	"github.com/luigitni/logreplicator/statemgr"
	"github.com/luigitni/logreplicator/storage"
)

// Config bounds a Manager's backup and restore behavior.
type Config struct {
	// BlockSize caps how many buffered record bytes accumulate before
	// a backup log block is flushed with its CRC64 (§6.2).
	BlockSize int

	// MaxIncrementalToFullRatio, when positive, rejects an incremental
	// backup whose log file grows past this fraction of the full
	// backup's on-disk size, so a chain of incrementals cannot grow
	// unboundedly large relative to the full it depends on.
	MaxIncrementalToFullRatio float64
}

func (c Config) blockSize() int {
	if c.BlockSize <= 0 {
		return 64 * 1024
	}
	return c.BlockSize
}

// Manager orchestrates backup and restore for one replica.
type Manager struct {
	obs        obs.Context
	log        *logmgr.Manager
	replog     *replog.Manager
	checkpoint *checkpoint.Manager
	recovery   *recovery.Manager
	sp         statemgr.StateProvider
	cfg        Config
}

func New(o obs.Context, log *logmgr.Manager, rl *replog.Manager, ck *checkpoint.Manager, rc *recovery.Manager, sp statemgr.StateProvider, cfg Config) *Manager {
	return &Manager{obs: o, log: log, replog: rl, checkpoint: ck, recovery: rc, sp: sp, cfg: cfg}
}

// BackupFullAsync writes a full backup of the current state and entire
// log under root/<backupId>/, including the StateManager snapshot
// sp.BackupAsync produces. It takes the backup-and-copy-consistency
// lock for its duration so a concurrent checkpoint cannot rename the
// copy log out from under the log it is streaming.
func (m *Manager) BackupFullAsync(ctx context.Context, root string) (MetadataFile, error) {
	m.checkpoint.RenameLock().RLock()
	defer m.checkpoint.RenameLock().RUnlock()

	tailLsn := m.replog.CurrentLogTailLsn()
	tailEpoch := m.replog.CurrentLogTailEpoch()

	backupId := uuid.New()
	dir := filepath.Join(root, backupId.String())
	stateDir := filepath.Join(dir, stateManagerDirName)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return MetadataFile{}, errors.Wrapf(err, "backup: creating %s", stateDir)
	}
	if err := m.sp.BackupAsync(ctx, stateDir); err != nil {
		return MetadataFile{}, errors.Wrap(err, "backup: state provider backup")
	}

	if err := m.streamLogFrom(logFilePath(dir), 0); err != nil {
		return MetadataFile{}, err
	}

	meta := MetadataFile{
		BackupId:       backupId,
		ParentBackupId: uuid.Nil,
		BackupEpoch:    tailEpoch,
		BackupLsn:      tailLsn,
		Option:         logrecord.Full,
	}
	if err := writeMetadataFile(filepath.Join(dir, fullMetadataName), meta); err != nil {
		return MetadataFile{}, err
	}

	if err := m.noteBackupRecord(ctx, meta); err != nil {
		return MetadataFile{}, err
	}

	m.obs.Infow("backup: full backup completed", "backupId", backupId, "dir", dir, "tailLsn", tailLsn)
	return meta, nil
}

// BackupIncrementalAsync writes an incremental backup of every log
// record since parent's BackupLsn under root/<backupId>/. fullDir is
// the on-disk directory of the full backup the chain is rooted at,
// used only to size-check the new incremental against
// MaxIncrementalToFullRatio.
func (m *Manager) BackupIncrementalAsync(ctx context.Context, root, fullDir string, parent MetadataFile) (MetadataFile, error) {
	m.checkpoint.RenameLock().RLock()
	defer m.checkpoint.RenameLock().RUnlock()

	tailLsn := m.replog.CurrentLogTailLsn()
	tailEpoch := m.replog.CurrentLogTailEpoch()

	if tailLsn <= parent.BackupLsn {
		return MetadataFile{}, errors.Wrap(kind.ErrInvalidOperation, "backup: nothing new to back up since parent backup")
	}

	startPos, err := m.findStartPosition(parent.BackupLsn)
	if err != nil {
		return MetadataFile{}, err
	}

	backupId := uuid.New()
	dir := filepath.Join(root, backupId.String())
	logPath := logFilePath(dir)

	if err := m.streamIncrementalLog(logPath, startPos, parent.BackupLsn, tailEpoch); err != nil {
		return MetadataFile{}, err
	}

	if ratio := m.cfg.MaxIncrementalToFullRatio; ratio > 0 && fullDir != "" {
		ok, err := withinSizeRatio(fullDir, logPath, ratio)
		if err != nil {
			return MetadataFile{}, err
		}
		if !ok {
			os.RemoveAll(dir)
			return MetadataFile{}, errors.Wrapf(kind.ErrBackupTooLarge, "backup: incremental against %s would exceed ratio %.2f", fullDir, ratio)
		}
	}

	meta := MetadataFile{
		BackupId:       backupId,
		ParentBackupId: parent.BackupId,
		BackupEpoch:    tailEpoch,
		BackupLsn:      tailLsn,
		Option:         logrecord.Incremental,
	}
	if err := writeMetadataFile(filepath.Join(dir, incrementalMetadataName), meta); err != nil {
		return MetadataFile{}, err
	}

	if err := m.noteBackupRecord(ctx, meta); err != nil {
		return MetadataFile{}, err
	}

	m.obs.Infow("backup: incremental backup completed", "backupId", backupId, "dir", dir, "tailLsn", tailLsn)
	return meta, nil
}

// noteBackupRecord replicates a Backup log record marking the
// last-completed backup, so the next BeginCheckpoint's
// LastCompletedBackupRecord reflects it (§4.6, §4.11).
func (m *Manager) noteBackupRecord(ctx context.Context, meta MetadataFile) error {
	rec := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Backup, Lsn: storage.LsnInvalid},
		Body: &logrecord.BackupPayload{
			BackupId:       meta.BackupId,
			ParentBackupId: meta.ParentBackupId,
			Epoch:          meta.BackupEpoch,
			Lsn:            meta.BackupLsn,
			Option:         meta.Option,
		},
	}
	if _, err := m.replog.Append(ctx, rec, true); err != nil {
		return errors.Wrap(err, "backup: appending Backup record")
	}
	if err := m.replog.LogManager().Writer().FlushAsync(); err != nil {
		return errors.Wrap(err, "backup: flushing Backup record")
	}
	m.checkpoint.NoteBackupCompleted(rec.Position)
	return nil
}

// streamLogFrom copies every record from the current log, starting at
// from, verbatim into a freshly created backup log file.
func (m *Manager) streamLogFrom(path string, from storage.RecordPosition) error {
	w, err := NewLogWriter(path, m.cfg.blockSize())
	if err != nil {
		return err
	}

	log := m.log.CurrentLog()
	it := log.NewForwardIterator(from)
	for it.HasNext() {
		_, raw, err := it.Next()
		if err != nil {
			w.Close()
			return errors.Wrap(err, "backup: reading log during full backup")
		}
		if err := w.WriteRecord(raw); err != nil {
			w.Close()
			return errors.Wrap(err, "backup: writing backup log block")
		}
	}
	return w.Close()
}

// streamIncrementalLog writes a synthetic Indexing record (anchoring
// the incremental at startEpoch/parentLsn, mirroring the Indexing
// record every log file opens with) followed by every real record
// from startPos onward.
func (m *Manager) streamIncrementalLog(path string, startPos storage.RecordPosition, parentLsn storage.Lsn, startEpoch storage.Epoch) error {
	w, err := NewLogWriter(path, m.cfg.blockSize())
	if err != nil {
		return err
	}

	idx := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Indexing, Lsn: parentLsn},
		Body:   &logrecord.IndexingPayload{Epoch: startEpoch},
	}
	if err := w.WriteRecord(logrecord.Encode(idx)); err != nil {
		w.Close()
		return errors.Wrap(err, "backup: writing incremental anchor record")
	}

	log := m.log.CurrentLog()
	it := log.NewForwardIterator(startPos)
	for it.HasNext() {
		_, raw, err := it.Next()
		if err != nil {
			w.Close()
			return errors.Wrap(err, "backup: reading log during incremental backup")
		}
		if err := w.WriteRecord(raw); err != nil {
			w.Close()
			return errors.Wrap(err, "backup: writing backup log block")
		}
	}
	return w.Close()
}

// findStartPosition scans forward from the log start for the first
// record whose Lsn exceeds afterLsn.
func (m *Manager) findStartPosition(afterLsn storage.Lsn) (storage.RecordPosition, error) {
	log := m.log.CurrentLog()
	it := log.NewForwardIterator(0)

	for it.HasNext() {
		pos, raw, err := it.Next()
		if err != nil {
			return 0, errors.Wrap(err, "backup: scanning for incremental start")
		}
		rec, err := logrecord.Decode(raw)
		if err != nil {
			return 0, errors.Wrap(err, "backup: decoding during incremental scan")
		}
		if rec.Lsn != storage.LsnInvalid && rec.Lsn > afterLsn {
			return pos, nil
		}
	}
	return 0, errors.Wrap(kind.ErrInvalidOperation, "backup: no records found past parent backup's Lsn")
}

// withinSizeRatio compares the incremental log file's size against the
// full backup directory's total size.
func withinSizeRatio(fullDir, incrementalLogPath string, ratio float64) (bool, error) {
	fullSize, err := dirSize(fullDir)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(incrementalLogPath)
	if err != nil {
		return false, errors.Wrapf(err, "backup: stat %s", incrementalLogPath)
	}
	if fullSize == 0 {
		return true, nil
	}
	return float64(info.Size())/float64(fullSize) <= ratio, nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrapf(err, "backup: sizing %s", root)
	}
	return total, nil
}

// chainRecordSource adapts a FolderInfo's full-plus-incremental backup
// log files into a logmgr.RestoreRecordSource, so RestoreAsync can
// hand the whole chain to logmgr.OpenWithRestoreFilesAsync as a single
// sequential stream.
type chainRecordSource struct {
	paths []string
	idx   int
	cur   *LogReader
	block [][]byte
}

func newChainRecordSource(info *FolderInfo) *chainRecordSource {
	paths := make([]string, 0, 1+len(info.Chain))
	paths = append(paths, logFilePath(info.Full.dir))
	for _, e := range info.Chain {
		paths = append(paths, logFilePath(e.dir))
	}
	return &chainRecordSource{paths: paths}
}

func (s *chainRecordSource) Next() ([]byte, bool, error) {
	for {
		if len(s.block) > 0 {
			raw := s.block[0]
			s.block = s.block[1:]
			return raw, true, nil
		}

		if s.cur == nil {
			if s.idx >= len(s.paths) {
				return nil, false, nil
			}
			r, err := OpenLogReader(s.paths[s.idx])
			if err != nil {
				return nil, false, err
			}
			s.cur = r
			s.idx++
		}

		block, ok, err := s.cur.NextBlock()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			s.cur.Close()
			s.cur = nil
			continue
		}
		s.block = block
	}
}

// RestoreAsync drives §4.11's restore sequence under the rename lock
// (held as a reader): validate the backup folder's chain, write a
// restore token recording what is in progress, rehydrate state from the
// full backup's StateManager snapshot, delete the current log, replay
// the chain's log records into a fresh current log, run recovery over
// it with isRestoring set, and finally remove the restore token.
func (m *Manager) RestoreAsync(ctx context.Context, backupFolder string, workingDir string) error {
	m.checkpoint.RenameLock().RLock()
	defer m.checkpoint.RenameLock().RUnlock()

	info, err := AnalyzeAsync(backupFolder)
	if err != nil {
		return errors.Wrap(err, "backup: analyzing backup folder before restore")
	}

	tokenPath := filepath.Join(workingDir, restoreDirName, restoreTokenName)
	if err := os.MkdirAll(filepath.Dir(tokenPath), 0o755); err != nil {
		return errors.Wrapf(err, "backup: creating %s", filepath.Dir(tokenPath))
	}
	if err := os.WriteFile(tokenPath, []byte(backupFolder), 0o644); err != nil {
		return errors.Wrapf(err, "backup: writing restore token %s", tokenPath)
	}

	if err := m.sp.RestoreAsync(ctx, filepath.Join(info.Full.dir, stateManagerDirName)); err != nil {
		return errors.Wrap(err, "backup: restoring state provider snapshot")
	}

	if err := m.log.DeleteCurrentLogAsync(); err != nil {
		return errors.Wrap(err, "backup: deleting current log before restore")
	}

	src := newChainRecordSource(info)
	if _, err := m.log.OpenWithRestoreFilesAsync(src); err != nil {
		return errors.Wrap(err, "backup: rehydrating log from backup chain")
	}

	if _, err := m.recovery.PerformRecoveryAsync(ctx, true); err != nil {
		return errors.Wrap(err, "backup: recovering restored log")
	}

	if err := os.Remove(tokenPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "backup: removing restore token %s", tokenPath)
	}

	m.obs.Infow("backup: restore completed", "backupFolder", backupFolder)
	return nil
}
