package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/storage"
)

// writeBackupDir materializes one backup directory: its metadata file,
// a StateManager directory (full backups only) and a valid backup log
// file opening with an Indexing record at the given Lsn.
func writeBackupDir(t *testing.T, root string, m MetadataFile, lsns ...storage.Lsn) string {
	t.Helper()
	dir := filepath.Join(root, m.BackupId.String())

	name := incrementalMetadataName
	if m.Option == logrecord.Full {
		name = fullMetadataName
		require.NoError(t, os.MkdirAll(filepath.Join(dir, stateManagerDirName), 0o755))
	}
	require.NoError(t, writeMetadataFile(filepath.Join(dir, name), m))

	w, err := NewLogWriter(logFilePath(dir), 4096)
	require.NoError(t, err)

	idx := &logrecord.Record{
		Header: logrecord.Header{Type: logrecord.Indexing, Lsn: m.BackupLsn},
		Body:   &logrecord.IndexingPayload{Epoch: m.BackupEpoch},
	}
	require.NoError(t, w.WriteRecord(logrecord.Encode(idx)))

	for _, lsn := range lsns {
		rec := &logrecord.Record{
			Header: logrecord.Header{Type: logrecord.Information, Lsn: lsn},
			Body:   &logrecord.InformationPayload{Event: logrecord.Recovered},
		}
		require.NoError(t, w.WriteRecord(logrecord.Encode(rec)))
	}
	require.NoError(t, w.Close())

	return dir
}

func TestAnalyzeAsyncFullOnly(t *testing.T) {
	root := t.TempDir()
	full := MetadataFile{BackupId: uuid.New(), BackupEpoch: storage.Epoch{}, BackupLsn: 10, Option: logrecord.Full}
	writeBackupDir(t, root, full)

	info, err := AnalyzeAsync(root)
	require.NoError(t, err)
	require.Equal(t, full.BackupId, info.Full.metadata.BackupId)
	require.Empty(t, info.Chain)
}

func TestAnalyzeAsyncMissingFull(t *testing.T) {
	root := t.TempDir()
	parent := MetadataFile{BackupId: uuid.New(), BackupLsn: 10, Option: logrecord.Full}
	inc := MetadataFile{BackupId: uuid.New(), ParentBackupId: parent.BackupId, BackupLsn: 20, Option: logrecord.Incremental}
	writeBackupDir(t, root, inc)

	_, err := AnalyzeAsync(root)
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrMissingFullBackup)
}

func TestAnalyzeAsyncChainsIncrementals(t *testing.T) {
	root := t.TempDir()
	full := MetadataFile{BackupId: uuid.New(), BackupLsn: 10, Option: logrecord.Full}
	writeBackupDir(t, root, full)

	inc1 := MetadataFile{BackupId: uuid.New(), ParentBackupId: full.BackupId, BackupLsn: 20, Option: logrecord.Incremental}
	writeBackupDir(t, root, inc1)

	inc2 := MetadataFile{BackupId: uuid.New(), ParentBackupId: inc1.BackupId, BackupLsn: 30, Option: logrecord.Incremental}
	writeBackupDir(t, root, inc2)

	info, err := AnalyzeAsync(root)
	require.NoError(t, err)
	require.Len(t, info.Chain, 2)
	require.Equal(t, inc1.BackupId, info.Chain[0].metadata.BackupId)
	require.Equal(t, inc2.BackupId, info.Chain[1].metadata.BackupId)
}

func TestAnalyzeAsyncTrimsOrphanedBranch(t *testing.T) {
	root := t.TempDir()
	full := MetadataFile{BackupId: uuid.New(), BackupLsn: 10, Option: logrecord.Full}
	writeBackupDir(t, root, full)

	// inc1 and inc2 both chain to full directly; inc3 chains to inc1.
	// The newest entry (inc3) seeds the kept chain, so inc1 is kept as
	// its parent and inc2 - which nothing kept references - is the
	// orphaned branch that gets trimmed.
	inc1 := MetadataFile{BackupId: uuid.New(), ParentBackupId: full.BackupId, BackupLsn: 20, Option: logrecord.Incremental}
	writeBackupDir(t, root, inc1)

	inc2 := MetadataFile{BackupId: uuid.New(), ParentBackupId: full.BackupId, BackupLsn: 21, Option: logrecord.Incremental}
	writeBackupDir(t, root, inc2)

	inc3 := MetadataFile{BackupId: uuid.New(), ParentBackupId: inc1.BackupId, BackupLsn: 30, Option: logrecord.Incremental}
	writeBackupDir(t, root, inc3)

	info, err := AnalyzeAsync(root)
	require.NoError(t, err)
	// Newest-first trim keeps inc3 only if it chains into something
	// kept; since nothing newer references inc3 it seeds the kept set,
	// then the scan requires inc3's parent (inc1) next - inc1 does not
	// sit immediately before inc3 in version order (inc2 does), so the
	// scan passes over inc2 (doesn't match) and finds inc1, chaining
	// correctly. The surviving chain is inc1 -> inc3: the algorithm
	// keeps the newest branch that is internally
	// consistent even when it doesn't sort last to first with no gaps.
	var gotIds []uuid.UUID
	for _, e := range info.Chain {
		gotIds = append(gotIds, e.metadata.BackupId)
	}
	require.Contains(t, gotIds, inc1.BackupId)
	require.Contains(t, gotIds, inc3.BackupId)
	require.NotContains(t, gotIds, inc2.BackupId)
}

func TestAnalyzeAsyncRejectsTwoFullBackups(t *testing.T) {
	root := t.TempDir()
	writeBackupDir(t, root, MetadataFile{BackupId: uuid.New(), BackupLsn: 10, Option: logrecord.Full})
	writeBackupDir(t, root, MetadataFile{BackupId: uuid.New(), BackupLsn: 20, Option: logrecord.Full})

	_, err := AnalyzeAsync(root)
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrInvalidOperation)
}

func TestAnalyzeAsyncDetectsCorruptLogFile(t *testing.T) {
	root := t.TempDir()
	full := MetadataFile{BackupId: uuid.New(), BackupLsn: 10, Option: logrecord.Full}
	dir := writeBackupDir(t, root, full)

	b, err := os.ReadFile(logFilePath(dir))
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(logFilePath(dir), b, 0o644))

	_, err = AnalyzeAsync(root)
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrCorruption)
}
