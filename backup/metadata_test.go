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

func TestVersionCompare(t *testing.T) {
	a := Version{Epoch: storage.Epoch{DataLossVersion: 1}, Lsn: 10}
	b := Version{Epoch: storage.Epoch{DataLossVersion: 1}, Lsn: 20}
	c := Version{Epoch: storage.Epoch{DataLossVersion: 2}, Lsn: 1}

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, -1, b.Compare(c))
}

func TestWriteReadMetadataFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", fullMetadataName)

	want := MetadataFile{
		BackupId:       uuid.New(),
		ParentBackupId: uuid.Nil,
		BackupEpoch:    storage.Epoch{DataLossVersion: 3, ConfigurationVersion: 2},
		BackupLsn:      42,
		Option:         logrecord.Full,
	}

	require.NoError(t, writeMetadataFile(path, want))

	got, err := readMetadataFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, Version{Epoch: want.BackupEpoch, Lsn: want.BackupLsn}, got.Version())
}

func TestReadMetadataFileRejectsMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, fullMetadataName)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := readMetadataFile(path)
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrCorruption)
}
