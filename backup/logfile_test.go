package backup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/logreplicator/kind"
)

func TestLogWriterReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.log")

	w, err := NewLogWriter(path, 16) // small block size to force multiple blocks
	require.NoError(t, err)

	records := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc"), []byte("dddd")}
	for _, r := range records {
		require.NoError(t, w.WriteRecord(r))
	}
	require.NoError(t, w.Close())

	r, err := OpenLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	var got [][]byte
	for {
		block, ok, err := r.NextBlock()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, block...)
	}
	require.Equal(t, records, got)
}

func TestLogReaderDetectsCorruptedBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.log")

	w, err := NewLogWriter(path, 4096)
	require.NoError(t, err)
	require.NoError(t, w.WriteRecord([]byte("hello")))
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF // flip a bit in the trailing CRC64
	require.NoError(t, os.WriteFile(path, b, 0o644))

	r, err := OpenLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, _, err = r.NextBlock()
	require.Error(t, err)
	require.ErrorIs(t, err, kind.ErrCorruption)
}

func TestLogReaderEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.log")
	w, err := NewLogWriter(path, 4096)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenLogReader(path)
	require.NoError(t, err)
	defer r.Close()

	_, ok, err := r.NextBlock()
	require.NoError(t, err)
	require.False(t, ok)
}
