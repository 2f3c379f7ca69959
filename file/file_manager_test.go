package file

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/logreplicator/storage"
)

func TestManagerAppendWriteRead(t *testing.T) {
	m, err := NewManager(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	blk, err := m.Append("current")
	require.NoError(t, err)
	require.Equal(t, int64(0), blk.Number())

	p := storage.NewPage(64)
	p.WriteLengthPrefixed(storage.SizeOfInt64, []byte("payload"))
	require.NoError(t, m.Write(blk, p))

	got := storage.NewPage(64)
	require.NoError(t, m.Read(blk, got))
	require.Equal(t, []byte("payload"), got.Bytes(storage.RecordPosition(storage.SizeOfInt64)))
}

func TestManagerReadPastEndIsZeroFilled(t *testing.T) {
	m, err := NewManager(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	blk := storage.NewBlock("current", 3)
	p := storage.NewPage(64)
	require.NoError(t, m.Read(blk, p))
	for _, b := range p.Contents() {
		require.Zero(t, b)
	}
}

func TestManagerRenameClosesHandles(t *testing.T) {
	m, err := NewManager(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	_, err = m.Append("copy")
	require.NoError(t, err)
	require.NoError(t, m.Rename("copy", "current"))
	require.True(t, m.Exists("current"))
	require.False(t, m.Exists("copy"))
}

func TestManagerTruncate(t *testing.T) {
	m, err := NewManager(t.TempDir(), 64)
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.WriteBytesAt("current", 0, []byte("0123456789")))
	require.NoError(t, m.Truncate("current", 4))

	size, err := m.SizeBytes("current")
	require.NoError(t, err)
	require.Equal(t, int64(4), size)
}
