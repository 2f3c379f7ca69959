package logicallog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/luigitni/logreplicator/file"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/storage"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	fm, err := file.NewManager(t.TempDir(), 4096)
	require.NoError(t, err)
	t.Cleanup(func() { fm.Close() })

	l, err := Open(obs.NewNop(), fm)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndForwardIterator(t *testing.T) {
	l := openTestLog(t)

	records := [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")}
	var positions []int64
	for _, r := range records {
		pos, err := l.Append(WriteLengthPrefixed(r))
		require.NoError(t, err)
		positions = append(positions, int64(pos))
	}
	require.NoError(t, l.Flush())

	it := l.NewForwardIterator(0)
	var got [][]byte
	for it.HasNext() {
		_, b, err := it.Next()
		require.NoError(t, err)
		got = append(got, b)
	}
	require.Equal(t, records, got)
}

func TestTruncateTailShrinksFile(t *testing.T) {
	l := openTestLog(t)

	pos, err := l.Append(WriteLengthPrefixed([]byte("keep")))
	require.NoError(t, err)
	_, err = l.Append(WriteLengthPrefixed([]byte("drop")))
	require.NoError(t, err)

	keepEnd := pos + storage.RecordPosition(lengthPrefixWidth+len("keep"))
	require.NoError(t, l.TruncateTail(keepEnd))
	require.Equal(t, keepEnd, l.EndOffset())
}

func TestTruncateHeadRejectsRegression(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.TruncateHead(0))
	require.Error(t, l.TruncateHead(-1))
}

func TestSecondProcessCannotAcquireLock(t *testing.T) {
	dir := t.TempDir()
	fm1, err := file.NewManager(dir, 4096)
	require.NoError(t, err)
	defer fm1.Close()

	l1, err := Open(obs.NewNop(), fm1)
	require.NoError(t, err)
	defer l1.Close()

	fm2, err := file.NewManager(dir, 4096)
	require.NoError(t, err)
	defer fm2.Close()

	_, err = Open(obs.NewNop(), fm2)
	require.Error(t, err)
}
