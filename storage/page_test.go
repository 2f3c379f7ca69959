package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPageBoundaryRoundTrip(t *testing.T) {
	p := NewPage(64)
	p.SetBoundary(RecordPosition(40))
	require.Equal(t, RecordPosition(40), p.Boundary())
}

func TestPageLengthPrefixedRoundTrip(t *testing.T) {
	p := NewPage(64)
	payload := []byte("hello-record")
	n := p.WriteLengthPrefixed(0, payload)
	require.Equal(t, SizeOfInt64+int64(len(payload)), n)

	got := p.Bytes(0)
	require.Equal(t, payload, got)
}

func TestEpochOrdering(t *testing.T) {
	a := Epoch{DataLossVersion: 1, ConfigurationVersion: 5}
	b := Epoch{DataLossVersion: 1, ConfigurationVersion: 6}
	c := Epoch{DataLossVersion: 2, ConfigurationVersion: 0}

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, -1, b.Compare(c))
	require.Equal(t, 1, c.Compare(a))
	require.Equal(t, 0, a.Compare(a))
}

func TestCRC64Detects(t *testing.T) {
	a := []byte("some bytes to checksum")
	b := []byte("some Bytes to checksum")
	require.NotEqual(t, CRC64(a), CRC64(b))
	require.Equal(t, CRC64(a), CRC64(a))
}
