package logicallog

import (
	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/storage"
)

// lengthPrefixWidth is the width, in bytes, of the size prefix every
// record in the logical log carries (§6.1).
const lengthPrefixWidth = storage.SizeOfInt64

// ForwardIterator walks the log from a starting position to the tail,
// in append order. Grounded on the teacher's wal/iterator.go HasNext/
// Next/Close shape, adapted from block-paged backward scanning to a
// flat-file forward scan since logicallog addresses bytes directly
// rather than through a page cache.
type ForwardIterator struct {
	log *Log
	pos storage.RecordPosition
	end storage.RecordPosition
}

// NewForwardIterator returns an iterator over [from, log end offset).
func (l *Log) NewForwardIterator(from storage.RecordPosition) *ForwardIterator {
	return &ForwardIterator{log: l, pos: from, end: l.EndOffset()}
}

func (it *ForwardIterator) HasNext() bool {
	return it.pos < it.end
}

// Next reads the record at the current position and advances past it,
// returning the record bytes and the position it started at.
func (it *ForwardIterator) Next() (storage.RecordPosition, []byte, error) {
	if !it.HasNext() {
		return storage.PositionInvalid, nil, errors.Wrapf(kind.ErrNotFound, "logicallog: iterator exhausted")
	}

	prefix := make([]byte, lengthPrefixWidth)
	if err := it.log.Read(it.pos, prefix); err != nil {
		return storage.PositionInvalid, nil, err
	}
	size := storage.GetInt64(prefix)
	if size < 0 {
		return storage.PositionInvalid, nil, errors.Wrapf(kind.ErrCorruption, "logicallog: negative record size at %d", it.pos)
	}

	body := make([]byte, size)
	if err := it.log.Read(it.pos+storage.RecordPosition(lengthPrefixWidth), body); err != nil {
		return storage.PositionInvalid, nil, err
	}

	start := it.pos
	it.pos += storage.RecordPosition(lengthPrefixWidth) + storage.RecordPosition(size)
	return start, body, nil
}

// WriteLengthPrefixed frames payload the way the reader expects:
// size-prefix followed by the record bytes.
func WriteLengthPrefixed(payload []byte) []byte {
	out := make([]byte, lengthPrefixWidth+len(payload))
	storage.PutInt64(out, int64(len(payload)))
	copy(out[lengthPrefixWidth:], payload)
	return out
}
