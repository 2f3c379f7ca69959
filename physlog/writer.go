// Package physlog implements the PhysicalLogWriter (component P):
// it buffers records, assigns PSNs, chains the physical back-pointer,
// flushes batches to the logical log, and applies tail/head
// truncation. Grounded on the teacher's log/wal_writer.go (buffer,
// flush, append-cursor bookkeeping) and log/alloc.go (sync.Pool for
// reusable buffers).
package physlog

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/logicallog"
	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/obs"
	"github.com/luigitni/logreplicator/storage"
)

// LoggedRecords is the unit FlushCallbackManager hands to
// OperationProcessor: the range of records a single flush call covers,
// plus the error (if any) that flush encountered. Per Design Notes §9
// ("shared-until-consumed... use reference counting explicitly") it
// carries a refcount so multiple consumers (callback delivery, a
// LogReaderRange snapshot) can share one instance.
type LoggedRecords struct {
	Handles  []logrecord.Handle
	LogError error

	refs int32
}

func (l *LoggedRecords) Retain() { atomic.AddInt32(&l.refs, 1) }
func (l *LoggedRecords) Release() int32 {
	return atomic.AddInt32(&l.refs, -1)
}

// bufferPool is a pool of reusable staging byte slices, grounded on the
// teacher's log/alloc.go iteratorPool. Nothing draws from it:
// InsertBufferedRecord stages each record in the fresh slice that
// logicallog.WriteLengthPrefixed allocates.
var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// Sink receives completed flush batches; physlog.Writer does not know
// about FlushCallbackManager directly so the two can be tested in
// isolation - it only needs something that accepts a LoggedRecords.
type Sink interface {
	Deliver(*LoggedRecords)
}

type pendingRecord struct {
	handle logrecord.Handle
	rec    *logrecord.Record
	bytes  []byte
}

// Writer owns the append cursor over a logicallog.Log. Append-side
// calls (InsertBufferedRecord) are single-threaded by contract of the
// caller (ReplicatedLogManager's append lock); FlushAsync and the
// truncate operations take their own mutex to coordinate with it.
type Writer struct {
	obs  obs.Context
	log  *logicallog.Log
	tx   *logrecord.Arena
	sink Sink

	mu           sync.Mutex
	lastPsn      storage.Psn
	lastPhysical logrecord.Handle
	flushing     bool
	flushWaiters []chan error

	pending      []pendingRecord
	bufferedSize int64

	faulted error

	highWaterMark int64
}

// Config bundles the tunables LogTruncationManager would otherwise
// read from an external configuration loader (spec §1 explicitly
// excludes config loading from scope).
type Config struct {
	// HighWaterMarkBytes is the buffered+pending threshold above which
	// ShouldThrottleWrites returns true.
	HighWaterMarkBytes int64
}

// New wraps log for buffered physical append. arena receives every
// inserted record so later components (recovery, checkpoint, backup)
// can resolve Handles without re-reading the log.
func New(o obs.Context, log *logicallog.Log, arena *logrecord.Arena, sink Sink, cfg Config) *Writer {
	return &Writer{
		obs:           o,
		log:           log,
		tx:            arena,
		sink:          sink,
		lastPsn:       storage.PsnInvalid,
		lastPhysical:  logrecord.InvalidHandle,
		highWaterMark: cfg.HighWaterMarkBytes,
	}
}

// SeedTail tells the writer where the log tail currently is, used by
// RecoveryManager after replay so subsequent appends chain correctly
// without re-deriving lastPsn/lastPhysical from scratch.
func (w *Writer) SeedTail(lastPsn storage.Psn, lastPhysical logrecord.Handle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastPsn = lastPsn
	w.lastPhysical = lastPhysical
}

// InsertBufferedRecord assigns rec's Psn and PreviousPhysicalRecord,
// serializes it into the pending buffer and registers it in the
// arena. It does not touch the logical log; FlushAsync does that. The
// caller must serialize calls to InsertBufferedRecord itself (the
// append lock lives in replog.Manager).
func (w *Writer) InsertBufferedRecord(rec *logrecord.Record) (bufferedBytes int64, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.faulted != nil {
		return 0, errors.Wrapf(w.faulted, "physlog: writer faulted")
	}

	rec.Psn = w.lastPsn + 1
	rec.PreviousPhysicalRecord = w.lastPhysical

	encoded := logrecord.Encode(rec)
	framed := logicallog.WriteLengthPrefixed(encoded)

	handle := w.tx.Insert(rec)
	w.pending = append(w.pending, pendingRecord{handle: handle, rec: rec, bytes: framed})
	w.bufferedSize += int64(len(framed))

	w.lastPsn = rec.Psn
	if rec.Type.IsPhysical() {
		w.lastPhysical = handle
	}

	return int64(len(framed)), nil
}

// ShouldThrottleWrites is true once buffered-but-unflushed bytes
// exceed the configured high-water mark.
func (w *Writer) ShouldThrottleWrites() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highWaterMark > 0 && w.bufferedSize >= w.highWaterMark
}

// FlushAsync snapshots the currently buffered range, writes it to the
// logical log in one pass, and delivers a LoggedRecords to sink.
// Concurrent FlushAsync calls coalesce: callers arriving while a flush
// is in-flight wait on that flush's completion rather than issuing a
// second I/O (§4.1).
func (w *Writer) FlushAsync() error {
	w.mu.Lock()
	if w.flushing {
		ch := make(chan error, 1)
		w.flushWaiters = append(w.flushWaiters, ch)
		w.mu.Unlock()
		return <-ch
	}
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return nil // B2: flush of zero buffered records resolves immediately
	}

	batch := w.pending
	w.pending = nil
	w.bufferedSize = 0
	w.flushing = true
	w.mu.Unlock()

	flushErr := w.writeBatch(batch)

	w.mu.Lock()
	w.flushing = false
	if flushErr != nil {
		w.faulted = flushErr
	}
	waiters := w.flushWaiters
	w.flushWaiters = nil
	w.mu.Unlock()

	for _, ch := range waiters {
		ch <- flushErr
	}

	handles := make([]logrecord.Handle, len(batch))
	for i, p := range batch {
		handles[i] = p.handle
	}
	w.sink.Deliver(&LoggedRecords{Handles: handles, LogError: flushErr, refs: 1})

	return flushErr
}

// writeBatch appends every record in batch and stamps each one's
// Position with the offset Append actually wrote it at, so later
// readers of the arena record (recovery, backup bookkeeping, tail
// truncation) see a position that matches this record from the moment
// it is durable rather than only after a later recovery scan revisits
// it.
func (w *Writer) writeBatch(batch []pendingRecord) error {
	for _, p := range batch {
		pos, err := w.log.Append(p.bytes)
		if err != nil {
			return errors.Wrapf(err, "physlog: appending record")
		}
		p.rec.Position = pos
	}
	if err := w.log.Flush(); err != nil {
		return errors.Wrapf(err, "physlog: flushing log")
	}
	return nil
}

// TruncateLogTail stops accepting appends, truncates the logical log
// to newTail, and resets the writer's tail state.
func (w *Writer) TruncateLogTail(newTail storage.RecordPosition, resetPsn storage.Psn, resetPhysical logrecord.Handle) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.log.TruncateTail(newTail); err != nil {
		return err
	}
	w.pending = nil
	w.bufferedSize = 0
	w.lastPsn = resetPsn
	w.lastPhysical = resetPhysical
	w.obs.Infow("physlog: tail truncated", "position", newTail)
	return nil
}

// TruncateLogHeadAsync delegates straight to the logical log; there is
// no in-memory chain to rewrite (Design Notes §9 - handles into an
// arena just stop resolving once the arena drops them).
func (w *Writer) TruncateLogHeadAsync(position storage.RecordPosition) error {
	return w.log.TruncateHead(position)
}

// LastPsn reports the most recently assigned PSN, Invalid if nothing
// has been appended yet.
func (w *Writer) LastPsn() storage.Psn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPsn
}

// LastPhysical reports the handle of the most recently appended
// physical record.
func (w *Writer) LastPhysical() logrecord.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastPhysical
}

// Faulted reports the error, if any, that a prior flush tainted this
// writer with; every subsequent flush fails with it until close.
func (w *Writer) Faulted() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.faulted
}

var _ = kind.ErrBufferOverflow // referenced by callers constructing their own overflow errors
