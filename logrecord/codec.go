package logrecord

import (
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/luigitni/logreplicator/kind"
	"github.com/luigitni/logreplicator/storage"
)

// recordBuffer is a cursor over a growable/readable byte slice,
// grounded on the teacher's tx/logrecord.go recordBuffer: every field
// is a fixed-width little-endian integer or a length-prefixed blob.
type recordBuffer struct {
	offset int
	bytes  []byte
}

func newWriteBuffer(capacity int) *recordBuffer {
	return &recordBuffer{bytes: make([]byte, capacity)}
}

func newReadBuffer(b []byte) *recordBuffer {
	return &recordBuffer{bytes: b}
}

func (r *recordBuffer) grow(n int) {
	for r.offset+n > len(r.bytes) {
		r.bytes = append(r.bytes, 0)
	}
}

func (r *recordBuffer) writeInt64(v int64) {
	r.grow(storage.SizeOfInt64)
	storage.PutInt64(r.bytes[r.offset:], v)
	r.offset += storage.SizeOfInt64
}

func (r *recordBuffer) writeInt32(v int32) {
	r.grow(storage.SizeOfInt32)
	storage.PutInt32(r.bytes[r.offset:], v)
	r.offset += storage.SizeOfInt32
}

func (r *recordBuffer) writeBool(v bool) {
	if v {
		r.writeInt32(1)
	} else {
		r.writeInt32(0)
	}
}

func (r *recordBuffer) writeBytes(v []byte) {
	r.writeInt32(int32(len(v)))
	r.grow(len(v))
	copy(r.bytes[r.offset:], v)
	r.offset += len(v)
}

func (r *recordBuffer) writeUUID(v uuid.UUID) {
	b := v[:]
	r.grow(len(b))
	copy(r.bytes[r.offset:], b)
	r.offset += len(b)
}

func (r *recordBuffer) readInt64() int64 {
	v := storage.GetInt64(r.bytes[r.offset:])
	r.offset += storage.SizeOfInt64
	return v
}

func (r *recordBuffer) readInt32() int32 {
	v := storage.GetInt32(r.bytes[r.offset:])
	r.offset += storage.SizeOfInt32
	return v
}

func (r *recordBuffer) readBool() bool {
	return r.readInt32() != 0
}

func (r *recordBuffer) readBytes() []byte {
	n := int(r.readInt32())
	b := make([]byte, n)
	copy(b, r.bytes[r.offset:r.offset+n])
	r.offset += n
	return b
}

func (r *recordBuffer) readUUID() uuid.UUID {
	var u uuid.UUID
	copy(u[:], r.bytes[r.offset:r.offset+len(u)])
	r.offset += len(u)
	return u
}

func (r *recordBuffer) writeEpoch(e storage.Epoch) {
	r.writeInt64(int64(e.DataLossVersion))
	r.writeInt64(int64(e.ConfigurationVersion))
}

func (r *recordBuffer) readEpoch() storage.Epoch {
	return storage.Epoch{
		DataLossVersion:      storage.DataLossVersion(r.readInt64()),
		ConfigurationVersion: storage.ConfigurationVersion(r.readInt64()),
	}
}

// Encode serializes rec's header links and variant body into a single
// byte slice, written length-prefixed by the caller (PhysicalLogWriter
// / BackupLogFile). Encode does not write rec.Position: the position
// is a property of where the bytes land in the log, not of the record
// itself.
func Encode(rec *Record) []byte {
	buf := newWriteBuffer(64)
	buf.writeInt32(int32(rec.Type))
	buf.writeInt64(int64(rec.Lsn))
	buf.writeInt64(int64(rec.Psn))
	buf.writeInt64(int64(rec.PreviousPhysicalRecord))

	if rec.Type.IsPhysical() {
		buf.writeInt64(int64(rec.Physical.LinkedPhysicalRecord))
	}
	if rec.Type.IsLogical() {
		buf.writeInt64(int64(rec.Logical.TxId))
		buf.writeInt64(int64(rec.Logical.PreviousLogicalLsn))
	}

	writeBody(buf, rec)
	return buf.bytes[:buf.offset]
}

func writeBody(buf *recordBuffer, rec *Record) {
	switch b := rec.Body.(type) {
	case *IndexingPayload:
		buf.writeEpoch(b.Epoch)
	case *UpdateEpochPayload:
		buf.writeInt64(int64(b.PreviousEpochLastLsn))
		buf.writeEpoch(b.NewEpoch)
	case *BarrierPayload:
		buf.writeInt64(int64(b.LastStableLsn))
	case *BeginTransactionPayload:
		buf.writeBool(b.SingleOperation)
	case *OperationPayload:
		buf.writeBytes(b.Redo)
		buf.writeBytes(b.Undo)
	case *EndTransactionPayload:
		buf.writeBool(b.Commit)
		buf.writeInt64(int64(b.BeginRecord))
	case *BeginCheckpointPayload:
		buf.writeInt32(int32(len(b.ProgressVector)))
		for _, e := range b.ProgressVector {
			buf.writeEpoch(e.Epoch)
			buf.writeInt64(int64(e.Lsn))
			buf.writeInt64(int64(e.ReplicaId))
			buf.writeInt64(e.Timestamp.UnixNano())
		}
		buf.writeInt64(int64(b.EarliestPendingTxPosition))
		buf.writeInt64(int64(b.LastCompletedBackupRecord))
	case *EndCheckpointPayload:
		buf.writeInt64(int64(b.BeginCheckpointRecord))
		buf.writeInt64(int64(b.LogHeadPosition))
	case *CompleteCheckpointPayload:
		buf.writeInt64(int64(b.EndCheckpointRecord))
	case *TruncateHeadPayload:
		buf.writeInt64(int64(b.NewHeadIndexingRecord))
	case *TruncateTailPayload:
		buf.writeInt64(int64(b.TailLsn))
	case *InformationPayload:
		buf.writeInt32(int32(b.Event))
	case *BackupPayload:
		buf.writeUUID(b.BackupId)
		buf.writeUUID(b.ParentBackupId)
		buf.writeEpoch(b.Epoch)
		buf.writeInt64(int64(b.Lsn))
		buf.writeInt32(int32(b.Option))
	default:
		panic(errors.AssertionFailedf("logrecord: unknown body type %T for %s", rec.Body, rec.Type))
	}
}

// Decode parses the bytes previously produced by Encode back into a
// Record. Position is left zero; the caller (the log reader) fills it
// in from the byte offset it read the record at.
func Decode(b []byte) (*Record, error) {
	buf := newReadBuffer(b)

	rec := &Record{}
	rec.Type = Type(buf.readInt32())
	if rec.Type <= Invalid || rec.Type > Backup {
		return nil, errors.Wrapf(kind.ErrCorruption, "logrecord: invalid record type tag %d", rec.Type)
	}
	rec.Lsn = storage.Lsn(buf.readInt64())
	rec.Psn = storage.Psn(buf.readInt64())
	rec.PreviousPhysicalRecord = Handle(buf.readInt64())

	if rec.Type.IsPhysical() {
		rec.Physical.LinkedPhysicalRecord = Handle(buf.readInt64())
	}
	if rec.Type.IsLogical() {
		rec.Logical.TxId = storage.TransactionId(buf.readInt64())
		rec.Logical.PreviousLogicalLsn = Handle(buf.readInt64())
	}

	body, err := readBody(buf, rec.Type)
	if err != nil {
		return nil, err
	}
	rec.Body = body
	return rec, nil
}

func readBody(buf *recordBuffer, t Type) (any, error) {
	switch t {
	case Indexing:
		return &IndexingPayload{Epoch: buf.readEpoch()}, nil
	case UpdateEpoch:
		return &UpdateEpochPayload{
			PreviousEpochLastLsn: storage.Lsn(buf.readInt64()),
			NewEpoch:             buf.readEpoch(),
		}, nil
	case Barrier:
		return &BarrierPayload{LastStableLsn: storage.Lsn(buf.readInt64())}, nil
	case BeginTransaction:
		return &BeginTransactionPayload{SingleOperation: buf.readBool()}, nil
	case Operation:
		redo := buf.readBytes()
		undo := buf.readBytes()
		return &OperationPayload{Redo: redo, Undo: undo}, nil
	case EndTransaction:
		commit := buf.readBool()
		return &EndTransactionPayload{Commit: commit, BeginRecord: Handle(buf.readInt64())}, nil
	case BeginCheckpoint:
		n := int(buf.readInt32())
		pv := make([]ProgressVectorEntry, n)
		for i := range pv {
			pv[i].Epoch = buf.readEpoch()
			pv[i].Lsn = storage.Lsn(buf.readInt64())
			pv[i].ReplicaId = storage.ReplicaId(buf.readInt64())
			pv[i].Timestamp = unixNano(buf.readInt64())
		}
		return &BeginCheckpointPayload{
			ProgressVector:            pv,
			EarliestPendingTxPosition:   storage.RecordPosition(buf.readInt64()),
			LastCompletedBackupRecord: storage.RecordPosition(buf.readInt64()),
		}, nil
	case EndCheckpoint:
		return &EndCheckpointPayload{
			BeginCheckpointRecord: Handle(buf.readInt64()),
			LogHeadPosition:       storage.RecordPosition(buf.readInt64()),
		}, nil
	case CompleteCheckpoint:
		return &CompleteCheckpointPayload{EndCheckpointRecord: Handle(buf.readInt64())}, nil
	case TruncateHead:
		return &TruncateHeadPayload{NewHeadIndexingRecord: Handle(buf.readInt64())}, nil
	case TruncateTail:
		return &TruncateTailPayload{TailLsn: storage.Lsn(buf.readInt64())}, nil
	case Information:
		return &InformationPayload{Event: InformationEvent(buf.readInt32())}, nil
	case Backup:
		return &BackupPayload{
			BackupId:       buf.readUUID(),
			ParentBackupId: buf.readUUID(),
			Epoch:          buf.readEpoch(),
			Lsn:            storage.Lsn(buf.readInt64()),
			Option:         BackupOption(buf.readInt32()),
		}, nil
	default:
		return nil, errors.Wrapf(kind.ErrCorruption, "logrecord: unhandled record type %s", t)
	}
}
