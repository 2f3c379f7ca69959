// Package logrecord implements the tagged-sum log record model: the
// thirteen record variants that flow through the physical and logical
// log, and the arena that owns them behind non-owning integer handles
// so back-references (PreviousPhysicalRecord, LinkedPhysicalRecord,
// the BeginTransaction a given EndTransaction closes) never need a
// cyclic pointer graph.
//
// Grounded on the teacher's tx/logrecord.go (recordBuffer, the txType
// enum and createLogRecord factory), tx/checkpoint.go, tx/commit.go,
// tx/rollback.go and tx/logcopy.go, generalized from the teacher's six
// SQL-transaction record kinds to the thirteen kinds this log carries.
package logrecord

import (
	"time"

	"github.com/google/uuid"

	"github.com/luigitni/logreplicator/storage"
)

// Type discriminates the thirteen record variants (§3.2).
type Type int32

const (
	Invalid Type = iota
	Indexing
	UpdateEpoch
	Barrier
	BeginTransaction
	Operation
	EndTransaction
	BeginCheckpoint
	EndCheckpoint
	CompleteCheckpoint
	TruncateHead
	TruncateTail
	Information
	Backup
)

func (t Type) String() string {
	switch t {
	case Indexing:
		return "Indexing"
	case UpdateEpoch:
		return "UpdateEpoch"
	case Barrier:
		return "Barrier"
	case BeginTransaction:
		return "BeginTransaction"
	case Operation:
		return "Operation"
	case EndTransaction:
		return "EndTransaction"
	case BeginCheckpoint:
		return "BeginCheckpoint"
	case EndCheckpoint:
		return "EndCheckpoint"
	case CompleteCheckpoint:
		return "CompleteCheckpoint"
	case TruncateHead:
		return "TruncateHead"
	case TruncateTail:
		return "TruncateTail"
	case Information:
		return "Information"
	case Backup:
		return "Backup"
	default:
		return "Invalid"
	}
}

// IsPhysical reports whether t carries a PreviousPhysicalRecord chain
// link and a LinkedPhysicalRecord field.
func (t Type) IsPhysical() bool {
	switch t {
	case Indexing, BeginCheckpoint, EndCheckpoint, CompleteCheckpoint, TruncateHead, Information:
		return true
	default:
		return false
	}
}

// IsLogical reports whether t participates in the logical/transaction
// chain via PreviousLogicalLsn.
func (t Type) IsLogical() bool {
	return !t.IsPhysical()
}

// Header carries the fields every record variant has, per §3.2: type,
// LSN, PSN, byte position and the physical back-chain link. Physical
// and logical records additionally carry the fields in PhysicalLinks
// and LogicalLinks respectively.
type Header struct {
	Type     Type
	Lsn      storage.Lsn
	Psn      storage.Psn
	Position storage.RecordPosition

	// PreviousPhysicalRecord is a handle into the arena identifying the
	// physical record immediately preceding this one in append order.
	// Every record, physical or logical, carries this link (I3).
	PreviousPhysicalRecord Handle
}

// PhysicalLinks holds the fields a physical record carries in addition
// to Header.
type PhysicalLinks struct {
	// LinkedPhysicalRecord is an additional physical back-reference
	// whose meaning is variant-specific (EndCheckpoint -> its
	// BeginCheckpoint, TruncateHead -> the new head Indexing record,
	// CompleteCheckpoint -> its EndCheckpoint).
	LinkedPhysicalRecord Handle
}

// LogicalLinks holds the fields a logical record carries in addition
// to Header: enough to rebuild the transaction chain without chasing
// a cyclic pointer graph.
type LogicalLinks struct {
	TxId storage.TransactionId
	// PreviousLogicalLsn is the handle of the previous logical record
	// belonging to the same transaction, or InvalidHandle for the
	// first record of a transaction.
	PreviousLogicalLsn Handle
}

// Record is the tagged sum: Header plus the links relevant to its
// Type, plus a Body holding the variant-specific payload. Body is one
// of the *Payload types below, chosen by Type - callers type-switch on
// it the same way the teacher's logRecord implementations switched on
// txType.
type Record struct {
	Header
	Physical PhysicalLinks
	Logical  LogicalLinks
	Body     any
}

// IndexingPayload marks the starting point of a log region.
type IndexingPayload struct {
	Epoch storage.Epoch
}

// UpdateEpochPayload records an epoch change. Per §3.2 its Header.Lsn
// is set to PreviousEpochLastLsn, not a freshly assigned LSN.
type UpdateEpochPayload struct {
	PreviousEpochLastLsn storage.Lsn
	NewEpoch             storage.Epoch
}

// BarrierPayload fences apply order and carries the stable LSN known
// at emission time.
type BarrierPayload struct {
	LastStableLsn storage.Lsn
}

// BeginTransactionPayload opens a transaction.
type BeginTransactionPayload struct {
	SingleOperation bool
}

// OperationPayload carries the redo/undo bytes for one operation
// inside a transaction or atomic operation. The contents are opaque
// to the log engine - they belong to the state-provider manager.
type OperationPayload struct {
	Redo []byte
	Undo []byte
}

// EndTransactionPayload commits or aborts a transaction.
type EndTransactionPayload struct {
	Commit bool
	// BeginRecord is the handle of this transaction's BeginTransaction
	// record, so recovery and truncation can walk the chain without a
	// back-pointer embedded in the Begin record itself.
	BeginRecord Handle
}

// CheckpointState is the per-checkpoint state machine (§4.6):
// Invalid -> Ready -> Applied -> Completed, with Faulted/Aborted side
// branches reachable from any pre-completion state.
type CheckpointState int32

const (
	CheckpointInvalid CheckpointState = iota
	CheckpointReady
	CheckpointApplied
	CheckpointCompleted
	CheckpointFaulted
	CheckpointAborted
)

func (s CheckpointState) String() string {
	switch s {
	case CheckpointReady:
		return "Ready"
	case CheckpointApplied:
		return "Applied"
	case CheckpointCompleted:
		return "Completed"
	case CheckpointFaulted:
		return "Faulted"
	case CheckpointAborted:
		return "Aborted"
	default:
		return "Invalid"
	}
}

// ProgressVectorEntry is one entry of a ProgressVector (§3.3).
type ProgressVectorEntry struct {
	Epoch     storage.Epoch
	Lsn       storage.Lsn
	ReplicaId storage.ReplicaId
	Timestamp time.Time
}

// BeginCheckpointPayload snapshots enough state to resume a
// checkpoint: the progress vector, the earliest pending transaction's
// absolute log position (storage.PositionInvalid if none was pending),
// and a pointer to the last completed backup record.
type BeginCheckpointPayload struct {
	ProgressVector            []ProgressVectorEntry
	EarliestPendingTxPosition storage.RecordPosition
	LastCompletedBackupRecord storage.RecordPosition
}

// EndCheckpointPayload completes checkpoint phase 1.
type EndCheckpointPayload struct {
	BeginCheckpointRecord Handle
	LogHeadPosition       storage.RecordPosition
}

// CompleteCheckpointPayload completes checkpoint phase 2.
type CompleteCheckpointPayload struct {
	EndCheckpointRecord Handle
}

// TruncateHeadPayload names the Indexing record that becomes the new
// log head.
type TruncateHeadPayload struct {
	NewHeadIndexingRecord Handle
}

// TruncateTailPayload records a secondary's false-progress tail
// truncation point.
type TruncateTailPayload struct {
	TailLsn storage.Lsn
}

// InformationEvent enumerates the lifecycle markers an Information
// record carries.
type InformationEvent int32

const (
	InformationInvalid InformationEvent = iota
	Recovered
	PrimarySwap
	Closed
	RemovingState
	ReplicationFinished
)

func (e InformationEvent) String() string {
	switch e {
	case Recovered:
		return "Recovered"
	case PrimarySwap:
		return "PrimarySwap"
	case Closed:
		return "Closed"
	case RemovingState:
		return "RemovingState"
	case ReplicationFinished:
		return "ReplicationFinished"
	default:
		return "Invalid"
	}
}

// InformationPayload carries one lifecycle marker.
type InformationPayload struct {
	Event InformationEvent
}

// BackupOption distinguishes a full backup from an incremental one.
type BackupOption int32

const (
	Full BackupOption = iota
	Incremental
)

// BackupPayload records the identity of the last-completed backup.
type BackupPayload struct {
	BackupId       uuid.UUID
	ParentBackupId uuid.UUID
	Epoch          storage.Epoch
	Lsn            storage.Lsn
	Option         BackupOption
}
