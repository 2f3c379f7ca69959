// Package storage holds the byte-level primitives shared by every log
// component: the identifier types from spec.md §3.1 (Lsn, Psn, Epoch,
// TransactionId, RecordPosition), the fixed-size Page buffer used by
// file.Manager's block I/O, and binary helpers. Grounded on the
// teacher's storage/types.go and storage/page.go, generalized from a
// SQL field-value codec into a log-record codec.
package storage

import (
	"encoding/binary"
	"fmt"
)

// Lsn is the Logical Sequence Number assigned by the replication layer.
// It is monotonic across the replica set and defines apply order.
type Lsn int64

// LsnInvalid marks the absence of an Lsn (e.g. a record not yet
// replicated, or "no previous logical record").
const LsnInvalid Lsn = -1

// Psn is the Physical Sequence Number assigned locally, in append
// order, by the PhysicalLogWriter. It is unique within a log lineage.
type Psn int64

// PsnInvalid marks the absence of a Psn.
const PsnInvalid Psn = -1

// RecordPosition is a byte offset into the logical log.
type RecordPosition int64

// PositionInvalid marks the absence of a RecordPosition.
const PositionInvalid RecordPosition = -1

// TransactionId identifies a transaction. Per spec §3.1 the sign bit
// distinguishes real transactions (positive) from atomic operations
// (negative, single-operation pseudo-transactions).
type TransactionId int64

// TransactionIdInvalid marks the absence of a transaction.
const TransactionIdInvalid TransactionId = 0

// IsAtomicOperation reports whether id denotes an atomic operation
// rather than a real multi-operation transaction.
func (id TransactionId) IsAtomicOperation() bool {
	return id < 0
}

// DataLossVersion and ConfigurationVersion compose an Epoch (§3.1).
type (
	DataLossVersion      int64
	ConfigurationVersion int64
)

// Epoch identifies a configuration of the replica set. Epochs are
// ordered lexicographically: first by DataLossVersion, then by
// ConfigurationVersion.
type Epoch struct {
	DataLossVersion      DataLossVersion
	ConfigurationVersion ConfigurationVersion
}

// InvalidEpoch marks the absence of an epoch. It is (-1, -1), not the
// zero value; the genesis records carry the zero-value Epoch{}.
var InvalidEpoch = Epoch{DataLossVersion: -1, ConfigurationVersion: -1}

// Compare returns -1, 0 or 1 as e sorts before, equal to, or after o.
func (e Epoch) Compare(o Epoch) int {
	if e.DataLossVersion != o.DataLossVersion {
		if e.DataLossVersion < o.DataLossVersion {
			return -1
		}
		return 1
	}
	if e.ConfigurationVersion != o.ConfigurationVersion {
		if e.ConfigurationVersion < o.ConfigurationVersion {
			return -1
		}
		return 1
	}
	return 0
}

func (e Epoch) String() string {
	return fmt.Sprintf("(%d,%d)", e.DataLossVersion, e.ConfigurationVersion)
}

// ReplicaId identifies a member of the replica set.
type ReplicaId int64

const (
	// SizeOfInt64 is the encoded width of every fixed-size integer
	// field used by the record codec: Lsn, Psn, RecordPosition,
	// TransactionId and the Epoch components are all encoded as 8
	// bytes, little endian, mirroring the teacher's recordBuffer.
	SizeOfInt64 = 8
	// SizeOfInt32 is the encoded width of 32-bit fields (record type
	// tags, option enums, block lengths).
	SizeOfInt32 = 4
)

// PutInt64 writes v into dst[0:8], little endian.
func PutInt64(dst []byte, v int64) {
	binary.LittleEndian.PutUint64(dst, uint64(v))
}

// GetInt64 reads an 8 byte little-endian integer from src[0:8].
func GetInt64(src []byte) int64 {
	return int64(binary.LittleEndian.Uint64(src))
}

// PutInt32 writes v into dst[0:4], little endian.
func PutInt32(dst []byte, v int32) {
	binary.LittleEndian.PutUint32(dst, uint32(v))
}

// GetInt32 reads a 4 byte little-endian integer from src[0:4].
func GetInt32(src []byte) int32 {
	return int32(binary.LittleEndian.Uint32(src))
}
