package logrecord

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/luigitni/logreplicator/storage"
)

// TestRoundTripEveryVariant is the L1 property: Encode then Decode
// yields a structurally equal record for every one of the thirteen
// variants.
func TestRoundTripEveryVariant(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()

	cases := []*Record{
		{
			Header: Header{Type: Indexing, Lsn: 0, Psn: 0, PreviousPhysicalRecord: InvalidHandle},
			Body:   &IndexingPayload{Epoch: storage.Epoch{DataLossVersion: 1, ConfigurationVersion: 2}},
		},
		{
			Header: Header{Type: UpdateEpoch, Lsn: 0, Psn: 1, PreviousPhysicalRecord: 0},
			Logical: LogicalLinks{TxId: 0, PreviousLogicalLsn: InvalidHandle},
			Body:    &UpdateEpochPayload{PreviousEpochLastLsn: 0, NewEpoch: storage.Epoch{DataLossVersion: 0, ConfigurationVersion: 1}},
		},
		{
			Header:  Header{Type: Barrier, Lsn: 1, Psn: 2, PreviousPhysicalRecord: 0},
			Logical: LogicalLinks{PreviousLogicalLsn: InvalidHandle},
			Body:    &BarrierPayload{LastStableLsn: 0},
		},
		{
			Header:  Header{Type: BeginTransaction, Lsn: 2, Psn: 3, PreviousPhysicalRecord: 0},
			Logical: LogicalLinks{TxId: 5, PreviousLogicalLsn: InvalidHandle},
			Body:    &BeginTransactionPayload{SingleOperation: false},
		},
		{
			Header:  Header{Type: Operation, Lsn: 3, Psn: 4, PreviousPhysicalRecord: 0},
			Logical: LogicalLinks{TxId: 5, PreviousLogicalLsn: 3},
			Body:    &OperationPayload{Redo: []byte("redo-bytes"), Undo: []byte("undo-bytes")},
		},
		{
			Header:  Header{Type: EndTransaction, Lsn: 4, Psn: 5, PreviousPhysicalRecord: 0},
			Logical: LogicalLinks{TxId: 5, PreviousLogicalLsn: 4},
			Body:    &EndTransactionPayload{Commit: true, BeginRecord: 3},
		},
		{
			Header:   Header{Type: BeginCheckpoint, Lsn: 4, Psn: 6, PreviousPhysicalRecord: 0},
			Physical: PhysicalLinks{LinkedPhysicalRecord: InvalidHandle},
			Body: &BeginCheckpointPayload{
				ProgressVector: []ProgressVectorEntry{
					{Epoch: storage.Epoch{DataLossVersion: 0, ConfigurationVersion: 1}, Lsn: 4, ReplicaId: 1, Timestamp: now},
				},
				EarliestPendingTxPosition:   storage.RecordPosition(100),
				LastCompletedBackupRecord: storage.RecordPosition(0),
			},
		},
		{
			Header:   Header{Type: EndCheckpoint, Lsn: 4, Psn: 7, PreviousPhysicalRecord: 6},
			Physical: PhysicalLinks{LinkedPhysicalRecord: 6},
			Body:     &EndCheckpointPayload{BeginCheckpointRecord: 6, LogHeadPosition: storage.RecordPosition(50)},
		},
		{
			Header:   Header{Type: CompleteCheckpoint, Lsn: 4, Psn: 8, PreviousPhysicalRecord: 7},
			Physical: PhysicalLinks{LinkedPhysicalRecord: 7},
			Body:     &CompleteCheckpointPayload{EndCheckpointRecord: 7},
		},
		{
			Header:   Header{Type: TruncateHead, Lsn: 4, Psn: 9, PreviousPhysicalRecord: 8},
			Physical: PhysicalLinks{LinkedPhysicalRecord: 0},
			Body:     &TruncateHeadPayload{NewHeadIndexingRecord: 0},
		},
		{
			Header:  Header{Type: TruncateTail, Lsn: 7, Psn: 10, PreviousPhysicalRecord: 8},
			Logical: LogicalLinks{PreviousLogicalLsn: InvalidHandle},
			Body:    &TruncateTailPayload{TailLsn: 7},
		},
		{
			Header:   Header{Type: Information, Lsn: 7, Psn: 11, PreviousPhysicalRecord: 8},
			Physical: PhysicalLinks{LinkedPhysicalRecord: InvalidHandle},
			Body:     &InformationPayload{Event: Recovered},
		},
		{
			Header:  Header{Type: Backup, Lsn: 7, Psn: 12, PreviousPhysicalRecord: 8},
			Logical: LogicalLinks{PreviousLogicalLsn: InvalidHandle},
			Body: &BackupPayload{
				BackupId:       uuid.New(),
				ParentBackupId: uuid.Nil,
				Epoch:          storage.Epoch{DataLossVersion: 0, ConfigurationVersion: 1},
				Lsn:            7,
				Option:         Full,
			},
		},
	}

	for _, want := range cases {
		t.Run(want.Type.String(), func(t *testing.T) {
			encoded := Encode(want)
			got, err := Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, want, got)
		})
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	buf := newWriteBuffer(4)
	buf.writeInt32(99)
	_, err := Decode(buf.bytes[:buf.offset])
	require.Error(t, err)
}
