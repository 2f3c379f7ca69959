// Package transport defines the boundary contract toward the
// lower-level inter-replica transport (spec.md §1: "exposes
// ReplicateAndLog, UpdateEpoch, StateReplicator, copy context/state
// streams"). Only out-of-scope interfaces live here.
package transport

import (
	"context"

	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/storage"
)

// ReplicateResult is what the transport hands back once it has
// assigned an Lsn and started replicating a logical record to the
// secondary set.
type ReplicateResult struct {
	Lsn storage.Lsn
	// Done completes when the operation is acknowledged by the
	// configured write quorum; callers that don't need to wait for
	// replication (only local durability) can ignore it.
	Done <-chan error
}

// Replicator is the lower-level transport collaborator. The primary
// path of replog.Manager calls ReplicateAndLog to get an Lsn assigned
// before buffering the record locally.
type Replicator interface {
	// ReplicateAndLog assigns rec.Lsn and begins replicating it to the
	// configured secondary set.
	ReplicateAndLog(ctx context.Context, rec *logrecord.Record) (ReplicateResult, error)

	// UpdateEpoch notifies the transport of a new epoch taking effect.
	UpdateEpoch(ctx context.Context, e storage.Epoch) error

	// StateReplicator returns a handle usable to stream copy/backup
	// packets to a specific replica, identified by ReplicaId.
	StateReplicator(replica storage.ReplicaId) (StateReplicatorHandle, error)
}

// StateReplicatorHandle is the write side of a copy/build stream
// toward one target replica; copystream.Producer writes through it.
type StateReplicatorHandle interface {
	SendCopyContext(ctx context.Context, payload []byte) error
	SendCopyState(ctx context.Context, payload []byte) error
	SendCopyLog(ctx context.Context, payload []byte) error
	Close() error
}
