// Package statemgr defines the boundary contract toward the
// user-facing state-provider manager (spec.md §1: "Explicitly out of
// scope... opaque; exposes Apply/Unlock/PrepareCheckpoint/
// PerformCheckpoint/CompleteCheckpoint"). No implementation lives
// here - only the interface every component in this module programs
// against. The test fakes live beside the tests that use them.
package statemgr

import (
	"context"

	"github.com/luigitni/logreplicator/logrecord"
	"github.com/luigitni/logreplicator/storage"
)

// ApplyContext carries everything the state-provider manager needs to
// apply or undo one logical record.
type ApplyContext struct {
	Lsn         storage.Lsn
	TxId        storage.TransactionId
	Type        logrecord.Type
	Redo        []byte
	Undo        []byte
	FalseProgress bool
}

// StateProvider is the opaque collaborator every component in this
// module calls into but never implements. Concrete payload semantics
// and serialization are out of scope per spec.md §1 Non-goals.
type StateProvider interface {
	// Apply performs redo (normal replay) or undo (FalseProgress=true,
	// used by TruncateTailManager) for one record.
	Apply(ctx context.Context, ac ApplyContext) error

	// Unlock is invoked exactly once after a successful Apply, per I7.
	Unlock(ctx context.Context, ac ApplyContext) error

	// PrepareCheckpoint is phase 1 of a state-provider checkpoint,
	// taken at a given LSN under the state-manager-API lock.
	PrepareCheckpoint(ctx context.Context, lsn storage.Lsn) error

	// PerformCheckpoint is phase 2: the actual state snapshot.
	PerformCheckpoint(ctx context.Context) error

	// CompleteCheckpointAsync finalizes a checkpoint once the
	// EndCheckpoint record is durable.
	CompleteCheckpointAsync(ctx context.Context) error

	// StreamStateAsync streams the provider's current state as a
	// sequence of opaque chunks via emit, used by CopyStream to build a
	// new replica over the wire (as opposed to BackupAsync, which
	// writes chunks to a folder).
	StreamStateAsync(ctx context.Context, emit func(chunk []byte) error) error

	// ApplyStateChunkAsync is the receive-side dual of
	// StreamStateAsync: it absorbs one chunk of a building replica's
	// state transfer. Distinct from RestoreAsync, which rehydrates from
	// a backup folder rather than an in-flight wire stream.
	ApplyStateChunkAsync(ctx context.Context, chunk []byte) error

	// BackupAsync streams the provider's state into the given folder
	// for a full backup.
	BackupAsync(ctx context.Context, folder string) error

	// RestoreAsync rehydrates state from a backup folder.
	RestoreAsync(ctx context.Context, folder string) error
}
