package replicator

import (
	"github.com/luigitni/logreplicator/backup"
	"github.com/luigitni/logreplicator/copystream"
	"github.com/luigitni/logreplicator/physlog"
	"github.com/luigitni/logreplicator/storage"
	"github.com/luigitni/logreplicator/trunc"
)

// Config bundles every external tunable a LoggingReplicator needs.
// Configuration loading itself is out of scope (spec.md §1); the
// caller is responsible for populating this from whatever source it
// has (flags, env, a config file) and passing it to New.
type Config struct {
	// WorkDir is the root directory file.Manager opens for the
	// current/copy/backup log files and the restore token.
	WorkDir string

	// BlockSize is the page size file.Manager uses for the logical log.
	BlockSize int64

	ReplicaID storage.ReplicaId

	Physlog physlog.Config
	Trunc   trunc.Config
	Copy    copystream.Config
	Backup  backup.Config
}
