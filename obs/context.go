// Package obs carries the ambient logging context through every
// component constructor in the replicator, rather than relying on a
// package-level singleton logger.
package obs

import "go.uber.org/zap"

// Context bundles everything a component needs to log and correlate its
// output with a specific replica and partition. It is passed by value;
// callers derive scoped children with With.
type Context struct {
	log         *zap.SugaredLogger
	ReplicaID   int64
	PartitionID string
}

// New builds a root Context around the given logger.
func New(logger *zap.SugaredLogger, replicaID int64, partitionID string) Context {
	return Context{
		log:         logger.With("replicaId", replicaID, "partitionId", partitionID),
		ReplicaID:   replicaID,
		PartitionID: partitionID,
	}
}

// NewNop returns a Context that discards all log output, for tests.
func NewNop() Context {
	return New(zap.NewNop().Sugar(), 0, "")
}

// With returns a child Context whose logger carries the given extra
// structured fields. The parent is left untouched.
func (c Context) With(args ...any) Context {
	c.log = c.log.With(args...)
	return c
}

func (c Context) Debugw(msg string, kv ...any) { c.log.Debugw(msg, kv...) }
func (c Context) Infow(msg string, kv ...any)  { c.log.Infow(msg, kv...) }
func (c Context) Warnw(msg string, kv ...any)  { c.log.Warnw(msg, kv...) }
func (c Context) Errorw(msg string, kv ...any) { c.log.Errorw(msg, kv...) }

// Logger exposes the underlying sugared logger for components that need
// to derive further scoped children (e.g. per-transaction fields).
func (c Context) Logger() *zap.SugaredLogger { return c.log }
