// Package kind defines the typed error sentinels surfaced to callers of
// the replicator (spec §6.6, §7). Components wrap one of these with
// github.com/cockroachdb/errors so callers can still recover the kind
// with errors.Is while getting a stack trace and contextual message.
package kind

import "github.com/cockroachdb/errors"

var (
	// ErrMissingFullBackup is returned when a backup folder chain has no
	// full backup at its root.
	ErrMissingFullBackup = errors.New("missing full backup")

	// ErrInvalidOperation is returned when a caller asks for something
	// the current state machine forbids (e.g. appending after Closed).
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrCorruption is returned when a checksum or structural invariant
	// of the log or a backup log is violated.
	ErrCorruption = errors.New("internal database corruption")

	// ErrBufferOverflow is returned when a record does not fit any
	// configured buffer/page.
	ErrBufferOverflow = errors.New("buffer overflow")

	// ErrNotPrimary is returned by operations that require the primary
	// role when invoked on a secondary.
	ErrNotPrimary = errors.New("not primary")

	// ErrServiceTooBusy is returned when the write path is throttled.
	ErrServiceTooBusy = errors.New("service too busy")

	// ErrObjectClosed is returned after Close has been called.
	ErrObjectClosed = errors.New("object closed")

	// ErrCancelled wraps context cancellation.
	ErrCancelled = errors.New("cancelled")

	// ErrNotFound is returned when a requested record/file/range does
	// not exist.
	ErrNotFound = errors.New("not found")

	// ErrNameCollision is returned when a backup id or file name already
	// exists where a unique one was expected.
	ErrNameCollision = errors.New("name collision")

	// ErrNotImplemented marks a path the spec calls out as unreachable
	// or intentionally unimplemented (e.g. the "Retained" primary
	// status transition).
	ErrNotImplemented = errors.New("not implemented")

	// ErrBackupTooLarge is returned when an incremental backup would
	// exceed its configured size ratio against the full backup it
	// chains from, forcing the caller to take a fresh full backup
	// instead.
	ErrBackupTooLarge = errors.New("incremental backup too large relative to full backup")
)

// Wrap annotates err with msg while preserving errors.Is(err, sentinel).
func Wrap(sentinel error, msg string) error {
	return errors.Wrap(sentinel, msg)
}

// Wrapf is the formatted variant of Wrap.
func Wrapf(sentinel error, format string, args ...any) error {
	return errors.Wrapf(sentinel, format, args...)
}
