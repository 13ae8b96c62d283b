package vm

import "errors"

// The VM error taxonomy. Every operation on the VM core returns one of
// these (possibly wrapped); internal invariant violations panic instead.
var (
	// ErrInvalidArgs reports misaligned or out-of-range input. Always a
	// caller bug, never retried.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrInvalidAddress reports a non-canonical or out-of-space virtual
	// address.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrOutOfMemory reports frame or page-table-page exhaustion. May be
	// retried after reclamation.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrAlreadyMapped reports an overlapping reservation or a mapping
	// over an existing translation.
	ErrAlreadyMapped = errors.New("already mapped")

	// ErrNotMapped reports a range operation against a translation that
	// does not exist.
	ErrNotMapped = errors.New("not mapped")

	// ErrNotFound reports an operation against a region or object that
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied reports a rights or protection violation. Fatal
	// to the requesting operation.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrBadState reports an operation against an object mid-destruction.
	// The caller must retry against a fresh handle.
	ErrBadState = errors.New("bad state")
)
