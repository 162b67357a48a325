// Package defs holds the types shared by every virtual-memory
// subsystem: addresses, permissions, cache policy and the error
// taxonomy used in place of the boolean/errno conventions the core
// used to rely on.
package defs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure from the core. It is the typed replacement
// for the mixed result/option and boolean-success conventions described
// in the design notes: every place that used to signal failure with a
// bool or a negative errno now returns an *Error with one of these
// Kinds.
type Kind int

const (
	// InvalidArgument covers misaligned addresses, zero sizes, unknown
	// ids and permissions that exceed a ceiling.
	InvalidArgument Kind = iota + 1
	// OutOfMemory covers frame-allocator exhaustion and failure to find
	// a free virtual range.
	OutOfMemory
	// Overlap is returned when a VMA insert would overlap an existing
	// VMA.
	Overlap
	// AlreadyMapped is returned when a shared region is already bound
	// to a process that requires exclusive binding.
	AlreadyMapped
	// ResourceBusy is returned when destroy is requested while a
	// region's refcount is still positive.
	ResourceBusy
	// PermissionDenied is returned when a fault's access type is
	// incompatible with the covering VMA's permissions and the access
	// is not a copy-on-write case.
	PermissionDenied
	// SegmentationFault is returned when a fault address has no
	// covering VMA.
	SegmentationFault
	// MemoryMapFailed is returned when the paging port rejects an
	// install after other setup has already succeeded; it always
	// triggers a rollback of that setup.
	MemoryMapFailed
	// Io is returned when a filesystem or transport read/write fails
	// during materialization.
	Io
	// NotFound is returned when an id or vaddr is absent.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "InvalidArgument"
	case OutOfMemory:
		return "OutOfMemory"
	case Overlap:
		return "Overlap"
	case AlreadyMapped:
		return "AlreadyMapped"
	case ResourceBusy:
		return "ResourceBusy"
	case PermissionDenied:
		return "PermissionDenied"
	case SegmentationFault:
		return "SegmentationFault"
	case MemoryMapFailed:
		return "MemoryMapFailed"
	case Io:
		return "Io"
	case NotFound:
		return "NotFound"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the single error type every subsystem in this module
// returns. Op names the failing operation (e.g. "addrspace.Map"), Kind
// is one of the taxonomy values above, and the wrapped cause (when
// present) carries a stack trace courtesy of github.com/pkg/errors so
// that Io failures originating in a collaborator (filesystem, remote
// transport) are diagnosable from the kernel log.
type Error struct {
	Op    string
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// callers can write errors.Is(err, defs.E(defs.NotFound, "", nil)) or,
// more conveniently, use the Is* helpers below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// E constructs a new *Error. cause may be nil.
func E(kind Kind, op string, cause error) *Error {
	return &Error{Op: op, Kind: kind, Cause: cause}
}

// Wrap constructs a new *Error whose cause is annotated with a stack
// trace via github.com/pkg/errors. Used at collaborator boundaries
// (filesystem reads, remote transport) where the original error has no
// trace of its own.
func Wrap(kind Kind, op string, cause error) *Error {
	if cause == nil {
		return E(kind, op, nil)
	}
	return &Error{Op: op, Kind: kind, Cause: errors.Wrap(cause, op)}
}

// Is reports whether err is a *defs.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
