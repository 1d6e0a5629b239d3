// Package rerr defines the closed set of error kinds used across the
// runner so callers can classify failures without string matching.
package rerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds from the runner's error handling design.
type Kind int

const (
	// KindUnknown is never returned deliberately; its presence on a Classify
	// result means the error was not produced by this package.
	KindUnknown Kind = iota
	KindUnsafePath
	KindDirtyWorktree
	KindBranchConflict
	KindNotAuthorized
	KindDeviceMismatch
	KindReplayedNonce
	KindTTLExpired
	KindAlreadyLeased
	KindLeaseLost
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindUnsafePath:
		return "UnsafePath"
	case KindDirtyWorktree:
		return "DirtyWorktree"
	case KindBranchConflict:
		return "BranchConflict"
	case KindNotAuthorized:
		return "NotAuthorized"
	case KindDeviceMismatch:
		return "DeviceMismatch"
	case KindReplayedNonce:
		return "ReplayedNonce"
	case KindTTLExpired:
		return "TTLExpired"
	case KindAlreadyLeased:
		return "AlreadyLeased"
	case KindLeaseLost:
		return "LeaseLost"
	case KindTransient:
		return "Transient"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Retryable reports whether this kind should be retried with backoff
// before escalating to Fatal.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error wraps an underlying error with a classification kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error, wrapping err.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a classified error from a format string.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Classify returns the Kind attached to err, or KindUnknown if err was
// not produced by this package (directly or wrapped).
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Classify(err) == kind
}
