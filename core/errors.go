package core

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for callers.
type Kind int

const (
	// KindUnknown is reported for errors that carry no kind.
	KindUnknown Kind = iota
	// KindInvalidArgument is a caller error: malformed input.
	KindInvalidArgument
	// KindNotFound means the requested entity does not exist.
	KindNotFound
	// KindDeadlineExceeded means a collaborator or search ran out of time.
	KindDeadlineExceeded
	// KindInternal is an invariant violation inside the service.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindNotFound:
		return "NotFound"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

var (
	// ErrDimensionMismatch is returned when a vector length differs from the index dimension.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrDuplicateID is returned when an item id is already present.
	ErrDuplicateID = errors.New("duplicate item id")
	// ErrInvalidK is returned when k is not positive.
	ErrInvalidK = errors.New("k must be positive")
	// ErrUserNotFound is returned when no embedding exists for a user.
	ErrUserNotFound = errors.New("no embedding for user")
	// ErrClosed is returned by operations on a closed index.
	ErrClosed = errors.New("index is closed")
)

// Error is a typed failure carrying a Kind.
//
// The underlying error (if any) can be accessed via errors.Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a typed error.
func E(kind Kind, op string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// DimensionError reports a dimension mismatch as InvalidArgument.
func DimensionError(op string, expected, actual int) error {
	return E(KindInvalidArgument, op, ErrDimensionMismatch, "expected %d, got %d", expected, actual)
}

// DuplicateError reports an already present id as InvalidArgument.
func DuplicateError(op string, id int64) error {
	return E(KindInvalidArgument, op, ErrDuplicateID, "id %d already exists", id)
}

// KindOf returns the kind of err. Context deadline and cancellation errors
// are reported as KindDeadlineExceeded.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindDeadlineExceeded
	}
	switch {
	case errors.Is(err, ErrDimensionMismatch), errors.Is(err, ErrDuplicateID), errors.Is(err, ErrInvalidK):
		return KindInvalidArgument
	case errors.Is(err, ErrUserNotFound):
		return KindNotFound
	}
	return KindUnknown
}

// IsKind reports whether err has the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
