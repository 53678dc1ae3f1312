package kvstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Read when no record exists.
	ErrNotFound = errors.New("kvstore: record not found")
	// ErrInvalid is matched by every *ValidationError.
	ErrInvalid = errors.New("kvstore: invalid identifier")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("kvstore: store closed")
)

// Kind classifies an error returned by a Store. Two backends that fail the
// same call must fail with the same Kind.
type Kind int

const (
	KindNone Kind = iota
	KindNotFound
	KindInvalid
	KindClosed
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNotFound:
		return "not-found"
	case KindInvalid:
		return "invalid"
	case KindClosed:
		return "closed"
	default:
		return "io"
	}
}

// KindOf returns the classification of err. Errors that are not one of
// the package's sentinels or types count as KindIO.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrClosed):
		return KindClosed
	default:
		return KindIO
	}
}

// ValidationError reports a structurally invalid identifier. It is
// returned before any I/O takes place.
type ValidationError struct {
	Op        string
	Primary   string
	Secondary string
	Key       string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("kvstore: %s %q/%q/%q: %s", e.Op, e.Primary, e.Secondary, e.Key, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalid }

// IOError reports a failure of the underlying storage medium.
type IOError struct {
	Backend string
	Op      string
	Err     error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// WrapIO wraps err as an *IOError unless it is nil or already classified
// as not-found, invalid or closed.
func WrapIO(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	if k := KindOf(err); k != KindIO {
		return err
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Backend: backend, Op: op, Err: err}
}
