package vesselstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind says whether a failed whole-batch operation is worth retrying.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// OpError is a store failure tagged with its kind.
type OpError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &OpError{Kind: KindTransient, Op: op, Err: err}
}

// Permanent wraps err as not retryable.
func Permanent(op string, err error) error {
	return &OpError{Kind: KindPermanent, Op: op, Err: err}
}

// KindOf classifies err. Untagged errors are treated as transient unless
// they come from context cancellation.
func KindOf(err error) ErrorKind {
	var op *OpError
	if errors.As(err, &op) {
		return op.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	return KindTransient
}
