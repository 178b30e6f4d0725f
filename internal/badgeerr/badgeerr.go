// Package badgeerr defines the small set of error kinds shared by the
// sampling, storage, and protocol layers, mirroring the NRF_ERROR_* taxonomy
// the original firmware propagated as plain return codes.
package badgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can decide retry/skip/disconnect
// policy without string-matching.
type Kind int

const (
	// KindBusy: a downstream resource is in use; retry policy is the
	// caller's to decide.
	KindBusy Kind = iota
	// KindNoMemory: a FIFO is full.
	KindNoMemory
	// KindInvalidData: a decode or CRC check failed.
	KindInvalidData
	// KindInvalidState: an iterator was invalidated, or a transport is
	// not connected.
	KindInvalidState
	// KindInvalidParameter: programmer error, fatal for the operation
	// only.
	KindInvalidParameter
	// KindTimeout: a bounded wait was exceeded.
	KindTimeout
	// KindInternal: an underlying driver returned an impossible
	// condition.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBusy:
		return "busy"
	case KindNoMemory:
		return "no-memory"
	case KindInvalidData:
		return "invalid-data"
	case KindInvalidState:
		return "invalid-state"
	case KindInvalidParameter:
		return "invalid-parameter"
	case KindTimeout:
		return "timeout"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so that layers above can
// dispatch on it via errors.As without needing sentinel values per package.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New returns an *Error of the given kind, with a message built the way
// fmt.Errorf builds one.
func New(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Cause: fmt.Errorf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err, or nil if err is
// nil.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Cause: err}
}

// Is reports whether err (or any error in its chain) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == k
}
