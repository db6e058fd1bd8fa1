// Package faults holds the error taxonomy shared by both ends of the sync
// protocol. Every kind is recovered at the session boundary by ending that
// session; none of them should take the process down.
package faults

import (
	"errors"
	"fmt"
)

// EncodeError is returned when a batch cannot be written as a single line,
// usually because a value carries a line terminator.
type EncodeError struct {
	Table  string
	Column string
	Reason string
}

func (e *EncodeError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("cannot encode batch for %q: column %q: %s", e.Table, e.Column, e.Reason)
	}
	return fmt.Sprintf("cannot encode batch for %q: %s", e.Table, e.Reason)
}

// FormatError is returned when a line does not decode to the expected shape.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *FormatError) Unwrap() error { return e.Err }

// ConnectionFault wraps a transport level failure: reset, timeout, broken
// pipe or the peer going away without the sentinel.
type ConnectionFault struct {
	Op  string
	Err error
}

func (e *ConnectionFault) Error() string {
	return fmt.Sprintf("connection fault during %s: %v", e.Op, e.Err)
}

func (e *ConnectionFault) Unwrap() error { return e.Err }

// ApplyFault is returned when any row of a batch could not be applied. The
// batch as a whole has not been committed.
type ApplyFault struct {
	Table string
	Err   error
}

func (e *ApplyFault) Error() string {
	return fmt.Sprintf("failed to apply batch for %q: %v", e.Table, e.Err)
}

func (e *ApplyFault) Unwrap() error { return e.Err }

// ProtocolMismatch is returned by the producer when an ack does not confirm
// the batch that was just sent.
type ProtocolMismatch struct {
	Table  string
	Got    string
	Reason string
}

func (e *ProtocolMismatch) Error() string {
	return fmt.Sprintf("protocol mismatch for %q (ack %q): %s", e.Table, e.Got, e.Reason)
}

// Kind returns a short stable name for the fault carried by err, for logs
// and metric labels.
func Kind(err error) string {
	var (
		encodeErr   *EncodeError
		formatErr   *FormatError
		connFault   *ConnectionFault
		applyFault  *ApplyFault
		mismatchErr *ProtocolMismatch
	)
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &encodeErr):
		return "encode"
	case errors.As(err, &formatErr):
		return "format"
	case errors.As(err, &applyFault):
		return "apply"
	case errors.As(err, &mismatchErr):
		return "protocol_mismatch"
	case errors.As(err, &connFault):
		return "connection"
	default:
		return "other"
	}
}

// IsSessionFatal reports whether the connection that produced err can no
// longer be used. Encode errors are raised before anything reaches the wire
// and local storage errors never touch it, so neither ends the session.
func IsSessionFatal(err error) bool {
	switch Kind(err) {
	case "format", "connection", "apply", "protocol_mismatch":
		return true
	}
	return false
}
