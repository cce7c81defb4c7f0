// Package edgeerr defines the closed error taxonomy shared by every edge
// component. Infrastructure errors are either recovered locally (spill,
// retry, fallback) or surfaced to the client as a stream error event; the
// Kind of an error is what crosses the stream boundary, never the Go type.
package edgeerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure in the taxonomy.
type Kind string

const (
	KindUnauthorized        Kind = "unauthorized"
	KindExpired             Kind = "expired"
	KindInvalid             Kind = "invalid_request"
	KindNotFound            Kind = "not_found"
	KindQueueFull           Kind = "queue_full"
	KindTimeout             Kind = "timeout"
	KindModelMissing        Kind = "model_missing"
	KindIncompatible        Kind = "incompatible"
	KindOutOfMemory         Kind = "out_of_memory"
	KindContextOverflow     Kind = "context_overflow"
	KindIntegrityFailure    Kind = "integrity_failure"
	KindResourceUnavailable Kind = "resource_unavailable"
	KindDegraded            Kind = "degraded"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Sentinel errors. Callers classify with errors.Is.
var (
	ErrUnauthorized        = &Error{kind: KindUnauthorized, msg: "invalid credentials"}
	ErrExpired             = &Error{kind: KindExpired, msg: "session expired"}
	ErrInvalid             = &Error{kind: KindInvalid, msg: "malformed request"}
	ErrNotFound            = &Error{kind: KindNotFound, msg: "not found"}
	ErrQueueFull           = &Error{kind: KindQueueFull, msg: "inference queue is full"}
	ErrTimeout             = &Error{kind: KindTimeout, msg: "deadline exceeded"}
	ErrModelMissing        = &Error{kind: KindModelMissing, msg: "model artifact not found"}
	ErrIncompatible        = &Error{kind: KindIncompatible, msg: "model incompatible with runtime"}
	ErrOutOfMemory         = &Error{kind: KindOutOfMemory, msg: "out of memory during decode"}
	ErrContextOverflow     = &Error{kind: KindContextOverflow, msg: "prompt exceeds context window"}
	ErrIntegrityFailure    = &Error{kind: KindIntegrityFailure, msg: "package integrity check failed"}
	ErrResourceUnavailable = &Error{kind: KindResourceUnavailable, msg: "storage unavailable"}
	ErrDegraded            = &Error{kind: KindDegraded, msg: "operating in degraded mode"}
	ErrCancelled           = &Error{kind: KindCancelled, msg: "request cancelled"}
)

// Error carries a taxonomy Kind plus an optional wrapped cause.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the taxonomy kind.
func (e *Error) Kind() Kind { return e.kind }

// Is matches any *Error with the same Kind, so wrapped errors still
// classify against the sentinels above.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.kind == te.kind
	}
	return false
}

// Wrap attaches a cause to a taxonomy kind.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: string(kind), err: err}
}

// Wrapf attaches a formatted message and cause to a taxonomy kind.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf extracts the taxonomy kind from any error chain. Unclassified
// errors report KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.kind
	}
	return KindInternal
}
