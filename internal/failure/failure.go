// Package failure classifies pipeline errors so the queue can decide between
// retrying an attempt and failing the job for good.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind names a class of pipeline failure. The value is persisted on failed jobs.
type Kind string

const (
	KindFetch               Kind = "FetchError"
	KindPayloadTooLarge     Kind = "PayloadTooLarge"
	KindEngine              Kind = "EngineError"
	KindCaptionsUnavailable Kind = "CaptionsUnavailable"
	KindSubprocess          Kind = "SubprocessError"
	KindMalformedSubtitle   Kind = "MalformedSubtitle"
	KindStorage             Kind = "StorageError"
	KindTimeout             Kind = "Timeout"
	KindInternal            Kind = "InternalError"
)

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if op := strings.TrimSpace(e.Op); op != "" {
		parts = append(parts, op)
	}
	if msg := strings.TrimSpace(e.Msg); msg != "" {
		parts = append(parts, msg)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorKind lets callers read the classification through errors.As.
func (e *Error) ErrorKind() string {
	return string(e.Kind)
}

// Transient builds a retryable error of the given kind.
func Transient(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: true, Err: err}
}

// Permanent builds an error of the given kind that must not be retried.
func Permanent(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: false, Err: err}
}

// Newf builds an error with a formatted message and no wrapped cause.
func Newf(kind Kind, retryable bool, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Retryable: retryable}
}

// KindOf returns the kind of the first classified error in the chain.
// Deadline errors map to KindTimeout; anything else unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// IsRetryable reports whether the queue should schedule another attempt.
// Unclassified errors are retried; cancellation of the parent context is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
