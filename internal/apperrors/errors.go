// Package apperrors holds the error kinds shared by the intake pipeline.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation       Kind = "validation_error"
	KindGuardUnavailable Kind = "guard_unavailable"
	KindDuplicate        Kind = "duplicate_request"
	KindPersistence      Kind = "persistence_failure"
	KindPublish          Kind = "publish_failure"
	KindNotFound         Kind = "not_found"
)

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether the caller may resubmit the same request later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindGuardUnavailable, KindPersistence, KindPublish:
		return true
	}
	return false
}
