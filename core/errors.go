package core

import (
	"fmt"

	"github.com/pingcap/errors"
)

// ErrKind classifies a failure at a component boundary. Components
// convert driver errors into one of these; the supervisor and the retry
// logic only ever look at the kind.
type ErrKind int

const (
	KindTransientNetwork ErrKind = iota
	KindRateLimited
	KindMapping
	KindConflict
	KindNotFound
	KindFatal
)

func (k ErrKind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindRateLimited:
		return "rate_limited"
	case KindMapping:
		return "mapping_error"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindFatal:
		return "fatal"
	}
	return "unknown"
}

// Retryable reports whether a failure of this kind should be retried
// with backoff. Mapping errors and conflicts that survived compensation
// are permanent; rate limits and network trouble are not.
func (k ErrKind) Retryable() bool {
	return k == KindTransientNetwork || k == KindRateLimited
}

// SyncError is the taxonomy error carried across component boundaries.
type SyncError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewError wraps err with a kind and the operation that failed.
func NewError(kind ErrKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(kind ErrKind, op, format string, args ...interface{}) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: errors.Errorf(format, args...)}
}

// KindOf extracts the kind from err, walking wrapped causes. Unclassified
// errors count as transient so that raw driver errors escaping a boundary
// never become silently permanent.
func KindOf(err error) ErrKind {
	for err != nil {
		if se, ok := err.(*SyncError); ok {
			return se.Kind
		}
		cause := errors.Cause(err)
		if cause == err {
			break
		}
		err = cause
	}
	return KindTransientNetwork
}
