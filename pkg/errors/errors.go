// Package errors defines the error taxonomy used across myrepetl.
//
// An error built with New carries one of the Kinds below so that callers
// can decide, without string matching, whether an error is fatal at
// startup, retryable, or should simply be logged and counted (see spec §7).
package errors

import (
	"fmt"
	"errors"

	pingcaperr "github.com/pingcap/errors"
)

// Kind classifies an error into one of the taxonomy buckets from the design.
type Kind int

const (
	// KindConfiguration marks fatal-at-startup errors: unknown source/target
	// references, malformed mapping, unresolved transform names.
	KindConfiguration Kind = iota
	// KindConnectivity marks source/target unreachable, binlog reader closed.
	KindConnectivity
	// KindSchemaMismatch marks a target column missing or of the wrong type.
	KindSchemaMismatch
	// KindTransformRuntime marks a user transform function panic or error.
	KindTransformRuntime
	// KindFilterRuntime marks a predicate evaluation failure.
	KindFilterRuntime
	// KindBusOverflow marks a publish that was dropped because the bus was full.
	KindBusOverflow
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnectivity:
		return "connectivity"
	case KindSchemaMismatch:
		return "schema_mismatch"
	case KindTransformRuntime:
		return "transform_runtime"
	case KindFilterRuntime:
		return "filter_runtime"
	case KindBusOverflow:
		return "bus_overflow"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and enough context to log or
// count it without re-parsing the message.
type Error struct {
	Kind Kind
	Op   string // component/operation, e.g. "source.connect", "target.flush"
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a classified error, annotating the underlying cause the way
// pingcap/errors does elsewhere in this codebase.
func New(kind Kind, op string, cause error) *Error {
	if cause != nil {
		cause = pingcaperr.Annotatef(cause, op)
	}
	return &Error{Kind: kind, Op: op, err: cause}
}

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
