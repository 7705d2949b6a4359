// Package merror implements the error taxonomy shared by every update
// engine component: a closed set of kinds, a wrapped error type that
// carries an operation name, and chaining so teardown paths can report
// more than one failure without losing any of them.
package merror

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way callers need to branch on it, not
// the way a human would describe it.
type Kind int

const (
	Unknown Kind = iota
	ParseError
	ValidationError
	SignatureError
	DependencyMismatch
	DatabaseValueError
	StateDataStoreCountExceeded
	NoUpdateInProgress
	UnexpectedHttpResponse
	DeploymentAborted
	MaxRetryError
	RebootRequired
	ProgrammingError
)

func (k Kind) String() string {
	switch k {
	case ParseError:
		return "parse_error"
	case ValidationError:
		return "validation_error"
	case SignatureError:
		return "signature_error"
	case DependencyMismatch:
		return "dependency_mismatch"
	case DatabaseValueError:
		return "database_value_error"
	case StateDataStoreCountExceeded:
		return "state_data_store_count_exceeded"
	case NoUpdateInProgress:
		return "no_update_in_progress"
	case UnexpectedHttpResponse:
		return "unexpected_http_response"
	case DeploymentAborted:
		return "deployment_aborted"
	case MaxRetryError:
		return "max_retry_error"
	case RebootRequired:
		return "reboot_required"
	case ProgrammingError:
		return "programming_error"
	default:
		return "unknown_error"
	}
}

// Error lets a Kind serve as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is the wrapped error type every component returns. Op names
// the operation that failed ("artifact.Parse", "deployments.PushStatus",
// ...); Err is the underlying cause, possibly itself a chain built with
// FollowedBy.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets callers test with errors.Is(err, merror.SignatureError) by
// comparing kinds once the chain is unwrapped to a *Error.
func (e *Error) Is(target error) bool {
	var k Kind
	switch t := target.(type) {
	case Kind:
		k = t
	case *Error:
		k = t.Kind
	default:
		return false
	}
	return e.Kind == k
}

// New builds a wrapped error for op failing for reason kind, wrapping
// cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// chain links two errors so neither is lost, mirroring the source's
// error::FollowedBy: the first error remains "the" error for exit-code
// purposes, the rest travel with it for logging.
type chain struct {
	first, rest error
}

func (c *chain) Error() string {
	return fmt.Sprintf("%v (followed by: %v)", c.first, c.rest)
}

func (c *chain) Unwrap() error {
	return c.first
}

// FollowedBy appends next onto err without discarding either side. A
// nil err or next is a no-op that returns whichever side is non-nil.
func FollowedBy(err, next error) error {
	switch {
	case err == nil:
		return next
	case next == nil:
		return err
	default:
		return &chain{first: err, rest: next}
	}
}

// As is a thin re-export so callers don't need a second import for the
// common case of pulling a *Error out of a chain.
func As(err error, target **Error) bool {
	return errors.As(err, target)
}
