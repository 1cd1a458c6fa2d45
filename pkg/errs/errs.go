// Package errs defines the error taxonomy shared by all ECL components.
//
// Errors are classified by Kind (coarse category that drives retriability
// and HTTP mapping) and carry a short stable Code that callers can switch
// on without string matching the message.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a coarse error category.
type Kind string

const (
	KindInvalidArgument    Kind = "INVALID_ARGUMENT"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindIntegrityViolation Kind = "INTEGRITY_VIOLATION"
	KindResourceExhausted  Kind = "RESOURCE_EXHAUSTED"
	KindUnavailable        Kind = "UNAVAILABLE"
	KindDeadlineExceeded   Kind = "DEADLINE_EXCEEDED"
	KindCancelled          Kind = "CANCELLED"
	KindInternal           Kind = "INTERNAL"
)

// Stable codes. Conflict and integrity subkinds are expressed as codes
// under their parent Kind.
const (
	CodeInvalidArgument   = "ECL/INVALID_ARGUMENT"
	CodeNotFound          = "ECL/NOT_FOUND"
	CodeStaleChain        = "ECL/CONFLICT/STALE_CHAIN"
	CodeDuplicateIndex    = "ECL/CONFLICT/DUPLICATE_INDEX"
	CodeSealed            = "ECL/CONFLICT/SEALED"
	CodeSessionClosed     = "ECL/CONFLICT/SESSION_CLOSED"
	CodeHashMismatch      = "ECL/INTEGRITY/HASH_MISMATCH"
	CodeChainBroken       = "ECL/INTEGRITY/CHAIN_BROKEN"
	CodeIncompleteSession = "ECL/INVALID_ARGUMENT/INCOMPLETE_SESSION"
	CodeInvalidKind       = "ECL/INVALID_ARGUMENT/INVALID_KIND"
	CodeQueueFull         = "ECL/EXHAUSTED/QUEUE_FULL"
	CodeChunkBudget       = "ECL/EXHAUSTED/CHUNK_BUDGET"
	CodeLeaseLost         = "ECL/CONFLICT/LEASE_LOST"
	CodeUnavailable       = "ECL/UNAVAILABLE"
	CodeDeadlineExceeded  = "ECL/DEADLINE_EXCEEDED"
	CodeCancelled         = "ECL/CANCELLED"
	CodeInternal          = "ECL/INTERNAL"
	CodeUnauthorized      = "ECL/AUTH/UNAUTHORIZED"
	CodeForbidden         = "ECL/AUTH/FORBIDDEN"
)

// Error is the canonical error value crossing component boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given kind, code and message.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches taxonomy to an underlying error.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the Kind of err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CodeOf extracts the stable code of err, or CodeInternal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given stable code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Retriable reports whether a caller may retry the failed operation.
// Integrity violations and definitive conflicts are never retriable;
// StaleChain is retriable after the caller re-reads the tail.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindDeadlineExceeded:
		return true
	case KindConflict:
		return IsCode(err, CodeStaleChain) || IsCode(err, CodeLeaseLost)
	default:
		return false
	}
}

// HTTPStatus maps a Kind to its transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindIntegrityViolation:
		return http.StatusUnprocessableEntity
	case KindResourceExhausted:
		return http.StatusTooManyRequests
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindDeadlineExceeded:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	default:
		return http.StatusInternalServerError
	}
}
