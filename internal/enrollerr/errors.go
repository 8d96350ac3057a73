// Package enrollerr defines the failure taxonomy shared by the session
// client, the worklist and the race scheduler.
//
// Every failure is an *Error carrying a Kind. Callers match kinds with the
// sentinel values and errors.Is:
//
//	if errors.Is(err, enrollerr.ErrNotFound) { ... }
//
// The sentinels compare by Kind only, so a fully populated *Error matches
// the sentinel of the same kind regardless of its other fields.
package enrollerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers connectivity, timeouts, TLS and unexpected HTTP
	// status codes. Always retryable at the attempt level.
	KindTransport
	// KindAuthFailed is an explicit backend rejection or a puzzle that could
	// not be solved, surfaced once the attempt budget is exhausted.
	KindAuthFailed
	// KindNotFound is a legitimate empty answer to a resolve query.
	KindNotFound
	// KindUnparseable means the response did not have the expected shape.
	KindUnparseable
	// KindPrecondition is an operation invoked out of order, e.g. on an
	// unauthenticated client.
	KindPrecondition
	// KindPersistence is a failed save. Logged, never fatal to a race.
	KindPersistence
)

// String returns the stable name used in logs and the attempts table.
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindAuthFailed:
		return "auth_failed"
	case KindNotFound:
		return "not_found"
	case KindUnparseable:
		return "unparseable"
	case KindPrecondition:
		return "precondition"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrTransport    = &Error{Kind: KindTransport}
	ErrAuthFailed   = &Error{Kind: KindAuthFailed}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrUnparseable  = &Error{Kind: KindUnparseable}
	ErrPrecondition = &Error{Kind: KindPrecondition}
	ErrPersistence  = &Error{Kind: KindPersistence}
)

// Error is a tagged failure.
type Error struct {
	Kind     Kind
	Op       string // operation, e.g. "claim"
	Endpoint string // endpoint name, when known
	Code     string // public code or handle the operation was about
	Msg      string
	Err      error // underlying cause
}

// New builds an *Error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an *Error around a cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithEndpoint sets the endpoint name and returns e.
func (e *Error) WithEndpoint(name string) *Error {
	e.Endpoint = name
	return e
}

// WithCode sets the item code and returns e.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Endpoint != "" {
		sb.WriteString(e.Endpoint)
		sb.WriteString(": ")
	}
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Kind.String())
	if e.Code != "" {
		fmt.Fprintf(&sb, " [%s]", e.Code)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether an attempt failing with err may be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransport
}
