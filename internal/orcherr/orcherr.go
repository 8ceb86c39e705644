// Package orcherr defines the classified error kinds shared across the
// control plane. A Kind lets callers branch on error classification
// without string-matching %w chains.
package orcherr

import "errors"

// Kind classifies an error for caller-side branching (reconnection,
// HTTP status mapping, retry policy).
type Kind string

const (
	AuthDenied     Kind = "auth_denied"
	Transport      Kind = "transport"
	Timeout        Kind = "timeout"
	RemoteExit     Kind = "remote_exit"
	ParseError     Kind = "parse_error"
	MonitoringLost Kind = "monitoring_lost"
	FilesGone      Kind = "files_gone"
	Config         Kind = "config"
	NotFound       Kind = "not_found"
	ValidationErr  Kind = "validation_error"
	Unauthorized   Kind = "unauthorized"
	Forbidden      Kind = "forbidden"
	RateLimited    Kind = "rate_limited"
	Internal       Kind = "internal"
)

// Error wraps an underlying error with a Kind and, for RemoteExit, the
// remote exit code.
type Error struct {
	kind     Kind
	exitCode int
	err      error
}

func New(kind Kind, err error) *Error {
	return &Error{kind: kind, err: err}
}

// NewExit builds a RemoteExit error carrying the remote process's exit code.
func NewExit(code int, err error) *Error {
	return &Error{kind: RemoteExit, exitCode: code, err: err}
}

func (e *Error) Error() string {
	if e.err == nil {
		return string(e.kind)
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() Kind { return e.kind }

// ExitCode returns the remote exit code for a RemoteExit error, or 0 otherwise.
func (e *Error) ExitCode() int { return e.exitCode }

// KindOf extracts the Kind from err, defaulting to Internal if err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
