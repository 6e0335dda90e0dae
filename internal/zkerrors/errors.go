// Package zkerrors defines the closed set of failure kinds used across the
// freeze/unfreeze/check engine, and maps raw OS/subprocess failures to
// user-facing remediation hints.
package zkerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which closed failure category an Error belongs to.
type Kind int

const (
	Manifest Kind = iota
	IO
	Compression
	LUKS
	Staging
	OperationFailed
	InvalidPath
	MissingTarget
	CliExit
)

func (k Kind) String() string {
	switch k {
	case Manifest:
		return "manifest"
	case IO:
		return "io"
	case Compression:
		return "compression"
	case LUKS:
		return "luks"
	case Staging:
		return "staging"
	case OperationFailed:
		return "operation_failed"
	case InvalidPath:
		return "invalid_path"
	case MissingTarget:
		return "missing_target"
	case CliExit:
		return "cli_exit"
	default:
		return "unknown"
	}
}

// Error is the engine-wide error type. Op names the failing operation
// (e.g. "staging.Prepare"), Msg is a human description, Err is an optional
// wrapped cause, and ExitCode is only meaningful for Kind == CliExit.
type Error struct {
	Kind     Kind
	Op       string
	Msg      string
	Err      error
	ExitCode int
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		if e.Msg != "" {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, zkerrors.New(SomeKind, "", "")) to match on Kind
// alone, so callers can test "is this a staging failure" without caring
// about Op/Msg/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap constructs an *Error of the given kind, wrapping a lower-level cause.
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a formatted message alongside the wrapped cause.
func Wrapf(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Exit constructs a CliExit error carrying the process exit code the CLI
// boundary should surface.
func Exit(code int, msg string) *Error {
	return &Error{Kind: CliExit, Msg: msg, ExitCode: code}
}

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// sentinel substrings matched against subprocess stderr/stdout to produce
// remediation hints; these are not error values themselves (the real errors
// carry arbitrary captured text) so substring matching is the only option.
const (
	cryptsetupBadPassphrase = "no key available with this passphrase"
)

// FriendlyMessage maps a raw error to a short, user-facing remediation
// sentence. It returns ("", false) when no mapping applies, in which case
// callers should fall back to err.Error().
func FriendlyMessage(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	if errno, ok := RawErrno(err); ok {
		switch errno {
		case 28: // ENOSPC
			return "Disk is full. Free space and try again.", true
		case 13: // EACCES
			return "Permission denied.", true
		case 2: // ENOENT
			return "No such file or directory.", true
		}
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, cryptsetupBadPassphrase) {
		return "Incorrect passphrase.", true
	}
	if strings.Contains(lower, "no elevation tool found") || strings.Contains(lower, "root privileges required") {
		return "Root privileges required but no elevation tool found.", true
	}

	return "", false
}
