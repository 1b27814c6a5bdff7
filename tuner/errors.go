package tuner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPrivilegeUnavailable means no root shell could be obtained.
	ErrPrivilegeUnavailable = errors.New("privileged shell unavailable")
	// ErrCommandFailed means a command ran but exited non-zero.
	ErrCommandFailed = errors.New("command failed")
	// ErrResourceBusy means another apply holds the resource key.
	ErrResourceBusy = errors.New("resource busy")
	// ErrCapabilityDenied means a capability probe reported no access.
	ErrCapabilityDenied = errors.New("capability denied")
	// ErrInvalidRange means a requested value could not be coerced into range.
	ErrInvalidRange = errors.New("invalid range")
)

// ErrorKind classifies an apply failure for the UI
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindPrivilegeUnavailable ErrorKind = "privilege_unavailable"
	KindCommandFailed        ErrorKind = "command_failed"
	KindResourceBusy         ErrorKind = "resource_busy"
	KindCapabilityDenied     ErrorKind = "capability_denied"
	KindInvalidRange         ErrorKind = "invalid_range"
	KindInternal             ErrorKind = "internal"
)

// Classify maps an error onto its kind
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPrivilegeUnavailable):
		return KindPrivilegeUnavailable
	case errors.Is(err, ErrResourceBusy):
		return KindResourceBusy
	case errors.Is(err, ErrCapabilityDenied):
		return KindCapabilityDenied
	case errors.Is(err, ErrInvalidRange):
		return KindInvalidRange
	case errors.Is(err, ErrCommandFailed):
		return KindCommandFailed
	default:
		return KindInternal
	}
}

// CommandError carries the details of a failed shell command
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", truncate(e.Command, 80), e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + truncate(s, 200)
	}
	return msg
}

// Unwrap lets errors.Is match both ErrCommandFailed and the underlying cause.
func (e *CommandError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCommandFailed}
	}
	return []error{ErrCommandFailed, e.Err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
