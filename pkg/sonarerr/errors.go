package sonarerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Kind classifies failures so callers can decide between aborting a job and
// recording evidence.
type Kind int

const (
	KindUnknown Kind = iota
	PermissionDenied
	MalformedRequest
	Parse
	Timeout
	Unreachable
	Network
	Cancelled
	Config
)

func (k Kind) String() string {
	switch k {
	case PermissionDenied:
		return "permission_denied"
	case MalformedRequest:
		return "malformed_request"
	case Parse:
		return "parse_error"
	case Timeout:
		return "timeout"
	case Unreachable:
		return "unreachable"
	case Network:
		return "network_error"
	case Cancelled:
		return "cancelled"
	case Config:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error captures contextual information for engine failures.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare sentinels below by kind, so errors.Is(err, ErrTimeout)
// holds for any Timeout error regardless of op or message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrPermissionDenied = &Error{Kind: PermissionDenied}
	ErrMalformedRequest = &Error{Kind: MalformedRequest}
	ErrParse            = &Error{Kind: Parse}
	ErrTimeout          = &Error{Kind: Timeout}
	ErrUnreachable      = &Error{Kind: Unreachable}
	ErrNetwork          = &Error{Kind: Network}
	ErrCancelled        = &Error{Kind: Cancelled}
	ErrConfig           = &Error{Kind: Config}
)

// E constructs an Error with the provided context.
func E(kind Kind, op, msg string, err error) error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsFatal reports whether err must abort the whole job.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case PermissionDenied, MalformedRequest, Config:
		return true
	}
	return false
}

// FromOS maps socket and context errors onto a Kind. Errors that already carry
// a Kind are returned unchanged.
func FromOS(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return E(Cancelled, op, "", err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return E(Timeout, op, "", err)
	case errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EACCES), errors.Is(err, os.ErrPermission):
		return E(PermissionDenied, op, "raw socket access denied", err)
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EHOSTDOWN), errors.Is(err, syscall.ENETDOWN):
		return E(Unreachable, op, "", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return E(Timeout, op, "", err)
	}
	return E(Network, op, "", err)
}
