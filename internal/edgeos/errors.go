package edgeos

import (
	"context"
	"errors"
	"fmt"
)

// Failure categories. Every error returned by this package wraps
// exactly one of them; ErrAuth errors also match ErrConnection.
var (
	ErrConnection     = errors.New("connection failed")
	ErrAuth           = errors.New("authentication failed")
	ErrCommand        = errors.New("command failed")
	ErrCommandTimeout = errors.New("command timed out")
)

// Error describes a failed router operation.
type Error struct {
	Kind    error  // one of the Err* sentinels
	Op      string // "dial", "handshake", "run", ...
	Host    string
	Command string // empty for connection-level failures
	Err     error
}

func (e *Error) Error() string {
	msg := "edgeos " + e.Op
	if e.Host != "" {
		msg += " " + e.Host
	}
	if e.Command != "" {
		msg += fmt.Sprintf(" %q", e.Command)
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the kind sentinel and the underlying cause to
// errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind}
	if e.Kind == ErrAuth {
		errs = append(errs, ErrConnection)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// contextError classifies a context error raised while cmd was pending.
// An expired deadline is a command timeout; cancellation is reported as
// a command failure that still matches context.Canceled.
func contextError(op, host string, cmd Command, err error) *Error {
	kind := ErrCommand
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrCommandTimeout
	}
	return &Error{Kind: kind, Op: op, Host: host, Command: cmd.String(), Err: err}
}
