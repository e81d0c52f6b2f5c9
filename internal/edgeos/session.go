// Package edgeos runs the fixed set of read-only operational commands
// on an Ubiquiti EdgeOS router over SSH.
package edgeos

import (
	"context"
	"time"
)

// DefaultConnectTimeout bounds TCP connect plus SSH handshake when the
// target does not set one.
const DefaultConnectTimeout = 10 * time.Second

// Target identifies the router and the credentials used to reach it.
type Target struct {
	Host           string
	Port           int
	Username       string
	Password       string
	KeyFile        string // optional private key, tried before the password
	KnownHostsFile string // empty accepts any host key
	ConnectTimeout time.Duration
}

// Dialer opens command sessions.
type Dialer interface {
	Connect(ctx context.Context, t Target) (Session, error)
}

// Session is an authenticated connection able to run commands. It is
// not safe for concurrent use.
type Session interface {
	// Run executes cmd and returns its standard output.
	Run(ctx context.Context, cmd Command) (string, error)
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// WithSession connects to t, calls fn, and closes the session on every
// return path. A close error is reported only when fn succeeded.
func WithSession(ctx context.Context, d Dialer, t Target, fn func(Session) error) (err error) {
	s, err := d.Connect(ctx, t)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(s)
}

// Collect runs each command in order and returns the outputs keyed by
// command. It stops at the first failure.
func Collect(ctx context.Context, s Session, cmds ...Command) (map[Command]string, error) {
	out := make(map[Command]string, len(cmds))
	for _, c := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, contextError("run", "", c, err)
		}
		text, err := s.Run(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = text
	}
	return out, nil
}
