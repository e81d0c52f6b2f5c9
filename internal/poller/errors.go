package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/walljm/homeassistant-edgerouter/internal/edgeos"
	"github.com/walljm/homeassistant-edgerouter/internal/tables"
)

// ErrRoundInProgress is returned by PollNow while another round runs.
var ErrRoundInProgress = errors.New("poller: round already in progress")

// Kind classifies a failed round.
type Kind string

const (
	KindAuth           Kind = "auth"
	KindConnection     Kind = "connection"
	KindCommandTimeout Kind = "command_timeout"
	KindCommand        Kind = "command"
	KindParse          Kind = "parse"
	KindCanceled       Kind = "canceled"
)

// RoundError reports a round that changed no state.
type RoundError struct {
	Round uint64    `json:"round"`
	At    time.Time `json:"at"`
	Kind  Kind      `json:"kind"`
	Err   error     `json:"-"`
}

func (e *RoundError) Error() string {
	return fmt.Sprintf("poll round %d: %s: %v", e.Round, e.Kind, e.Err)
}

func (e *RoundError) Unwrap() error { return e.Err }

// Retryable reports whether the next scheduled round may succeed
// without operator action. Rejected credentials will not fix
// themselves.
func (e *RoundError) Retryable() bool { return e.Kind != KindAuth }

func classify(err error) Kind {
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, edgeos.ErrAuth):
		return KindAuth
	case errors.Is(err, edgeos.ErrCommandTimeout):
		return KindCommandTimeout
	case errors.Is(err, edgeos.ErrCommand):
		return KindCommand
	case errors.Is(err, edgeos.ErrConnection):
		return KindConnection
	case errors.Is(err, tables.ErrUnrecognized):
		return KindParse
	case errors.Is(err, context.DeadlineExceeded):
		return KindCommandTimeout
	default:
		return KindCommand
	}
}
