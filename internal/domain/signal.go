package domain

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks setup mistakes: missing arguments, duplicate names, cycles.
var ErrConfiguration = errors.New("configuration error")

// SignalKind enumerates control-flow requests that travel from handlers to the supervisor.
type SignalKind int

const (
	SignalFatal SignalKind = iota + 1
	SignalRestart
	SignalStart
	SignalShutdown
)

func (k SignalKind) String() string {
	switch k {
	case SignalFatal:
		return "fatal"
	case SignalRestart:
		return "restart"
	case SignalStart:
		return "start"
	case SignalShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// Signal is returned as an error by handlers, tasks or listeners to ask the
// supervisor for a lifecycle change instead of being reported as a failure.
type Signal struct {
	Kind   SignalKind
	Bot    string // target bot for SignalStart
	Reason string
}

func (s *Signal) Error() string {
	switch {
	case s.Bot != "" && s.Reason != "":
		return fmt.Sprintf("%s %s: %s", s.Kind, s.Bot, s.Reason)
	case s.Bot != "":
		return fmt.Sprintf("%s %s", s.Kind, s.Bot)
	case s.Reason != "":
		return fmt.Sprintf("%s: %s", s.Kind, s.Reason)
	default:
		return s.Kind.String()
	}
}

// Fatal stops the current bot for good.
func Fatal(reason string) error { return &Signal{Kind: SignalFatal, Reason: reason} }

// Restart relaunches the current bot under the same name.
func Restart(reason string) error { return &Signal{Kind: SignalRestart, Reason: reason} }

// StartBot asks the supervisor to start another configured bot.
func StartBot(name string) error { return &Signal{Kind: SignalStart, Bot: name} }

// Shutdown stops every bot and returns from the supervisor.
func Shutdown(reason string) error { return &Signal{Kind: SignalShutdown, Reason: reason} }

// AsSignal extracts a control signal from err.
func AsSignal(err error) (*Signal, bool) {
	var sig *Signal
	if errors.As(err, &sig) {
		return sig, true
	}
	return nil, false
}
