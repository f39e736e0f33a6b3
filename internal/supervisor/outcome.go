package supervisor

import (
	"context"

	"swiftbots/internal/domain"
)

// OutcomeKind tags how a unit ended.
type OutcomeKind int

const (
	// Completed: the unit returned without a signal or cancellation.
	Completed OutcomeKind = iota + 1
	// Cancelled: the supervisor cancelled the unit.
	Cancelled
	Fatal
	Restart
	Start
	Shutdown
)

func (k OutcomeKind) String() string {
	switch k {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Fatal:
		return "fatal"
	case Restart:
		return "restart"
	case Start:
		return "start"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Outcome is the single value a unit reports when it ends.
type Outcome struct {
	Kind   OutcomeKind
	Bot    string
	Unit   string
	Target string // bot to start, for Start
	Reason string
	Err    error
}

// classify turns the result of Runner.Run into an Outcome. ctx is the
// unit's own context.
func classify(ctx context.Context, bot, unit string, err error) Outcome {
	out := Outcome{Bot: bot, Unit: unit, Err: err}
	if sig, ok := domain.AsSignal(err); ok {
		out.Reason = sig.Reason
		switch sig.Kind {
		case domain.SignalRestart:
			out.Kind = Restart
		case domain.SignalStart:
			out.Kind = Start
			out.Target = sig.Bot
		case domain.SignalShutdown:
			out.Kind = Shutdown
		default:
			out.Kind = Fatal
		}
		return out
	}
	switch {
	case ctx.Err() != nil:
		out.Kind = Cancelled
	case err == nil:
		out.Kind = Completed
	default:
		out.Kind = Fatal
		out.Reason = err.Error()
	}
	return out
}
