package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"swiftbots/internal/domain"
)

// TriggerKind names a supported trigger type.
type TriggerKind string

const (
	KindEvery TriggerKind = "every"
	KindCron  TriggerKind = "cron"
)

// Trigger describes when a task becomes due.
type Trigger struct {
	Kind  TriggerKind
	Every time.Duration // KindEvery
	Spec  string        // KindCron: standard 5-field expression or @descriptor

	schedule cron.Schedule
}

// Every fires a task each d, starting at the first tick after registration.
func Every(d time.Duration) Trigger {
	return Trigger{Kind: KindEvery, Every: d}
}

// Cron fires a task on a cron schedule, e.g. "*/5 * * * *" or "@hourly".
func Cron(spec string) Trigger {
	return Trigger{Kind: KindCron, Spec: spec}
}

// Parse reads the textual form used in config files:
// "every 30s", "cron 0 9 * * 1-5" or a bare "@daily".
func Parse(s string) (Trigger, error) {
	s = strings.TrimSpace(s)
	kind, rest, _ := strings.Cut(s, " ")
	var t Trigger
	switch {
	case strings.HasPrefix(s, "@"):
		t = Cron(s)
	case strings.EqualFold(kind, string(KindEvery)):
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Trigger{}, fmt.Errorf("%w: trigger %q: %v", domain.ErrConfiguration, s, err)
		}
		t = Every(d)
	case strings.EqualFold(kind, string(KindCron)):
		t = Cron(strings.TrimSpace(rest))
	default:
		return Trigger{}, fmt.Errorf("%w: unsupported trigger %q", domain.ErrConfiguration, s)
	}
	if err := t.prepare(); err != nil {
		return Trigger{}, err
	}
	return t, nil
}

func (t Trigger) String() string {
	switch t.Kind {
	case KindEvery:
		return "every " + t.Every.String()
	case KindCron:
		return "cron " + t.Spec
	default:
		return string(t.Kind)
	}
}

// prepare validates the trigger and parses cron expressions once.
func (t *Trigger) prepare() error {
	switch t.Kind {
	case KindEvery:
		if t.Every <= 0 {
			return fmt.Errorf("%w: period must be positive, got %s", domain.ErrConfiguration, t.Every)
		}
	case KindCron:
		sched, err := cron.ParseStandard(t.Spec)
		if err != nil {
			return fmt.Errorf("%w: cron %q: %v", domain.ErrConfiguration, t.Spec, err)
		}
		t.schedule = sched
	default:
		return fmt.Errorf("%w: unsupported trigger type %q", domain.ErrConfiguration, t.Kind)
	}
	return nil
}

// due reports whether the trigger fires at now. last is the previous firing
// (zero when the task never fired), added the registration time.
func (t Trigger) due(now, last, added time.Time) bool {
	switch t.Kind {
	case KindEvery:
		return last.IsZero() || now.Sub(last) >= t.Every
	case KindCron:
		ref := last
		if ref.IsZero() {
			ref = added
		}
		return !now.Before(t.schedule.Next(ref))
	default:
		return false
	}
}
