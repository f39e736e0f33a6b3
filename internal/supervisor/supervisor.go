// Package supervisor runs one unit per bot and decides, from the tagged
// outcome each unit returns, whether the bot is restarted, dropped or the
// whole process shuts down.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"swiftbots/internal/bot"
	"swiftbots/internal/bus"
)

const defaultShutdownTimeout = 10 * time.Second

var (
	ErrUnknownBot     = errors.New("unknown bot")
	ErrNotRunning     = errors.New("bot is not running")
	ErrAlreadyRunning = errors.New("bot is already running")
	ErrStopped        = errors.New("supervisor is not running")
)

// Runner is what the supervisor needs from a bot. *bot.Bot implements it.
type Runner interface {
	Name() string
	Acquire(ctx context.Context) error
	Release() error
	CloseControllers() error
	Run(ctx context.Context, extra map[string]any) error
}

// Config configures a Supervisor.
type Config struct {
	// Bots are every bot that may be started, including by name later.
	Bots            []Runner
	Logger          *slog.Logger
	Events          *bus.Bus
	ShutdownTimeout time.Duration
}

type unit struct {
	id      string
	bot     Runner
	cancel  context.CancelFunc
	started time.Time
	// set when the supervisor cancelled the unit to relaunch it
	relaunch bool
}

// Supervisor owns the registry of running units. Only the Run loop mutates
// it.
type Supervisor struct {
	logger  *slog.Logger
	events  *bus.Bus
	timeout time.Duration

	known map[string]Runner
	order []string
	units map[string]*unit

	exits    chan Outcome
	requests chan request
	done     chan struct{}
	registry *Registry
}

func New(cfg Config) (*Supervisor, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s := &Supervisor{
		logger:   cfg.Logger,
		events:   cfg.Events,
		timeout:  cfg.ShutdownTimeout,
		known:    make(map[string]Runner),
		units:    make(map[string]*unit),
		exits:    make(chan Outcome),
		requests: make(chan request),
		done:     make(chan struct{}),
	}
	for _, b := range cfg.Bots {
		if _, dup := s.known[b.Name()]; dup {
			return nil, fmt.Errorf("duplicate bot %q", b.Name())
		}
		s.known[b.Name()] = b
		s.order = append(s.order, b.Name())
	}
	s.registry = newRegistry(s)
	return s, nil
}

// Registry returns the handle collaborators use to inspect and steer the
// supervisor. It is also injected into handlers as "control".
func (s *Supervisor) Registry() *Registry { return s.registry }

// Run launches the named bots (all known bots when names is empty) and
// supervises them until shutdown or until no bot is left running. Every
// controller and every bot's resources are closed before Run returns.
func (s *Supervisor) Run(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = s.order
	}
	for _, n := range names {
		if _, ok := s.known[n]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownBot, n)
		}
	}
	defer close(s.done)

	s.logger.Info("supervisor starting", "bots", len(names))
	for _, n := range names {
		s.launch(ctx, s.known[n])
	}

	for len(s.units) > 0 {
		select {
		case <-ctx.Done():
			s.shutdown("context cancelled")
			return nil
		case out := <-s.exits:
			if stop := s.handle(ctx, out); stop {
				s.shutdown(out.Reason)
				return nil
			}
		case req := <-s.requests:
			if stop := s.serve(ctx, req); stop {
				s.shutdown("requested")
				return nil
			}
		}
	}

	s.logger.Info("no bots left running")
	s.finalize()
	return nil
}

// launch acquires the bot's resources if needed and starts a new unit.
func (s *Supervisor) launch(ctx context.Context, b Runner) bool {
	name := b.Name()
	if err := b.Acquire(ctx); err != nil {
		s.logger.Error("bot failed to start", "bot", name, "err", err)
		s.publish(bus.BotFailed, name, "", err.Error())
		s.registry.record(name, func(st *Status) {
			st.Running = false
			st.LastOutcome = Fatal.String()
		})
		return false
	}

	uctx, cancel := context.WithCancel(ctx)
	u := &unit{id: uuid.NewString(), bot: b, cancel: cancel, started: time.Now()}
	s.units[name] = u
	s.registry.record(name, func(st *Status) {
		st.Running = true
		st.Unit = u.id
		st.Since = u.started
	})
	s.logger.Info("bot started", "bot", name, "unit", u.id)
	s.publish(bus.BotStarted, name, u.id, "")

	extra := map[string]any{bot.ValueControl: s.registry}
	go func() {
		err := b.Run(uctx, extra)
		out := classify(uctx, name, u.id, err)
		select {
		case s.exits <- out:
		case <-s.done:
		}
	}()
	return true
}

// handle applies one unit outcome. It reports whether the supervisor must
// shut down.
func (s *Supervisor) handle(ctx context.Context, out Outcome) bool {
	u, ok := s.units[out.Bot]
	if !ok || u.id != out.Unit {
		s.logger.Debug("stale unit exit ignored", "bot", out.Bot, "unit", out.Unit)
		return false
	}
	u.cancel()
	delete(s.units, out.Bot)
	s.registry.record(out.Bot, func(st *Status) {
		st.Running = false
		st.LastOutcome = out.Kind.String()
	})
	log := s.logger.With("bot", out.Bot, "unit", out.Unit)

	switch out.Kind {
	case Shutdown:
		log.Info("shutdown requested by bot", "reason", out.Reason)
		return true

	case Restart:
		log.Info("restarting bot", "reason", out.Reason)
		s.relaunch(ctx, u.bot, out.Reason)

	case Start:
		target, known := s.known[out.Target]
		switch {
		case !known:
			log.Error("cannot start unknown bot", "target", out.Target)
		case s.units[out.Target] != nil:
			log.Info("bot already running", "target", out.Target)
		case out.Target != out.Bot:
			s.launch(ctx, target)
		}
		s.relaunch(ctx, u.bot, "after starting "+out.Target)

	case Cancelled:
		if u.relaunch && ctx.Err() == nil {
			log.Info("restarting bot")
			s.relaunch(ctx, u.bot, "restart requested")
			return false
		}
		log.Info("bot stopped")
		s.drop(u.bot, bus.BotStopped, "cancelled")

	case Completed:
		log.Warn("bot finished without a signal, dropping it")
		s.drop(u.bot, bus.BotStopped, "finished without a signal")

	default:
		log.Error("bot exited fatally", "reason", out.Reason)
		s.drop(u.bot, bus.BotFailed, out.Reason)
	}
	return false
}

func (s *Supervisor) relaunch(ctx context.Context, b Runner, reason string) {
	s.publish(bus.BotRestarting, b.Name(), "", reason)
	s.registry.record(b.Name(), func(st *Status) { st.Restarts++ })
	s.launch(ctx, b)
}

// drop releases the bot's resources; it stays known and can be started
// again by name.
func (s *Supervisor) drop(b Runner, event, detail string) {
	if err := b.Release(); err != nil {
		s.logger.Warn("cannot release bot resources", "bot", b.Name(), "err", err)
	}
	s.publish(event, b.Name(), "", detail)
	s.publish(bus.BotReleased, b.Name(), "", "")
}

// shutdown cancels every unit, waits up to the shutdown timeout for them
// to exit and closes everything.
func (s *Supervisor) shutdown(reason string) {
	s.logger.Info("supervisor shutting down", "reason", reason, "running", len(s.units))
	s.publish(bus.ShutdownBegun, "", "", reason)
	for _, u := range s.units {
		u.cancel()
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for len(s.units) > 0 {
		select {
		case out := <-s.exits:
			if u, ok := s.units[out.Bot]; ok && u.id == out.Unit {
				delete(s.units, out.Bot)
				s.registry.record(out.Bot, func(st *Status) {
					st.Running = false
					st.LastOutcome = out.Kind.String()
				})
			}
		case req := <-s.requests:
			req.reply <- ErrStopped
		case <-timer.C:
			for name := range s.units {
				s.logger.Warn("bot did not stop in time", "bot", name, "timeout", s.timeout)
			}
			s.units = map[string]*unit{}
		}
	}
	s.finalize()
}

// finalize closes every controller and every bot's resources.
func (s *Supervisor) finalize() {
	for _, name := range s.order {
		b := s.known[name]
		if err := b.CloseControllers(); err != nil {
			s.logger.Warn("cannot close controllers", "bot", name, "err", err)
		}
		if err := b.Release(); err != nil {
			s.logger.Warn("cannot release bot resources", "bot", name, "err", err)
		}
	}
	s.logger.Info("supervisor stopped")
}

func (s *Supervisor) publish(typ, botName, unitID, detail string) {
	s.events.Publish(bus.Event{Type: typ, Bot: botName, Unit: unitID, Detail: detail})
}
