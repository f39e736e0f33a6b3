// Package listener drives one bot's inbound stream into its dispatcher.
package listener

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
)

const (
	defaultGraceWindow    = time.Second
	defaultErrorWindow    = time.Minute
	defaultErrorThreshold = 5
	defaultBackoff        = 30 * time.Second
)

// Dispatcher is the part of dispatch.Dispatcher the loop needs.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg domain.Message, view domain.View, values map[string]any) (dispatch.Outcome, error)
}

// Config configures a Loop.
type Config struct {
	Bot        string
	View       domain.View
	Dispatcher Dispatcher
	Values     map[string]any // bot-level names passed to every dispatch
	Logger     *slog.Logger

	// GraceWindow: a source failure this soon after Run starts is fatal.
	GraceWindow time.Duration
	// ErrorThreshold source errors per ErrorWindow are tolerated before
	// the loop sleeps Backoff between re-acquisitions.
	ErrorWindow    time.Duration
	ErrorThreshold int
	Backoff        time.Duration

	// Lock, when set, is held while a message is dispatched.
	Lock sync.Locker
	// Observe is called after every dispatch with the time it took.
	Observe func(msg domain.Message, outcome dispatch.Outcome, err error, elapsed time.Duration)
}

// Loop pulls one message at a time and waits for its handler before pulling
// the next one.
type Loop struct {
	bot        string
	view       domain.View
	dispatcher Dispatcher
	values     map[string]any
	logger     *slog.Logger
	lock       sync.Locker
	observe    func(domain.Message, dispatch.Outcome, error, time.Duration)

	grace   time.Duration
	backoff time.Duration
	monitor *rate.Limiter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config) *Loop {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = defaultErrorWindow
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = defaultErrorThreshold
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	return &Loop{
		bot:        cfg.Bot,
		view:       cfg.View,
		dispatcher: cfg.Dispatcher,
		values:     cfg.Values,
		logger:     cfg.Logger,
		lock:       cfg.Lock,
		observe:    cfg.Observe,
		grace:      cfg.GraceWindow,
		backoff:    cfg.Backoff,
		monitor: rate.NewLimiter(
			rate.Every(cfg.ErrorWindow/time.Duration(cfg.ErrorThreshold)),
			cfg.ErrorThreshold,
		),
		now:   time.Now,
		sleep: sleepContext,
	}
}

// Run returns ctx.Err() when cancelled, nil when the source is exhausted,
// or a *domain.Signal for the supervisor.
func (l *Loop) Run(ctx context.Context) error {
	started := l.now()
	var src domain.Listener
	defer func() {
		if src != nil {
			_ = src.Close()
		}
	}()

	l.logger.Info("listening", "view", l.view.Name())
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if src == nil {
			s, err := l.view.Listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if ferr := l.sourceFailed(ctx, started, err); ferr != nil {
					return ferr
				}
				continue
			}
			src = s
		}

		msg, err := src.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, domain.ErrRestartListen):
				continue
			case errors.Is(err, io.EOF):
				l.logger.Info("inbound source exhausted")
				return nil
			}
			if _, ok := domain.AsSignal(err); ok {
				return err
			}
			_ = src.Close()
			src = nil
			if ferr := l.sourceFailed(ctx, started, err); ferr != nil {
				return ferr
			}
			continue
		}

		if err := l.handle(ctx, msg); err != nil {
			return err
		}
	}
}

// sourceFailed applies the failure policy for inbound errors. A non-nil
// result ends the loop.
func (l *Loop) sourceFailed(ctx context.Context, started time.Time, err error) error {
	now := l.now()
	if now.Sub(started) < l.grace {
		l.logger.Error("inbound source failed at start", "err", err)
		return &domain.Signal{Kind: domain.SignalFatal, Reason: fmt.Sprintf("unable to start listening: %v", err)}
	}

	l.logger.Error("inbound source error, re-acquiring", "err", err)
	if !l.monitor.AllowN(now, 1) {
		l.logger.Warn("too many source errors, backing off", "backoff", l.backoff)
		if err := l.sleep(ctx, l.backoff); err != nil {
			return err
		}
	}
	return nil
}

// handle dispatches msg. Only control signals and cancellation escape;
// every other failure is reported and swallowed.
func (l *Loop) handle(ctx context.Context, msg domain.Message) error {
	if l.lock != nil {
		l.lock.Lock()
	}
	begin := time.Now()
	outcome, err := l.dispatcher.Dispatch(ctx, msg, l.view, l.values)
	elapsed := time.Since(begin)
	if l.lock != nil {
		l.lock.Unlock()
	}
	if l.observe != nil {
		l.observe(msg, outcome, err, elapsed)
	}
	if err == nil {
		l.logger.Debug("message handled", "sender", msg.Sender, "outcome", outcome)
		return nil
	}

	if _, ok := domain.AsSignal(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	l.logger.Error("message handling failed", "sender", msg.Sender, "outcome", outcome, "err", err)
	if verr := l.view.Error(ctx, msg); verr != nil {
		l.logger.Warn("cannot send error reply", "err", verr)
	}
	report := fmt.Sprintf("bot %s: message from %s failed: %v\n\n%s", l.bot, msg.Sender, err, msg.Text)
	if rerr := l.view.Report(ctx, report); rerr != nil {
		l.logger.Warn("cannot report failure", "err", rerr)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
