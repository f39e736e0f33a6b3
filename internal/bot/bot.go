// Package bot assembles a named bot from a view, controllers, tasks and
// resources, and runs its listener and scheduler as one unit.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"swiftbots/internal/bus"
	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
	"swiftbots/internal/listener"
	"swiftbots/internal/metrics"
	"swiftbots/internal/scheduler"
)

// Bot-level names available to every handler.
const (
	ValueLogger     = "logger"
	ValueBot        = "bot"
	ValueControl    = "control"
	ValueDB         = "db"
	ValueHTTPClient = "http_client"
)

// Task is a periodic job owned by a bot.
type Task struct {
	Name       string
	Triggers   []scheduler.Trigger
	RunAtStart bool
	Handler    dispatch.Handler
}

// Resource is opened when the bot is launched and closed when it is
// dropped or the process shuts down.
type Resource interface {
	Open(ctx context.Context) error
	Close() error
}

// ListenerOptions overrides the listener's failure policy; zero fields keep
// the defaults.
type ListenerOptions struct {
	GraceWindow    time.Duration
	ErrorWindow    time.Duration
	ErrorThreshold int
	Backoff        time.Duration
}

// Config describes one bot.
type Config struct {
	Name        string
	View        domain.View
	Controllers []dispatch.Controller
	Tasks       []Task
	Logger      *slog.Logger

	// StoragePath enables the "db" dependency: one storage.Session per
	// handler call, closed after it.
	StoragePath string
	// HTTPClient enables the "http_client" dependency.
	HTTPClient *http.Client
	// Providers are extra derived dependencies, keyed by name.
	Providers map[string]ProviderSpec
	// Values are extra plain names passed to every handler.
	Values    map[string]any
	Resources []Resource

	Listener     ListenerOptions
	PollInterval time.Duration
}

// ProviderSpec is a derived dependency and the names it needs.
type ProviderSpec struct {
	Fn    depends.Provider
	Needs []string
}

// Bot is immutable once built by App.AddBot.
type Bot struct {
	name        string
	view        domain.View
	controllers []dispatch.Controller
	tasks       []Task
	dispatcher  *dispatch.Dispatcher
	container   *depends.Container
	values      map[string]any
	logger      *slog.Logger
	events      *bus.Bus
	metrics     *metrics.Collector
	listenerOpt ListenerOptions
	interval    time.Duration

	// serializes message and task handlers
	work sync.Mutex

	resMu     sync.Mutex
	resources []Resource
	store     *storageResource
	open      bool

	closeOnce sync.Once
}

func (b *Bot) Name() string         { return b.name }
func (b *Bot) View() domain.View    { return b.view }
func (b *Bot) Commands() []string   { return b.dispatcher.Commands() }
func (b *Bot) Logger() *slog.Logger { return b.logger }

// TaskNames lists the bot's tasks in registration order.
func (b *Bot) TaskNames() []string {
	names := make([]string, len(b.tasks))
	for i, t := range b.tasks {
		names[i] = t.Name
	}
	return names
}

func build(cfg Config, logger *slog.Logger, events *bus.Bus, m *metrics.Collector) (*Bot, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, fmt.Errorf("%w: bot name is empty", domain.ErrConfiguration)
	}
	if cfg.View == nil {
		return nil, fmt.Errorf("%w: bot %s has no view", domain.ErrConfiguration, cfg.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = logger
	}
	log := cfg.Logger.With("bot", cfg.Name)

	b := &Bot{
		name:        cfg.Name,
		view:        cfg.View,
		controllers: cfg.Controllers,
		tasks:       cfg.Tasks,
		container:   depends.NewContainer(),
		logger:      log,
		events:      events,
		metrics:     m,
		listenerOpt: cfg.Listener,
		interval:    cfg.PollInterval,
		resources:   cfg.Resources,
	}

	b.values = map[string]any{
		ValueLogger:        log,
		ValueBot:           cfg.Name,
		dispatch.ValueView: cfg.View,
	}
	for k, v := range cfg.Values {
		b.values[k] = v
	}

	if cfg.StoragePath != "" {
		b.store = &storageResource{path: cfg.StoragePath, logger: log}
		b.resources = append([]Resource{b.store}, b.resources...)
		if err := b.container.Provide(ValueDB, b.session); err != nil {
			return nil, err
		}
	}
	if cfg.HTTPClient != nil {
		client := cfg.HTTPClient
		err := b.container.Provide(ValueHTTPClient, func(context.Context, depends.Args) (any, error) {
			return client, nil
		})
		if err != nil {
			return nil, err
		}
	}
	for name, p := range cfg.Providers {
		if err := b.container.Provide(name, p.Fn, p.Needs...); err != nil {
			return nil, fmt.Errorf("bot %s: %w", cfg.Name, err)
		}
	}

	d, err := dispatch.New(dispatch.Config{
		Controllers: cfg.Controllers,
		Container:   b.container,
		Logger:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", cfg.Name, err)
	}
	b.dispatcher = d

	seen := make(map[string]bool)
	for _, t := range cfg.Tasks {
		if t.Handler.Fn == nil {
			return nil, fmt.Errorf("%w: bot %s: task %q has no handler", domain.ErrConfiguration, cfg.Name, t.Name)
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("%w: bot %s: duplicate task %q", domain.ErrConfiguration, cfg.Name, t.Name)
		}
		seen[t.Name] = true
	}
	// surface trigger errors at build time rather than at launch
	if _, err := b.newScheduler(); err != nil {
		return nil, fmt.Errorf("bot %s: %w", cfg.Name, err)
	}
	return b, nil
}

func (b *Bot) session(ctx context.Context, _ depends.Args) (any, error) {
	f := b.store.factory()
	if f == nil {
		return nil, fmt.Errorf("bot %s: storage is not open", b.name)
	}
	return f.Session(ctx)
}

// Acquire opens the bot's resources. Calling it on an acquired bot is a
// no-op.
func (b *Bot) Acquire(ctx context.Context) error {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	if b.open {
		return nil
	}
	for i, r := range b.resources {
		if err := r.Open(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = b.resources[j].Close()
			}
			return fmt.Errorf("bot %s: open resources: %w", b.name, err)
		}
	}
	b.open = true
	return nil
}

// Release closes what Acquire opened. Only the first call after an Acquire
// has an effect.
func (b *Bot) Release() error {
	b.resMu.Lock()
	defer b.resMu.Unlock()
	if !b.open {
		return nil
	}
	b.open = false
	var errs []error
	for i := len(b.resources) - 1; i >= 0; i-- {
		if err := b.resources[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseControllers runs every controller's Close hook once per Bot.
func (b *Bot) CloseControllers() error {
	var errs []error
	b.closeOnce.Do(func() {
		for _, c := range b.controllers {
			if c.Close == nil {
				continue
			}
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("controller %s: %w", c.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// errSourceDone stops the errgroup when the listener ends without error.
var errSourceDone = errors.New("inbound source done")

// Run drives the listener and the scheduler until one of them ends, then
// stops the other. extra is merged into the handler values (the supervisor
// passes "control"). Run returns nil on plain completion, ctx.Err() on
// cancellation, or a *domain.Signal.
func (b *Bot) Run(ctx context.Context, extra map[string]any) error {
	values := make(map[string]any, len(b.values)+len(extra))
	for k, v := range b.values {
		values[k] = v
	}
	for k, v := range extra {
		values[k] = v
	}

	loop := listener.New(listener.Config{
		Bot:            b.name,
		View:           b.view,
		Dispatcher:     b.dispatcher,
		Values:         values,
		Logger:         b.logger,
		GraceWindow:    b.listenerOpt.GraceWindow,
		ErrorWindow:    b.listenerOpt.ErrorWindow,
		ErrorThreshold: b.listenerOpt.ErrorThreshold,
		Backoff:        b.listenerOpt.Backoff,
		Lock:           &b.work,
		Observe:        b.observe,
	})

	var sched *scheduler.Scheduler
	if len(b.tasks) > 0 {
		var err error
		if sched, err = b.newSchedulerWith(values); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil {
			return err
		}
		return errSourceDone
	})

	if sched != nil {
		g.Go(func() error {
			if err := sched.Run(gctx); err != nil {
				return err
			}
			return gctx.Err()
		})
	}

	err := g.Wait()
	switch {
	case errors.Is(err, errSourceDone):
		return nil
	case ctx.Err() != nil:
		if _, ok := domain.AsSignal(err); ok {
			return err
		}
		return ctx.Err()
	}
	return err
}

func (b *Bot) observe(msg domain.Message, outcome dispatch.Outcome, err error, elapsed time.Duration) {
	result := outcome.String()
	if err != nil {
		if _, ok := domain.AsSignal(err); !ok {
			result = "failed"
			b.events.Publish(bus.Event{Type: bus.MessageFailed, Bot: b.name, Detail: err.Error()})
		}
	}
	b.metrics.Message(b.name, result, elapsed)
}
