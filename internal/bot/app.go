package bot

import (
	"fmt"
	"log/slog"

	"swiftbots/internal/bus"
	"swiftbots/internal/domain"
	"swiftbots/internal/metrics"
)

// AppConfig configures an App.
type AppConfig struct {
	Logger  *slog.Logger
	Events  *bus.Bus
	Metrics *metrics.Collector
}

// App collects bots before they are handed to the supervisor.
type App struct {
	logger  *slog.Logger
	events  *bus.Bus
	metrics *metrics.Collector
	bots    []*Bot
	byName  map[string]*Bot
}

func NewApp(cfg AppConfig) *App {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &App{
		logger:  cfg.Logger,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		byName:  make(map[string]*Bot),
	}
}

// AddBot builds and registers a bot. Bot names are unique per App.
func (a *App) AddBot(cfg Config) (*Bot, error) {
	if _, taken := a.byName[cfg.Name]; taken {
		return nil, fmt.Errorf("%w: duplicate bot name %q", domain.ErrConfiguration, cfg.Name)
	}
	b, err := build(cfg, a.logger, a.events, a.metrics)
	if err != nil {
		return nil, err
	}
	a.bots = append(a.bots, b)
	a.byName[b.name] = b
	a.logger.Debug("bot registered", "bot", b.name, "commands", len(b.Commands()), "tasks", len(b.tasks))
	return b, nil
}

// Bots returns the registered bots in registration order.
func (a *App) Bots() []*Bot {
	return append([]*Bot(nil), a.bots...)
}

func (a *App) Bot(name string) (*Bot, bool) {
	b, ok := a.byName[name]
	return b, ok
}

// Select returns the named bots in the given order, or all bots when names
// is empty.
func (a *App) Select(names ...string) ([]*Bot, error) {
	if len(names) == 0 {
		return a.Bots(), nil
	}
	out := make([]*Bot, 0, len(names))
	for _, n := range names {
		b, ok := a.byName[n]
		if !ok {
			return nil, fmt.Errorf("%w: unknown bot %q", domain.ErrConfiguration, n)
		}
		out = append(out, b)
	}
	return out, nil
}
