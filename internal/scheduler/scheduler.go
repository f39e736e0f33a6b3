// Package scheduler runs a bot's periodic tasks from a single polling loop.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swiftbots/internal/domain"
)

const defaultInterval = time.Second

// TaskFunc is the body of a periodic task.
type TaskFunc func(ctx context.Context) error

// Option tweaks a task at registration.
type Option func(*entry)

// RunAtStart makes a task fire on the first tick even if no trigger is due yet.
func RunAtStart() Option {
	return func(e *entry) { e.runAtStart = true }
}

// Task is a read-only snapshot of a registered task.
type Task struct {
	Name       string
	Triggers   []Trigger
	RunAtStart bool
	Added      time.Time
	LastRun    time.Time
	Runs       int
}

type entry struct {
	name       string
	triggers   []Trigger
	run        TaskFunc
	runAtStart bool
	added      time.Time
	lastRun    time.Time
	runs       int
	removed    bool
}

func (e *entry) due(now time.Time) bool {
	if e.runAtStart && e.runs == 0 {
		return true
	}
	for _, t := range e.triggers {
		if t.due(now, e.lastRun, e.added) {
			return true
		}
	}
	return false
}

// Config configures a Scheduler.
type Config struct {
	Interval time.Duration // polling interval, default 1s
	Logger   *slog.Logger
	Now      func() time.Time
	// OnError receives task failures that are not control signals.
	OnError func(ctx context.Context, task string, err error)
}

// Scheduler polls its tasks every interval and runs the due ones in
// registration order, one at a time.
type Scheduler struct {
	mu       sync.Mutex
	entries  []*entry
	index    map[string]*entry
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	onError  func(ctx context.Context, task string, err error)
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Scheduler{
		index:    make(map[string]*entry),
		interval: cfg.Interval,
		now:      cfg.Now,
		logger:   cfg.Logger,
		onError:  cfg.OnError,
	}
}

// Add registers a task. It fails if the name is taken, no trigger is given
// or a trigger is unsupported.
func (s *Scheduler) Add(name string, triggers []Trigger, run TaskFunc, opts ...Option) error {
	if name == "" || run == nil {
		return fmt.Errorf("%w: task needs a name and a function", domain.ErrConfiguration)
	}
	if len(triggers) == 0 {
		return fmt.Errorf("%w: task %q has no triggers", domain.ErrConfiguration, name)
	}
	prepared := make([]Trigger, len(triggers))
	for i, t := range triggers {
		if err := t.prepare(); err != nil {
			return fmt.Errorf("task %q: %w", name, err)
		}
		prepared[i] = t
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[name]; exists {
		return fmt.Errorf("%w: task %q already registered", domain.ErrConfiguration, name)
	}
	e := &entry{name: name, triggers: prepared, run: run, added: s.now()}
	for _, opt := range opts {
		opt(e)
	}
	s.entries = append(s.entries, e)
	s.index[name] = e
	s.logger.Info("task added", "task", name, "triggers", len(prepared), "run_at_start", e.runAtStart)
	return nil
}

// Remove unregisters a task.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[name]
	if !ok {
		return fmt.Errorf("task %q not registered", name)
	}
	e.removed = true
	delete(s.index, name)
	for i, cur := range s.entries {
		if cur == e {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	s.logger.Info("task removed", "task", name)
	return nil
}

// Tasks returns snapshots in registration order.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]Task, 0, len(s.entries))
	for _, e := range s.entries {
		tasks = append(tasks, Task{
			Name:       e.name,
			Triggers:   append([]Trigger(nil), e.triggers...),
			RunAtStart: e.runAtStart,
			Added:      e.added,
			LastRun:    e.lastRun,
			Runs:       e.runs,
		})
	}
	return tasks
}

// Run polls until ctx is done. A control signal returned by a task stops
// the loop and is returned.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Debug("scheduler started", "interval", s.interval)
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("scheduler stopping")
			return nil
		case <-timer.C:
		}
		if err := s.tick(ctx); err != nil {
			return err
		}
		timer.Reset(s.interval)
	}
}

// tick runs every due task once. The clock is read again before each task,
// so a slow task delays the evaluation of the ones after it.
func (s *Scheduler) tick(ctx context.Context) error {
	s.mu.Lock()
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	for _, e := range entries {
		if ctx.Err() != nil {
			return nil
		}
		now := s.now()

		s.mu.Lock()
		due := !e.removed && e.due(now)
		if due {
			e.lastRun = now
			e.runs++
		}
		s.mu.Unlock()
		if !due {
			continue
		}

		s.logger.Debug("running task", "task", e.name)
		if err := s.runTask(ctx, e); err != nil {
			if _, ok := domain.AsSignal(err); ok {
				return err
			}
			s.logger.Error("task failed", "task", e.name, "err", err)
			if s.onError != nil {
				s.onError(ctx, e.name, err)
			}
		}
	}
	return nil
}

func (s *Scheduler) runTask(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return e.run(ctx)
}
