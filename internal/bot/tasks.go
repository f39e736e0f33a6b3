package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"swiftbots/internal/bus"
	"swiftbots/internal/scheduler"
	"swiftbots/internal/storage"
)

func (b *Bot) newScheduler() (*scheduler.Scheduler, error) {
	return b.newSchedulerWith(b.values)
}

// newSchedulerWith registers every task against values. Task handlers take
// the bot's work lock, so they never overlap a message handler.
func (b *Bot) newSchedulerWith(values map[string]any) (*scheduler.Scheduler, error) {
	s := scheduler.New(scheduler.Config{
		Interval: b.interval,
		Logger:   b.logger,
		OnError:  b.taskFailed,
	})
	for _, t := range b.tasks {
		task := t
		run := func(ctx context.Context) error {
			b.work.Lock()
			begin := time.Now()
			err := b.container.Call(ctx, task.Handler.Needs, values, task.Handler.Fn)
			elapsed := time.Since(begin)
			b.work.Unlock()
			b.metrics.TaskRun(b.name, task.Name, err, elapsed)
			b.journal(ctx, task.Name, err)
			return err
		}
		var opts []scheduler.Option
		if task.RunAtStart {
			opts = append(opts, scheduler.RunAtStart())
		}
		if err := s.Add(task.Name, task.Triggers, run, opts...); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (b *Bot) taskFailed(ctx context.Context, task string, err error) {
	b.events.Publish(bus.Event{Type: bus.TaskFailed, Bot: b.name, Detail: fmt.Sprintf("%s: %v", task, err)})
	if rerr := b.view.Report(ctx, fmt.Sprintf("bot %s: task %s failed: %v", b.name, task, err)); rerr != nil {
		b.logger.Warn("cannot report task failure", "task", task, "err", rerr)
	}
}

// journal records the run in the bot's database, when it has one.
func (b *Bot) journal(ctx context.Context, task string, runErr error) {
	f := b.store.factory()
	if f == nil || ctx.Err() != nil {
		return
	}
	s, err := f.Session(ctx)
	if err != nil {
		b.logger.Warn("cannot journal task run", "task", task, "err", err)
		return
	}
	defer s.Close()
	if err := s.RecordRun(ctx, b.name, task, runErr); err != nil {
		b.logger.Warn("cannot journal task run", "task", task, "err", err)
	}
}

// storageResource opens the bot's database on Acquire.
type storageResource struct {
	path   string
	logger *slog.Logger

	mu sync.RWMutex
	f  *storage.Factory
}

func (r *storageResource) Open(ctx context.Context) error {
	f, err := storage.Open(r.path, r.logger)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.f = f
	r.mu.Unlock()
	return nil
}

func (r *storageResource) Close() error {
	r.mu.Lock()
	f := r.f
	r.f = nil
	r.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

// factory is nil-safe so bots without storage can call it.
func (r *storageResource) factory() *storage.Factory {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.f
}
