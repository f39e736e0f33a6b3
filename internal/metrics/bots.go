package metrics

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net"
	"net/http"
	"time"

	"swiftbots/internal/bus"
)

const (
	messagesTotal   = "swiftbots_messages_total"
	messageSeconds  = "swiftbots_message_seconds"
	taskRunsTotal   = "swiftbots_task_runs_total"
	taskSeconds     = "swiftbots_task_seconds"
	botRunning      = "swiftbots_bot_running"
	botRestarts     = "swiftbots_bot_restarts_total"
	lifecycleEvents = "swiftbots_bot_events_total"
)

var latencyBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, math.Inf(1)}

// Message records one dispatched message. result is the dispatch outcome,
// or "failed" when the handler returned an error.
func (c *Collector) Message(bot, result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Counter(messagesTotal, "Messages dispatched per bot and result", Labels("bot", bot, "result", result)).Inc()
	c.Histogram(messageSeconds, "Message handling time in seconds", Labels("bot", bot), latencyBuckets).Observe(elapsed.Seconds())
}

// TaskRun records one task execution.
func (c *Collector) TaskRun(bot, task string, err error, elapsed time.Duration) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	c.Counter(taskRunsTotal, "Task runs per bot, task and result", Labels("bot", bot, "task", task, "result", result)).Inc()
	c.Histogram(taskSeconds, "Task run time in seconds", Labels("bot", bot, "task", task), latencyBuckets).Observe(elapsed.Seconds())
}

// Watch derives lifecycle metrics from the event bus. The returned func
// stops watching.
func (c *Collector) Watch(events *bus.Bus) func() {
	if c == nil || events == nil {
		return func() {}
	}
	id := events.Subscribe(bus.Any, func(ev bus.Event) {
		if ev.Bot == "" {
			return
		}
		c.Counter(lifecycleEvents, "Lifecycle events per bot and type", Labels("bot", ev.Bot, "type", ev.Type)).Inc()
		running := c.Gauge(botRunning, "1 while the bot has a live unit", Labels("bot", ev.Bot))
		switch ev.Type {
		case bus.BotStarted:
			running.Set(1)
		case bus.BotRestarting:
			c.Counter(botRestarts, "Restarts per bot", Labels("bot", ev.Bot)).Inc()
		case bus.BotStopped, bus.BotFailed:
			running.Set(0)
		}
	})
	return func() { events.Unsubscribe(id) }
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("metrics listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
