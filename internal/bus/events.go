// Package bus publishes bot lifecycle events inside the process.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lifecycle event types.
const (
	BotStarted    = "bot.started"
	BotRestarting = "bot.restarting"
	BotStopped    = "bot.stopped"
	BotFailed     = "bot.failed"
	BotReleased   = "bot.released"
	ShutdownBegun = "supervisor.shutdown"
	MessageFailed = "message.failed"
	TaskFailed    = "task.failed"

	// Any subscribes to every event type.
	Any = "*"
)

const defaultHistory = 500

// Event is one lifecycle notification.
type Event struct {
	Type   string
	Bot    string
	Unit   string // supervisor unit ID, empty when not tied to a launch
	Detail string
	Time   time.Time
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

type subscription struct {
	id string
	fn Handler
}

// Bus is a topic-keyed publish/subscribe hub with a bounded history.
// The zero value is not usable; call New.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string][]subscription
	history    []Event
	maxHistory int
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:       make(map[string][]subscription),
		maxHistory: defaultHistory,
		logger:     logger,
	}
}

// Subscribe registers fn for eventType (or Any) and returns an ID for
// Unsubscribe.
func (b *Bus) Subscribe(eventType string, fn Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, fn: fn})
	b.mu.Unlock()
	return id
}

// Unsubscribe reports whether id was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, list := range b.subs {
		for i, s := range list {
			if s.id == id {
				b.subs[topic] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish records ev and calls matching handlers in registration order.
// A panicking handler is logged and skipped. A nil Bus drops the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.Lock()
	if len(b.history) >= b.maxHistory {
		b.history = b.history[1:]
	}
	b.history = append(b.history, ev)
	targets := make([]subscription, 0, len(b.subs[ev.Type])+len(b.subs[Any]))
	targets = append(targets, b.subs[ev.Type]...)
	targets = append(targets, b.subs[Any]...)
	b.mu.Unlock()

	for _, s := range targets {
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "event", ev.Type, "subscription", s.id, "panic", r)
		}
	}()
	s.fn(ev)
}

// Recent returns up to limit of the newest events, oldest first. Filtering
// by bot is skipped when bot is empty.
func (b *Bus) Recent(bot string, limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := len(b.history) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		ev := b.history[i]
		if bot != "" && ev.Bot != bot {
			continue
		}
		out = append(out, ev)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Since returns recorded events of eventType (or Any) at or after t.
func (b *Bus) Since(eventType string, t time.Time) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, ev := range b.history {
		if ev.Time.Before(t) {
			continue
		}
		if eventType == Any || ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of events held in history.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.history)
}
