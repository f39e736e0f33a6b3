// Package testutil provides in-memory views and loggers for tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"swiftbots/internal/domain"
)

// Logger returns a logger that only prints errors.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Item is one scripted result of Listener.Next.
type Item struct {
	Msg domain.Message
	Err error
}

// Msg scripts a message from sender.
func Msg(sender, text string) Item {
	return Item{Msg: domain.Message{Sender: sender, Chat: sender, Text: text}}
}

// Fail scripts a source error.
func Fail(err error) Item {
	return Item{Err: err}
}

// Listener replays scripted items, then blocks until the context ends.
type Listener struct {
	mu     sync.Mutex
	items  []Item
	closed int
}

func NewListener(items ...Item) *Listener {
	return &Listener{items: items}
}

func (l *Listener) Next(ctx context.Context) (domain.Message, error) {
	l.mu.Lock()
	if len(l.items) > 0 {
		it := l.items[0]
		l.items = l.items[1:]
		l.mu.Unlock()
		return it.Msg, it.Err
	}
	l.mu.Unlock()

	<-ctx.Done()
	return domain.Message{}, ctx.Err()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed++
	return nil
}

// Closed returns how many times Close was called.
func (l *Listener) Closed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// View records every call made through the domain.View contract.
type View struct {
	mu sync.Mutex

	// Listeners are handed out by Listen in order; the last one is reused.
	Listeners []domain.Listener
	// ListenErr, when set, is returned by Listen instead.
	ListenErr error
	// FallbackErr, when set, is returned by Refuse and UnknownCommand.
	FallbackErr error

	listens int
	replies []string
	errors  int
	unknown int
	refused int
	reports []string
}

func (v *View) Name() string { return "test" }

func (v *View) Listen(ctx context.Context) (domain.Listener, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listens++
	if v.ListenErr != nil {
		return nil, v.ListenErr
	}
	if len(v.Listeners) == 0 {
		return NewListener(), nil
	}
	l := v.Listeners[0]
	if len(v.Listeners) > 1 {
		v.Listeners = v.Listeners[1:]
	}
	return l, nil
}

func (v *View) Reply(ctx context.Context, msg domain.Message, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.replies = append(v.replies, text)
	return nil
}

func (v *View) Error(ctx context.Context, msg domain.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.errors++
	return nil
}

func (v *View) UnknownCommand(ctx context.Context, msg domain.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.unknown++
	return v.FallbackErr
}

func (v *View) Refuse(ctx context.Context, msg domain.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.refused++
	return v.FallbackErr
}

func (v *View) Report(ctx context.Context, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.reports = append(v.reports, text)
	return nil
}

// Counts is a snapshot of recorded calls.
type Counts struct {
	Listens int
	Replies []string
	Errors  int
	Unknown int
	Refused int
	Reports []string
}

func (v *View) Counts() Counts {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Counts{
		Listens: v.listens,
		Replies: append([]string(nil), v.replies...),
		Errors:  v.errors,
		Unknown: v.unknown,
		Refused: v.refused,
		Reports: append([]string(nil), v.reports...),
	}
}
