package domain

import (
	"context"
	"errors"
)

// ErrRestartListen is returned by a Listener when the caller should simply pull again.
var ErrRestartListen = errors.New("restart listen")

// Listener is one acquisition of a view's inbound stream.
// Next blocks until a message arrives, the context is cancelled, or the source fails.
// io.EOF means the stream is exhausted.
type Listener interface {
	Next(ctx context.Context) (Message, error)
	Close() error
}

// View is the platform adapter a bot talks through (console, Telegram, ...).
type View interface {
	Name() string
	Listen(ctx context.Context) (Listener, error)
	Reply(ctx context.Context, msg Message, text string) error

	// Fallback paths. Each sends a generic text to the message's chat.
	Error(ctx context.Context, msg Message) error
	UnknownCommand(ctx context.Context, msg Message) error
	Refuse(ctx context.Context, msg Message) error

	// Report delivers operator-facing detail (admin chat, stderr, ...).
	Report(ctx context.Context, text string) error
}
