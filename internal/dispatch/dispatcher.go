// Package dispatch routes an inbound message to exactly one command handler,
// the default handler, the refusal path or the unknown-command path.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"swiftbots/internal/depends"
	"swiftbots/internal/domain"
)

// Names injected into every handler call.
const (
	ValueRawMessage = "raw_message"
	ValueArguments  = "arguments"
	ValueCommand    = "command"
	ValueMessage    = "message"
	ValueSender     = "sender"
	ValueView       = "view"
)

// Outcome says which path handled a message.
type Outcome int

const (
	Handled Outcome = iota + 1
	Refused
	Defaulted
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Handled:
		return "handled"
	case Refused:
		return "refused"
	case Defaulted:
		return "default"
	case Unknown:
		return "unknown"
	default:
		return "none"
	}
}

// Match is the winning command for a message.
type Match struct {
	Command   string
	Arguments string
	Exact     bool
}

// Config holds the inputs for New.
type Config struct {
	Controllers []Controller
	Container   *depends.Container // optional: derived dependencies
	Logger      *slog.Logger
}

// Dispatcher is immutable after New and safe for concurrent use.
type Dispatcher struct {
	commands  []*compiled // sorted by lowercase name
	fallback  *Handler
	container *depends.Container
	logger    *slog.Logger
}

// New compiles every controller's command table. Command names must be
// unique per bot (case-insensitive) and at most one default may exist.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Container == nil {
		cfg.Container = depends.NewContainer()
	}

	d := &Dispatcher{container: cfg.Container, logger: cfg.Logger}
	owners := make(map[string]string)
	var fallbackOwner string

	for _, ctrl := range cfg.Controllers {
		for _, cmd := range ctrl.Commands {
			c, err := compile(cmd)
			if err != nil {
				return nil, fmt.Errorf("controller %s: %w", ctrl.Name, err)
			}
			key := strings.ToLower(c.cmd.Name)
			if owner, dup := owners[key]; dup {
				return nil, fmt.Errorf("%w: command %q registered by %s and %s",
					domain.ErrConfiguration, c.cmd.Name, owner, ctrl.Name)
			}
			owners[key] = ctrl.Name
			d.commands = append(d.commands, c)
		}
		if ctrl.Default != nil {
			if d.fallback != nil {
				return nil, fmt.Errorf("%w: default handler registered by %s and %s",
					domain.ErrConfiguration, fallbackOwner, ctrl.Name)
			}
			if ctrl.Default.Fn == nil {
				return nil, fmt.Errorf("%w: controller %s has an empty default handler",
					domain.ErrConfiguration, ctrl.Name)
			}
			h := *ctrl.Default
			d.fallback = &h
			fallbackOwner = ctrl.Name
		}
	}

	sort.Slice(d.commands, func(i, j int) bool {
		return strings.ToLower(d.commands[i].cmd.Name) < strings.ToLower(d.commands[j].cmd.Name)
	})
	return d, nil
}

// Commands lists the compiled command names in sorted order.
func (d *Dispatcher) Commands() []string {
	names := make([]string, len(d.commands))
	for i, c := range d.commands {
		names[i] = c.cmd.Name
	}
	return names
}

// HasDefault reports whether a default handler is registered.
func (d *Dispatcher) HasDefault() bool { return d.fallback != nil }

// Match finds the command for text: an exact match wins at once, otherwise
// the longest matching name.
func (d *Dispatcher) Match(text string) (Match, bool) {
	c, remainder, exact := d.best(text)
	if c == nil {
		return Match{}, false
	}
	return Match{Command: c.cmd.Name, Arguments: strings.TrimSpace(remainder), Exact: exact}, true
}

func (d *Dispatcher) best(text string) (*compiled, string, bool) {
	var (
		winner    *compiled
		remainder string
	)
	for _, c := range d.commands {
		rest, ok := c.match(text)
		if !ok {
			continue
		}
		if rest == "" {
			return c, "", true
		}
		if winner == nil || len(c.cmd.Name) > len(winner.cmd.Name) {
			winner, remainder = c, rest
		}
	}
	return winner, remainder, false
}

// Dispatch runs exactly one path for msg and waits for it to finish.
// values are the bot-level names (logger, bot, storage, ...); the message
// specific names are added on top. Handler errors, including control
// signals, are returned to the caller; a failed refusal or unknown-command
// reply is only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.Message, view domain.View, values map[string]any) (Outcome, error) {
	c, remainder, _ := d.best(msg.Text)

	switch {
	case c != nil:
		if !c.permits(msg.Sender) {
			d.logger.Info("command refused", "command", c.cmd.Name, "sender", msg.Sender)
			if err := view.Refuse(ctx, msg); err != nil {
				d.logger.Warn("cannot send refusal", "sender", msg.Sender, "err", err)
			}
			return Refused, nil
		}
		args := strings.TrimSpace(remainder)
		d.logger.Debug("dispatching command", "command", c.cmd.Name, "sender", msg.Sender, "args_len", len(args))
		err := d.invoke(ctx, c.cmd.Handler, callValues(values, msg, view, msg.Text, args, c.cmd.Name))
		if err != nil {
			return Handled, fmt.Errorf("command %s: %w", c.cmd.Name, err)
		}
		return Handled, nil

	case d.fallback != nil:
		err := d.invoke(ctx, *d.fallback, callValues(values, msg, view, msg.Text, msg.Text, ""))
		if err != nil {
			return Defaulted, fmt.Errorf("default handler: %w", err)
		}
		return Defaulted, nil

	default:
		d.logger.Debug("unknown command", "sender", msg.Sender)
		if err := view.UnknownCommand(ctx, msg); err != nil {
			d.logger.Warn("cannot send unknown-command reply", "sender", msg.Sender, "err", err)
		}
		return Unknown, nil
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, values map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return d.container.Call(ctx, h.Needs, values, h.Fn)
}

func callValues(base map[string]any, msg domain.Message, view domain.View, raw, args, command string) map[string]any {
	values := make(map[string]any, len(base)+6)
	for k, v := range base {
		values[k] = v
	}
	values[ValueRawMessage] = raw
	values[ValueArguments] = args
	values[ValueCommand] = command
	values[ValueMessage] = msg
	values[ValueSender] = msg.Sender
	values[ValueView] = view
	return values
}
