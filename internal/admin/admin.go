// Package admin exposes the supervisor's registry as chat commands.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"swiftbots/internal/bot"
	"swiftbots/internal/bus"
	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
	"swiftbots/internal/supervisor"
)

const defaultEventLimit = 10

// Control is the part of supervisor.Registry the commands use.
type Control interface {
	Bots() []supervisor.Status
	Stop(ctx context.Context, name string) error
	Start(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Shutdown(ctx context.Context) error
	Events(bot string, limit int) []bus.Event
}

// Controller returns the admin command table. Only senders in admins may
// use it; an empty list refuses everyone.
func Controller(admins []string) dispatch.Controller {
	allow := admins
	if len(allow) == 0 {
		// nobody; the sentinel cannot be a real sender
		allow = []string{"\x00"}
	}
	cmd := func(name string, fn dispatch.HandlerFunc) dispatch.Command {
		return dispatch.Command{
			Name:  name,
			Allow: allow,
			Handler: dispatch.Handle(fn, bot.ValueControl, dispatch.ValueView, dispatch.ValueMessage,
				dispatch.ValueArguments, dispatch.ValueCommand),
		}
	}
	return dispatch.Controller{
		Name: "admin",
		Commands: []dispatch.Command{
			cmd("bots", listBots),
			cmd("stop", byName(Control.Stop, "stopping %s")),
			cmd("start", byName(Control.Start, "started %s")),
			cmd("restart", byName(Control.Restart, "restarting %s")),
			cmd("shutdown", shutdown),
			cmd("events", events),
		},
	}
}

func control(a depends.Args) (Control, error) {
	c, ok := a.Get(bot.ValueControl).(Control)
	if !ok {
		return nil, errors.New("admin commands need a supervisor")
	}
	return c, nil
}

func reply(ctx context.Context, a depends.Args, text string) error {
	view, ok := a.Get(dispatch.ValueView).(domain.View)
	if !ok {
		return errors.New("no view to reply through")
	}
	msg, _ := a.Get(dispatch.ValueMessage).(domain.Message)
	return view.Reply(ctx, msg, text)
}

func listBots(ctx context.Context, a depends.Args) error {
	c, err := control(a)
	if err != nil {
		return err
	}
	var b strings.Builder
	for _, st := range c.Bots() {
		state := "stopped"
		if st.Running {
			state = "running " + time.Since(st.Since).Round(time.Second).String()
		}
		fmt.Fprintf(&b, "%s: %s", st.Name, state)
		if st.Restarts > 0 {
			fmt.Fprintf(&b, ", %d restarts", st.Restarts)
		}
		if !st.Running && st.LastOutcome != "" {
			fmt.Fprintf(&b, ", last exit %s", st.LastOutcome)
		}
		b.WriteByte('\n')
	}
	return reply(ctx, a, strings.TrimSuffix(b.String(), "\n"))
}

// byName builds a handler that applies op to the bot named in the
// arguments. Registry errors are answered, not raised.
func byName(op func(Control, context.Context, string) error, done string) dispatch.HandlerFunc {
	return func(ctx context.Context, a depends.Args) error {
		name := a.String(dispatch.ValueArguments)
		if name == "" {
			return reply(ctx, a, "usage: "+a.String(dispatch.ValueCommand)+" <bot>")
		}
		c, err := control(a)
		if err != nil {
			return err
		}
		if err := op(c, ctx, name); err != nil {
			return reply(ctx, a, err.Error())
		}
		return reply(ctx, a, fmt.Sprintf(done, name))
	}
}

func shutdown(ctx context.Context, a depends.Args) error {
	c, err := control(a)
	if err != nil {
		return err
	}
	if err := reply(ctx, a, "shutting down"); err != nil {
		return err
	}
	return c.Shutdown(ctx)
}

func events(ctx context.Context, a depends.Args) error {
	c, err := control(a)
	if err != nil {
		return err
	}
	list := c.Events(a.String(dispatch.ValueArguments), defaultEventLimit)
	if len(list) == 0 {
		return reply(ctx, a, "no events")
	}
	var b strings.Builder
	for _, ev := range list {
		fmt.Fprintf(&b, "%s %s", ev.Time.Format("15:04:05"), ev.Type)
		if ev.Bot != "" {
			fmt.Fprintf(&b, " %s", ev.Bot)
		}
		if ev.Detail != "" {
			fmt.Fprintf(&b, ": %s", ev.Detail)
		}
		b.WriteByte('\n')
	}
	return reply(ctx, a, strings.TrimSuffix(b.String(), "\n"))
}
