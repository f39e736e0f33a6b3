// Package controllers holds the stock command tables and periodic tasks a
// config file can attach to a bot without writing Go.
package controllers

import (
	"context"
	"errors"
	"fmt"

	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
)

// replyNeeds are the names every replying handler asks for.
var replyNeeds = []string{dispatch.ValueView, dispatch.ValueMessage}

func needs(extra ...string) []string {
	return append(append([]string(nil), replyNeeds...), extra...)
}

// reply answers the message being handled.
func reply(ctx context.Context, a depends.Args, text string) error {
	view, ok := a.Get(dispatch.ValueView).(domain.View)
	if !ok {
		return errors.New("no view to reply through")
	}
	msg, _ := a.Get(dispatch.ValueMessage).(domain.Message)
	return view.Reply(ctx, msg, text)
}

func replyf(ctx context.Context, a depends.Args, format string, args ...any) error {
	return reply(ctx, a, fmt.Sprintf(format, args...))
}
