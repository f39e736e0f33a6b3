package controllers

import (
	"context"

	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
)

// Echo repeats every message no command matched.
func Echo() dispatch.Controller {
	h := dispatch.Handle(func(ctx context.Context, a depends.Args) error {
		return reply(ctx, a, a.String(dispatch.ValueRawMessage))
	}, needs(dispatch.ValueRawMessage)...)
	return dispatch.Controller{Name: "echo", Default: &h}
}
