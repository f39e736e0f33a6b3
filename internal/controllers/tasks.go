package controllers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"swiftbots/internal/bot"
	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
)

// Heartbeat reports text and the bot's uptime to the operator on every
// firing.
func Heartbeat(text string) dispatch.Handler {
	if text == "" {
		text = "alive"
	}
	started := time.Now()
	return dispatch.Handle(func(ctx context.Context, a depends.Args) error {
		view, ok := a.Get(dispatch.ValueView).(domain.View)
		if !ok {
			return errors.New("no view to report through")
		}
		uptime := time.Since(started).Round(time.Second)
		return view.Report(ctx, fmt.Sprintf("%s: %s (up %s)", a.String(bot.ValueBot), text, uptime))
	}, dispatch.ValueView, bot.ValueBot)
}

// Probe fails when target does not answer with a 2xx status, so the
// scheduler reports it.
func Probe(target string) dispatch.Handler {
	return dispatch.Handle(func(ctx context.Context, a depends.Args) error {
		client, ok := a.Get(bot.ValueHTTPClient).(*http.Client)
		if !ok {
			return errors.New("no http client")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("probe %s: %w", target, err)
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe %s: %s", target, resp.Status)
		}
		return nil
	}, bot.ValueHTTPClient)
}
