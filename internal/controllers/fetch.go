package controllers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"swiftbots/internal/bot"
	"swiftbots/internal/depends"
	"swiftbots/internal/dispatch"
)

const fetchPreview = 300

// Fetch answers "get <url>" with the response status and the start of the
// body.
func Fetch() dispatch.Controller {
	return dispatch.Controller{
		Name: "fetch",
		Commands: []dispatch.Command{
			{Name: "get", Handler: dispatch.Handle(fetch, needs(bot.ValueHTTPClient, dispatch.ValueArguments)...)},
		},
	}
}

func fetch(ctx context.Context, a depends.Args) error {
	target := a.String(dispatch.ValueArguments)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return reply(ctx, a, "usage: get <http(s) url>")
	}
	client, ok := a.Get(bot.ValueHTTPClient).(*http.Client)
	if !ok {
		return errors.New("no http client")
	}

	status, body, err := get(ctx, client, u.String(), fetchPreview)
	if err != nil {
		return err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return reply(ctx, a, status)
	}
	return replyf(ctx, a, "%s\n%s", status, body)
}

// get returns the status line and up to limit bytes of the body.
func get(ctx context.Context, client *http.Client, target string, limit int64) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("get %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return resp.Status, "", fmt.Errorf("read %s: %w", target, err)
	}
	return resp.Status, string(body), nil
}
