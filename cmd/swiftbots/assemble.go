package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"swiftbots/internal/admin"
	"swiftbots/internal/bot"
	"swiftbots/internal/bus"
	"swiftbots/internal/config"
	"swiftbots/internal/controllers"
	"swiftbots/internal/dispatch"
	"swiftbots/internal/domain"
	"swiftbots/internal/httpclient"
	"swiftbots/internal/metrics"
	"swiftbots/internal/scheduler"
	"swiftbots/internal/view"
)

// assembly carries what bot construction needs besides the config.
type assembly struct {
	cfg     *config.Config
	logger  *slog.Logger
	events  *bus.Bus
	metrics *metrics.Collector

	// console streams; nil means the process's stdio
	in     io.Reader
	out    io.Writer
	report io.Writer
}

// build registers every enabled bot of the config with a new App.
func (a assembly) build() (*bot.App, error) {
	app := bot.NewApp(bot.AppConfig{Logger: a.logger, Events: a.events, Metrics: a.metrics})

	var client *http.Client
	for _, bc := range a.cfg.Enabled() {
		if bc.HTTP && client == nil {
			client = httpclient.New(httpclient.Config{
				Timeout:   time.Duration(a.cfg.HTTP.TimeoutSeconds) * time.Second,
				UserAgent: a.cfg.HTTP.UserAgent,
			})
		}
		bcfg, err := a.botConfig(bc, client)
		if err != nil {
			return nil, fmt.Errorf("bot %s: %w", bc.Name, err)
		}
		if _, err := app.AddBot(bcfg); err != nil {
			return nil, fmt.Errorf("bot %s: %w", bc.Name, err)
		}
	}
	return app, nil
}

func (a assembly) botConfig(bc config.BotConfig, client *http.Client) (bot.Config, error) {
	cfg := bot.Config{
		Name: bc.Name,
		View: a.view(bc, client, a.logger.With("bot", bc.Name)),
		Listener: bot.ListenerOptions{
			GraceWindow:    time.Duration(bc.Listener.GraceMs) * time.Millisecond,
			ErrorWindow:    time.Duration(bc.Listener.ErrorWindowSeconds) * time.Second,
			ErrorThreshold: bc.Listener.ErrorThreshold,
			Backoff:        time.Duration(bc.Listener.BackoffSeconds) * time.Second,
		},
		PollInterval: time.Duration(bc.PollIntervalMs) * time.Millisecond,
	}
	if bc.Storage {
		cfg.StoragePath = a.cfg.DBPath(bc.Name)
	}
	if bc.HTTP {
		cfg.HTTPClient = client
	}

	for _, name := range bc.Controllers {
		c, err := controller(name, bc)
		if err != nil {
			return bot.Config{}, err
		}
		cfg.Controllers = append(cfg.Controllers, c)
	}

	for _, tc := range bc.Tasks {
		task, err := task(tc)
		if err != nil {
			return bot.Config{}, err
		}
		cfg.Tasks = append(cfg.Tasks, task)
	}
	return cfg, nil
}

func (a assembly) view(bc config.BotConfig, client *http.Client, logger *slog.Logger) domain.View {
	texts := view.Texts{
		Unknown:   bc.Texts.Unknown,
		Forbidden: bc.Texts.Forbidden,
		Failed:    bc.Texts.Failed,
	}
	if bc.View.Type == "telegram" {
		tg := bc.View.Telegram
		return view.NewTelegram(view.TelegramConfig{
			Name:      bc.Name,
			Token:     tg.Token,
			AllowFrom: tg.AllowFrom,
			AdminChat: tg.AdminChat,
			ParseMode: tg.ParseMode,
			Client:    client,
			Texts:     texts,
			Logger:    logger,
		})
	}
	return view.NewConsole(view.ConsoleConfig{
		Name:   bc.Name,
		In:     a.in,
		Out:    a.out,
		Report: a.report,
		Sender: bc.View.Sender,
		Prompt: bc.View.Prompt,
		Texts:  texts,
		Logger: logger,
	})
}

func controller(name string, bc config.BotConfig) (dispatch.Controller, error) {
	switch name {
	case "calc":
		return controllers.Calculator(), nil
	case "echo":
		return controllers.Echo(), nil
	case "notes":
		return controllers.Notes(), nil
	case "fetch":
		return controllers.Fetch(), nil
	case "admin":
		return admin.Controller(bc.Admins), nil
	default:
		return dispatch.Controller{}, fmt.Errorf("%w: unknown controller %q", domain.ErrConfiguration, name)
	}
}

func task(tc config.TaskConfig) (bot.Task, error) {
	t := bot.Task{Name: tc.Name, RunAtStart: tc.RunAtStart}
	for _, spec := range tc.Triggers {
		trigger, err := scheduler.Parse(spec)
		if err != nil {
			return bot.Task{}, fmt.Errorf("task %s: %w", tc.Name, err)
		}
		t.Triggers = append(t.Triggers, trigger)
	}
	switch tc.Type {
	case "heartbeat":
		t.Handler = controllers.Heartbeat(tc.Text)
	case "probe":
		t.Handler = controllers.Probe(tc.URL)
	default:
		return bot.Task{}, fmt.Errorf("%w: unknown task type %q", domain.ErrConfiguration, tc.Type)
	}
	return t, nil
}
