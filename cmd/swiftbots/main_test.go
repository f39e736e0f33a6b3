package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"swiftbots/internal/bus"
	"swiftbots/internal/config"
	"swiftbots/internal/supervisor"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.General.DataDir = t.TempDir()
	cfg.Bots = append(cfg.Bots,
		config.BotConfig{
			Name: "ops",
			View: config.ViewConfig{
				Type:     "telegram",
				Telegram: config.TelegramConfig{Token: "1:test", AllowFrom: config.FlexStringList{"42"}},
			},
			Controllers: []string{"admin", "notes", "fetch"},
			Admins:      config.FlexStringList{"42"},
			Storage:     true,
			HTTP:        true,
			Tasks: []config.TaskConfig{
				{Name: "beat", Type: "heartbeat", Triggers: []string{"every 1h"}},
				{Name: "site", Type: "probe", URL: "https://example.com", Triggers: []string{"@hourly"}},
			},
		},
		config.BotConfig{Name: "off", Disabled: true, View: config.ViewConfig{Type: "console"}},
	)
	if err := config.Validate(cfg); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestAssembly_BuildsEnabledBots(t *testing.T) {
	cfg := testConfig(t)
	app, err := assembly{cfg: cfg, logger: testLogger()}.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := len(app.Bots()); got != 2 {
		t.Fatalf("expected 2 enabled bots, got %d", got)
	}
	if _, ok := app.Bot("off"); ok {
		t.Fatal("disabled bot must not be registered")
	}

	console, _ := app.Bot("console")
	if !slices.Contains(console.Commands(), "add") {
		t.Fatalf("console should carry the calculator, got %v", console.Commands())
	}
	ops, _ := app.Bot("ops")
	for _, cmd := range []string{"note", "get", "bots", "restart"} {
		if !slices.Contains(ops.Commands(), cmd) {
			t.Errorf("ops should answer %q, got %v", cmd, ops.Commands())
		}
	}
	if got := ops.TaskNames(); len(got) != 2 || got[0] != "beat" || got[1] != "site" {
		t.Fatalf("unexpected tasks %v", got)
	}
}

func TestAssembly_UnknownController(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bots[0].Controllers = []string{"weather"}
	if _, err := (assembly{cfg: cfg, logger: testLogger()}).build(); err == nil {
		t.Fatal("expected error for unknown controller")
	}
}

func TestAssembly_ConsoleSession(t *testing.T) {
	cfg := config.Defaults()
	cfg.General.DataDir = t.TempDir()
	cfg.Bots[0].View.Prompt = ""

	var out, report bytes.Buffer
	events := bus.New(testLogger())
	app, err := assembly{
		cfg:    cfg,
		logger: testLogger(),
		events: events,
		in:     strings.NewReader("add 1 2\nhello there\n/quit\n"),
		out:    &out,
		report: &report,
	}.build()
	if err != nil {
		t.Fatal(err)
	}

	b, _ := app.Bot("console")
	sup, err := supervisor.New(supervisor.Config{Bots: []supervisor.Runner{b}, Logger: testLogger(), Events: events})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := out.String(); got != "3\nhello there\n" {
		t.Fatalf("unexpected console output %q", got)
	}
	if len(events.Since(bus.BotReleased, time.Time{})) != 1 {
		t.Fatal("expected the bot to be released once")
	}
}

func TestService_Definitions(t *testing.T) {
	svc := service{exec: "/usr/local/bin/swiftbots", config: "/etc/swiftbots.yaml", bots: []string{"ops"}}

	unit := svc.systemdUnit()
	if !strings.Contains(unit, "ExecStart=/usr/local/bin/swiftbots run --config /etc/swiftbots.yaml ops") {
		t.Fatalf("unexpected unit:\n%s", unit)
	}
	plist := svc.launchdPlist("/tmp/out.log", "/tmp/err.log")
	for _, want := range []string{"<string>run</string>", "<string>ops</string>", launchdLabel, "/tmp/err.log"} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q", want)
		}
	}
}

func TestBackupRestore_RoundTrip(t *testing.T) {
	src := t.TempDir()
	cfgPath := filepath.Join(src, "config.yaml")
	dataDir := filepath.Join(src, "data")
	os.MkdirAll(dataDir, 0o755)
	os.WriteFile(cfgPath, []byte("bots: []\n"), 0o644)
	os.WriteFile(filepath.Join(dataDir, "ops.db"), []byte("sqlite"), 0o644)
	os.WriteFile(filepath.Join(dataDir, "ops.db-wal"), []byte("wal"), 0o644)
	os.WriteFile(filepath.Join(dataDir, "notes.txt"), []byte("skip"), 0o644)

	entries, err := backupEntries(cfgPath, dataDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected config and two database files, got %+v", entries)
	}
	archive := filepath.Join(src, "backup.tar.gz")
	if err := createTarGz(archive, entries); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	restored, err := extractTarGz(archive, filepath.Join(dst, "config.json"), filepath.Join(dst, "data"))
	if err != nil {
		t.Fatal(err)
	}
	if len(restored) != 3 {
		t.Fatalf("expected 3 restored files, got %v", restored)
	}
	if data, err := os.ReadFile(filepath.Join(dst, "config.yaml")); err != nil || string(data) != "bots: []\n" {
		t.Fatalf("config not restored with its extension: %q %v", data, err)
	}
	if data, _ := os.ReadFile(filepath.Join(dst, "data", "ops.db")); string(data) != "sqlite" {
		t.Fatalf("database not restored: %q", data)
	}
}

func TestCheckDatabase(t *testing.T) {
	if err := checkDatabase(context.Background(), filepath.Join(t.TempDir(), "bot.db")); err != nil {
		t.Fatalf("checkDatabase: %v", err)
	}
}

func TestHumanSize(t *testing.T) {
	cases := map[int64]string{512: "512 B", 2048: "2.0 KB", 3 << 20: "3.0 MB"}
	for in, want := range cases {
		if got := humanSize(in); got != want {
			t.Errorf("humanSize(%d) = %q, want %q", in, got, want)
		}
	}
}
