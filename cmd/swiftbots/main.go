package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"swiftbots/internal/bus"
	"swiftbots/internal/config"
	"swiftbots/internal/metrics"
	"swiftbots/internal/supervisor"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	debug      bool
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:           "swiftbots",
		Short:         "SwiftBots: run many chat bots in one process",
		Long:          "SwiftBots supervises console and Telegram bots assembled from a config file.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file, .json or .yaml (default: ~/.swiftbots/config.json)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(listCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	daemon := &cobra.Command{Use: "daemon", Short: "Manage the background service"}
	daemon.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	root.AddCommand(daemon)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig falls back to the defaults only when no config file exists.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg := config.Defaults()
		if err := config.ApplyEnv(cfg); err != nil {
			return nil, err
		}
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		return cfg, config.Validate(cfg)
	}
	return config.Load(cfgPath)
}

// setupLogger replaces the bootstrap logger according to the config. The
// returned func releases the log file, if any.
func setupLogger(general config.GeneralConfig) (func(), error) {
	level := slog.LevelInfo
	switch strings.ToLower(general.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	var (
		w       io.Writer = os.Stderr
		release           = func() {}
	)
	if general.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(general.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(general.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w = f
		release = func() { f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if general.LogFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		logger = slog.New(slog.NewTextHandler(w, opts))
	}
	slog.SetDefault(logger)
	return release, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [bot...]",
		Short: "Run the configured bots (all enabled bots when none are named)",
		Long:  "Starts the selected bots under the supervisor. Press Ctrl+C to stop.",
		RunE:  runBots,
	}
}

func runBots(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	release, err := setupLogger(cfg.General)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.New(logger)
	collector := metrics.New()
	defer collector.Watch(events)()
	if addr := cfg.General.MetricsAddr; addr != "" {
		go func() {
			if err := collector.Serve(ctx, addr, logger); err != nil {
				logger.Error("metrics server failed", "addr", addr, "err", err)
			}
		}()
	}

	app, err := assembly{cfg: cfg, logger: logger, events: events, metrics: collector}.build()
	if err != nil {
		return err
	}
	selected, err := app.Select(args...)
	if err != nil {
		return err
	}
	if len(selected) == 0 {
		return fmt.Errorf("no enabled bots in %s", resolveConfigPath())
	}

	all := app.Bots()
	runners := make([]supervisor.Runner, 0, len(all))
	for _, b := range all {
		runners = append(runners, b)
	}
	sup, err := supervisor.New(supervisor.Config{
		Bots:            runners,
		Logger:          logger,
		Events:          events,
		ShutdownTimeout: time.Duration(cfg.Supervisor.ShutdownTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	names := make([]string, 0, len(selected))
	for _, b := range selected {
		names = append(names, b.Name())
	}
	logger.Info("starting", "version", version, "bots", names)
	err = sup.Run(ctx, names...)
	logger.Info("stopped")
	return err
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured bots with their commands and tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := assembly{cfg: cfg, logger: logger}.build()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BOT\tVIEW\tCOMMANDS\tTASKS")
			for _, bc := range cfg.Bots {
				b, ok := app.Bot(bc.Name)
				if !ok {
					fmt.Fprintf(tw, "%s\t%s\t(disabled)\t\n", bc.Name, bc.View.Type)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", bc.Name, bc.View.Type,
					strings.Join(b.Commands(), ","), strings.Join(b.TaskNames(), ","))
			}
			return tw.Flush()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "swiftbots %s\n", version)
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Show, get and set configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolveConfigPath())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective config with tokens masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. bots.0.view.type)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. bots.0.disabled true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	return cmd
}
