package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"swiftbots/internal/config"
	"swiftbots/internal/httpclient"
	"swiftbots/internal/storage"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Printf("  [PASS] %-24s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-24s %s\n", check, detail)
	r.failed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Printf("  [WARN] %-24s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	var online bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the configuration and bot databases",
		Long: `Verifies that the config loads, that every storage-enabled bot can open
its database and, with --online, that Telegram tokens are accepted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("SwiftBots Doctor v%s\n\n", version)
			var r checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'swiftbots init' to create a default configuration.\n")
				return fmt.Errorf("no config file")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("1 check(s) failed")
			}
			r.pass("Config validation", fmt.Sprintf("%d bot(s), %d enabled", len(cfg.Bots), len(cfg.Enabled())))

			if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
				r.fail("Data directory", err.Error())
			} else {
				r.pass("Data directory", cfg.General.DataDir)
			}

			var client *http.Client
			if online {
				client = httpclient.New(httpclient.Config{
					Timeout:   10 * time.Second,
					UserAgent: cfg.HTTP.UserAgent,
				})
			}

			for _, bc := range cfg.Enabled() {
				if bc.Storage {
					dbPath := cfg.DBPath(bc.Name)
					if err := checkDatabase(cmd.Context(), dbPath); err != nil {
						r.fail("Database: "+bc.Name, err.Error())
					} else {
						r.pass("Database: "+bc.Name, dbPath)
					}
				}
				if bc.View.Type != "telegram" {
					continue
				}
				if len(bc.View.Telegram.AllowFrom) == 0 {
					r.warn("Telegram: "+bc.Name, "allowFrom is empty, every user may talk to the bot")
				}
				if client == nil {
					continue
				}
				if name, err := checkTelegram(bc.View.Telegram.Token, client); err != nil {
					r.fail("Telegram: "+bc.Name, err.Error())
				} else {
					r.pass("Telegram: "+bc.Name, "@"+name)
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&online, "online", false, "also verify Telegram tokens against the Bot API")
	return cmd
}

// checkDatabase opens the bot database, runs its migrations and writes a
// probe key.
func checkDatabase(ctx context.Context, dbPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	f, err := storage.Open(dbPath, slog.New(slog.DiscardHandler))
	if err != nil {
		return err
	}
	defer f.Close()

	s, err := f.Session(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Put(ctx, "doctor", "probe", time.Now().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	_, err = s.Delete(ctx, "doctor", "probe")
	return err
}

func checkTelegram(token string, client *http.Client) (string, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return "", fmt.Errorf("token rejected: %w", err)
	}
	return api.Self.UserName, nil
}
