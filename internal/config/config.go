// Package config loads the swiftbots configuration file: which bots exist,
// how they listen, and which stock controllers and tasks they carry.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"swiftbots/internal/scheduler"
)

// Config is the root configuration.
type Config struct {
	General    GeneralConfig    `json:"general" yaml:"general"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Supervisor SupervisorConfig `json:"supervisor" yaml:"supervisor"`
	Bots       []BotConfig      `json:"bots" yaml:"bots"`
}

// GeneralConfig fields can be overridden from the environment.
type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" env:"SWIFTBOTS_LOG_LEVEL"`
	LogFormat string `json:"logFormat" yaml:"logFormat" env:"SWIFTBOTS_LOG_FORMAT"` // "text" | "json"
	LogFile   string `json:"logFile,omitempty" yaml:"logFile,omitempty" env:"SWIFTBOTS_LOG_FILE"`
	DataDir   string `json:"dataDir" yaml:"dataDir" env:"SWIFTBOTS_DATA_DIR"` // bot databases live here
	// MetricsAddr, when set, serves Prometheus metrics at /metrics.
	MetricsAddr string `json:"metricsAddr,omitempty" yaml:"metricsAddr,omitempty" env:"SWIFTBOTS_METRICS_ADDR"`
}

type HTTPConfig struct {
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"SWIFTBOTS_HTTP_TIMEOUT"`
	UserAgent      string `json:"userAgent" yaml:"userAgent"`
}

type SupervisorConfig struct {
	ShutdownTimeoutSeconds int `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds" env:"SWIFTBOTS_SHUTDOWN_TIMEOUT"`
}

// BotConfig describes one bot.
type BotConfig struct {
	Name        string         `json:"name" yaml:"name"`
	Disabled    bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	View        ViewConfig     `json:"view" yaml:"view"`
	Controllers []string       `json:"controllers" yaml:"controllers"`
	Admins      FlexStringList `json:"admins,omitempty" yaml:"admins,omitempty"`
	Storage     bool           `json:"storage,omitempty" yaml:"storage,omitempty"`
	HTTP        bool           `json:"http,omitempty" yaml:"http,omitempty"`
	Tasks       []TaskConfig   `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	Listener    ListenerConfig `json:"listener,omitempty" yaml:"listener,omitempty"`
	// PollIntervalMs is the task scheduler's polling interval.
	PollIntervalMs int         `json:"pollIntervalMs,omitempty" yaml:"pollIntervalMs,omitempty"`
	Texts          TextsConfig `json:"texts,omitempty" yaml:"texts,omitempty"`
}

type ViewConfig struct {
	Type     string         `json:"type" yaml:"type"` // "console" | "telegram"
	Prompt   string         `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	Sender   string         `json:"sender,omitempty" yaml:"sender,omitempty"`
	Telegram TelegramConfig `json:"telegram,omitempty" yaml:"telegram,omitempty"`
}

type TelegramConfig struct {
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom,omitempty" yaml:"allowFrom,omitempty"`
	AdminChat int64          `json:"adminChat,omitempty" yaml:"adminChat,omitempty"`
	ParseMode string         `json:"parseMode,omitempty" yaml:"parseMode,omitempty"`
}

// TaskConfig attaches a stock task. Triggers use scheduler.Parse syntax:
// "every 30s", "cron */5 * * * *", "@hourly".
type TaskConfig struct {
	Name       string   `json:"name" yaml:"name"`
	Type       string   `json:"type" yaml:"type"` // "heartbeat" | "probe"
	Triggers   []string `json:"triggers" yaml:"triggers"`
	RunAtStart bool     `json:"runAtStart,omitempty" yaml:"runAtStart,omitempty"`
	Text       string   `json:"text,omitempty" yaml:"text,omitempty"`
	URL        string   `json:"url,omitempty" yaml:"url,omitempty"`
}

// ListenerConfig overrides the listener failure policy; zero keeps the
// built-in default.
type ListenerConfig struct {
	GraceMs            int `json:"graceMs,omitempty" yaml:"graceMs,omitempty"`
	ErrorWindowSeconds int `json:"errorWindowSeconds,omitempty" yaml:"errorWindowSeconds,omitempty"`
	ErrorThreshold     int `json:"errorThreshold,omitempty" yaml:"errorThreshold,omitempty"`
	BackoffSeconds     int `json:"backoffSeconds,omitempty" yaml:"backoffSeconds,omitempty"`
}

type TextsConfig struct {
	Unknown   string `json:"unknown,omitempty" yaml:"unknown,omitempty"`
	Forbidden string `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
	Failed    string `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Stock controllers and task types a config may name.
var (
	Controllers = []string{"admin", "calc", "echo", "fetch", "notes"}
	TaskTypes   = []string{"heartbeat", "probe"}
)

// FlexStringList is a []string that also accepts numbers, so Telegram IDs
// may be written unquoted.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: expected a list", node.Line)
	}
	result := make([]string, 0, len(node.Content))
	for _, item := range node.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: expected a scalar", item.Line)
		}
		result = append(result, item.Value)
	}
	*f = result
	return nil
}

// DefaultConfigDir returns ~/.swiftbots.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swiftbots"
	}
	return filepath.Join(home, ".swiftbots")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Load reads a JSON or YAML file (chosen by extension), expands ${VAR}
// references, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	cfg.Bots = nil
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields tagged with env from the process environment.
func ApplyEnv(cfg *Config) error {
	for _, target := range []any{&cfg.General, &cfg.HTTP, &cfg.Supervisor} {
		if err := env.Parse(target); err != nil {
			return fmt.Errorf("environment overrides: %w", err)
		}
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with its value. ${VAR:-default} falls back
// to default when VAR is unset or empty; an unset ${VAR} is kept as is.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, fallback := groups[1], groups[2]
		hasDefault := fallback != ""

		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			if hasDefault {
				return fallback
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON or YAML, chosen by extension.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate collects every problem instead of stopping at the first.
func Validate(cfg *Config) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		add("general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		add("general.logFormat must be text or json")
	}
	if cfg.HTTP.TimeoutSeconds < 0 {
		add("http.timeoutSeconds must be >= 0")
	}
	if cfg.Supervisor.ShutdownTimeoutSeconds < 0 {
		add("supervisor.shutdownTimeoutSeconds must be >= 0")
	}

	if len(cfg.Bots) == 0 {
		add("at least one bot is required")
	}
	names := make(map[string]bool)
	consoles := 0
	for i, b := range cfg.Bots {
		p := fmt.Sprintf("bots[%d]", i)
		if b.Name == "" {
			add("%s.name is required", p)
		} else if names[b.Name] {
			add("%s.name %q is used twice", p, b.Name)
		}
		names[b.Name] = true

		switch b.View.Type {
		case "console":
			if !b.Disabled {
				consoles++
			}
		case "telegram":
			if b.View.Telegram.Token == "" {
				add("%s.view.telegram.token is required", p)
			}
		default:
			add("%s.view.type must be console or telegram", p)
		}

		seen := make(map[string]bool)
		for _, c := range b.Controllers {
			switch {
			case !contains(Controllers, c):
				add("%s.controllers: unknown controller %q", p, c)
			case seen[c]:
				add("%s.controllers: %q listed twice", p, c)
			case c == "notes" && !b.Storage:
				add("%s.controllers: notes requires storage: true", p)
			case c == "fetch" && !b.HTTP:
				add("%s.controllers: fetch requires http: true", p)
			case c == "admin" && len(b.Admins) == 0:
				add("%s.admins is required by the admin controller", p)
			}
			seen[c] = true
		}

		tasks := make(map[string]bool)
		for j, t := range b.Tasks {
			tp := fmt.Sprintf("%s.tasks[%d]", p, j)
			if t.Name == "" {
				add("%s.name is required", tp)
			} else if tasks[t.Name] {
				add("%s.name %q is used twice", tp, t.Name)
			}
			tasks[t.Name] = true
			if !contains(TaskTypes, t.Type) {
				add("%s.type must be one of: %s", tp, strings.Join(TaskTypes, ", "))
			}
			if t.Type == "probe" {
				if t.URL == "" {
					add("%s.url is required for probe", tp)
				}
				if !b.HTTP {
					add("%s: probe requires http: true", tp)
				}
			}
			if len(t.Triggers) == 0 {
				add("%s.triggers: at least one trigger is required", tp)
			}
			for _, spec := range t.Triggers {
				if _, err := scheduler.Parse(spec); err != nil {
					add("%s.triggers: %v", tp, err)
				}
			}
		}

		l := b.Listener
		if l.GraceMs < 0 || l.ErrorWindowSeconds < 0 || l.ErrorThreshold < 0 || l.BackoffSeconds < 0 {
			add("%s.listener values must be >= 0", p)
		}
		if b.PollIntervalMs < 0 {
			add("%s.pollIntervalMs must be >= 0", p)
		}
	}

	if consoles > 1 {
		add("only one enabled bot may use the console view")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Enabled returns the bots not marked disabled.
func (c *Config) Enabled() []BotConfig {
	out := make([]BotConfig, 0, len(c.Bots))
	for _, b := range c.Bots {
		if !b.Disabled {
			out = append(out, b)
		}
	}
	return out
}

// DBPath is where the named bot keeps its database.
func (c *Config) DBPath(bot string) string {
	return filepath.Join(c.General.DataDir, bot+".db")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ExpandPath resolves a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
