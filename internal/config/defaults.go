package config

// Defaults returns a runnable configuration: one console bot with the
// calculator and echo controllers.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			DataDir:   "~/.swiftbots/data",
		},
		HTTP: HTTPConfig{
			TimeoutSeconds: 30,
			UserAgent:      "swiftbots",
		},
		Supervisor: SupervisorConfig{
			ShutdownTimeoutSeconds: 10,
		},
		Bots: []BotConfig{
			{
				Name:        "console",
				View:        ViewConfig{Type: "console", Prompt: "> "},
				Controllers: []string{"calc", "echo"},
			},
		},
	}
}
