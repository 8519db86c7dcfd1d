package main

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/pollchat"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.pollchat/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Poll    ConfigPoll    `toml:"poll"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL      string `toml:"base_url"`
	RegisterPath string `toml:"register_path"`
	LogLevel     string `toml:"log_level"`
}

// ConfigAuth holds the session written by login.
type ConfigAuth struct {
	Access   string `toml:"access"`
	Refresh  string `toml:"refresh"`
	Username string `toml:"username"`
	UserID   string `toml:"user_id"`
}

// ConfigPoll holds refresh periods as Go duration strings ("1s", "500ms").
type ConfigPoll struct {
	Messages             string `toml:"messages"`
	Unread               string `toml:"unread"`
	RosterPresence       string `toml:"roster_presence"`
	ConversationPresence string `toml:"conversation_presence"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the config directory, creating it if needed.
// POLLCHAT_HOME overrides the default ~/.pollchat.
func configDir() (string, error) {
	dir := os.Getenv("POLLCHAT_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "cannot determine home directory")
		}
		dir = filepath.Join(home, ".pollchat")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", errors.Wrap(err, "cannot create config directory")
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, errors.Wrap(err, "cannot read config")
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "cannot parse config")
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "cannot marshal config")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrap(err, "cannot write config")
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return errors.New("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "register_path":
			cfg.Default.RegisterPath = value
		case "log_level":
			cfg.Default.LogLevel = value
		default:
			return errors.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "access":
			cfg.Auth.Access = value
		case "refresh":
			cfg.Auth.Refresh = value
		case "username":
			cfg.Auth.Username = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return errors.Errorf("unknown field %q in section [auth]", field)
		}
	case "poll":
		if value != "" {
			if _, err := time.ParseDuration(value); err != nil {
				return errors.Wrapf(err, "invalid duration for poll.%s", field)
			}
		}
		switch field {
		case "messages":
			cfg.Poll.Messages = value
		case "unread":
			cfg.Poll.Unread = value
		case "roster_presence":
			cfg.Poll.RosterPresence = value
		case "conversation_presence":
			cfg.Poll.ConversationPresence = value
		default:
			return errors.Errorf("unknown field %q in section [poll]", field)
		}
	default:
		return errors.Errorf("unknown config section %q (valid: default, auth, poll)", section)
	}
	return nil
}

// applyEnv overlays POLLCHAT_* environment variables on cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("POLLCHAT_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("POLLCHAT_REGISTER_PATH"); v != "" {
		cfg.Default.RegisterPath = v
	}
	if v := os.Getenv("POLLCHAT_LOG_LEVEL"); v != "" {
		cfg.Default.LogLevel = v
	}
	if v := os.Getenv("POLLCHAT_TOKEN"); v != "" {
		cfg.Auth.Access = v
	}
}

// pollIntervals converts the [poll] section. Unset or invalid entries fall
// back to the defaults.
func (c ConfigPoll) pollIntervals() pollchat.PollIntervals {
	parse := func(s string) time.Duration {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0
		}
		return d
	}
	return pollchat.PollIntervals{
		Messages:             parse(c.Messages),
		Unread:               parse(c.Unread),
		RosterPresence:       parse(c.RosterPresence),
		ConversationPresence: parse(c.ConversationPresence),
	}
}

// ============================================================================
// Root command
// ============================================================================

var (
	flagBaseURL     string
	flagLogLevel    string
	flagMetricsAddr string
	flagEnvFile     string
)

var rootCmd = &cobra.Command{
	Use:   "pollchat",
	Short: "Polling chat client",
	Long:  "Command-line and terminal client for a polling-based one-to-one chat service.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(flagEnvFile)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagBaseURL, "base-url", "", "Chat service base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "Dotenv file with POLLCHAT_* variables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
