package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by WithDefaults.
const (
	DefaultListenAddr   = "127.0.0.1:8422"
	DefaultLogLevel     = "info"
	DefaultNetwork      = "unix"
	DefaultTimeout      = 5 * time.Minute
	DefaultHistoryLimit = 100
	fallbackSocketPath  = "/tmp/git-sentry.sock"
)

// Environment variables consulted when the file leaves a value unset.
const (
	EnvBotToken = "GIT_SENTRY_BOT_TOKEN"
	EnvChatID   = "GIT_SENTRY_CHAT_ID"
	EnvSocket   = "GIT_SENTRY_SOCKET"
	EnvAuthSock = "SSH_AUTH_SOCK"
)

// Duration wraps time.Duration with YAML and TOML unmarshalling for
// human-readable strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// ServeConfig holds serve-subcommand settings.
type ServeConfig struct {
	// Network is "unix" or "tcp".
	Network string `yaml:"network" toml:"network"`
	// Socket is the agent endpoint clients point SSH_AUTH_SOCK at, or a
	// loopback host:port when Network is "tcp".
	Socket string `yaml:"socket" toml:"socket"`
	// Upstream is the real agent's socket path.
	Upstream string `yaml:"upstream" toml:"upstream"`
	// Policy lists the request kinds that need approval.
	Policy        []string `yaml:"policy" toml:"policy"`
	LogLevel      string   `yaml:"log_level" toml:"log_level"`
	LogFormat     string   `yaml:"log_format" toml:"log_format"`
	Timeout       Duration `yaml:"timeout" toml:"timeout"`
	HistoryLimit  int      `yaml:"history_limit" toml:"history_limit"`
	Notifications *bool    `yaml:"notifications" toml:"notifications"`
}

// TelegramConfig holds bot credentials. Both fields must be set for the
// Telegram notifier to be enabled.
type TelegramConfig struct {
	Token  string `yaml:"token" toml:"token"`
	ChatID int64  `yaml:"chat_id" toml:"chat_id"`
	APIURL string `yaml:"api_url" toml:"api_url"`
}

// Enabled reports whether the bot has credentials.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && t.ChatID != 0
}

// Config is the top-level configuration file structure.
type Config struct {
	StateDir string         `yaml:"state_dir" toml:"state_dir"`
	Listen   string         `yaml:"listen" toml:"listen"`
	Serve    ServeConfig    `yaml:"serve" toml:"serve"`
	Telegram TelegramConfig `yaml:"telegram" toml:"telegram"`
}

// DefaultPath returns the default config file path using XDG_CONFIG_HOME.
func DefaultPath() string {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, "git-sentry", "config.yaml")
}

// DefaultSocketPath returns where the agent socket lives when neither the
// file nor GIT_SENTRY_SOCKET name one.
func DefaultSocketPath() string {
	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		return filepath.Join(runtimeDir, "git-sentry", "agent.sock")
	}
	return fallbackSocketPath
}

// Load reads and parses a config file. Files ending in .toml are decoded as
// TOML, everything else as YAML. If the file does not exist, it returns an
// empty Config and a nil error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		return &cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// WithDefaults returns a copy with unset values filled from the environment
// and then from built-in defaults.
func (c *Config) WithDefaults() *Config {
	out := *c
	out.Serve.Policy = append([]string(nil), c.Serve.Policy...)

	if out.Listen == "" {
		out.Listen = DefaultListenAddr
	}
	if out.Serve.Network == "" {
		out.Serve.Network = DefaultNetwork
	}
	if out.Serve.Socket == "" {
		out.Serve.Socket = os.Getenv(EnvSocket)
	}
	if out.Serve.Socket == "" && out.Serve.Network == "unix" {
		out.Serve.Socket = DefaultSocketPath()
	}
	if out.Serve.Upstream == "" {
		// After setup SSH_AUTH_SOCK may already point at us.
		if sock := os.Getenv(EnvAuthSock); sock != out.Serve.Socket {
			out.Serve.Upstream = sock
		}
	}
	if len(out.Serve.Policy) == 0 {
		out.Serve.Policy = []string{"sign"}
	}
	if out.Serve.LogLevel == "" {
		out.Serve.LogLevel = DefaultLogLevel
	}
	if out.Serve.Timeout == 0 {
		out.Serve.Timeout = Duration(DefaultTimeout)
	}
	if out.Serve.HistoryLimit == 0 {
		out.Serve.HistoryLimit = DefaultHistoryLimit
	}
	if out.Telegram.Token == "" {
		out.Telegram.Token = os.Getenv(EnvBotToken)
	}
	if out.Telegram.ChatID == 0 {
		if id, err := strconv.ParseInt(os.Getenv(EnvChatID), 10, 64); err == nil {
			out.Telegram.ChatID = id
		}
	}
	return &out
}

// Validate checks the serve configuration for consistency.
func (c *Config) Validate() error {
	var errs []error

	switch c.Serve.Network {
	case "unix", "tcp":
	default:
		errs = append(errs, fmt.Errorf("serve.network must be \"unix\" or \"tcp\", got %q", c.Serve.Network))
	}
	if c.Serve.Socket == "" {
		errs = append(errs, errors.New("serve.socket requires a non-empty path"))
	}
	if c.Serve.Upstream == "" {
		errs = append(errs, fmt.Errorf("no upstream agent: set serve.upstream or %s", EnvAuthSock))
	} else if c.Serve.Network == "unix" && filepath.Clean(c.Serve.Upstream) == filepath.Clean(c.Serve.Socket) {
		errs = append(errs, errors.New("serve.upstream cannot be the proxy's own socket"))
	}
	if c.Serve.Timeout < 0 {
		errs = append(errs, errors.New("serve.timeout must be positive"))
	}
	if (c.Telegram.Token == "") != (c.Telegram.ChatID == 0) {
		errs = append(errs, errors.New("telegram requires both token and chat_id"))
	}

	return errors.Join(errs...)
}
