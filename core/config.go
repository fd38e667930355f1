package core

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
// Precedence: built-in defaults, then the optional YAML file named by
// OPSCONSOLE_CONFIG, then environment variables.
type Config struct {
	// Backend endpoints
	BackendURL   string `yaml:"backend_url"`
	PushURL      string `yaml:"push_url"`       // derived from BackendURL when empty
	LogStreamURL string `yaml:"log_stream_url"` // derived from BackendURL when empty
	APIToken     string `yaml:"api_token"`

	// REST client
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestRate    float64       `yaml:"request_rate"` // requests per second, 0 = unlimited
	RequestBurst   int           `yaml:"request_burst"`

	// Reconnecting channel
	ReconnectInitial     time.Duration `yaml:"reconnect_initial"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
	ReconnectMaxAttempts int           `yaml:"reconnect_max_attempts"` // 0 = retry forever
	BreakerThreshold     int           `yaml:"breaker_threshold"`
	BreakerCooldown      time.Duration `yaml:"breaker_cooldown"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`

	// Task monitor
	PollInterval time.Duration `yaml:"poll_interval"`

	// Buffers
	LogMaxLines    int `yaml:"log_max_lines"`
	MetricsHistory int `yaml:"metrics_history"`
	ActivityLines  int `yaml:"activity_lines"`

	// Local state
	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"` // empty disables the local API

	// Logging
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		BackendURL:           "http://localhost:8084",
		RequestTimeout:       15 * time.Second,
		RequestRate:          20,
		RequestBurst:         10,
		ReconnectInitial:     time.Second,
		ReconnectMax:         30 * time.Second,
		ReconnectMaxAttempts: 0,
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		PollInterval:         time.Second,
		LogMaxLines:          1000,
		MetricsHistory:       60,
		ActivityLines:        200,
		DBPath:               "opsconsole.db",
		ListenAddr:           "127.0.0.1:8090",
		LogLevel:             "info",
		LogFile:              "opsconsole.log",
	}
}

// LoadConfig builds the configuration from defaults, the optional config
// file and the environment, then validates it. Callers load .env first.
func LoadConfig() (*Config, error) {
	return LoadConfigWith("", nil)
}

// LoadConfigWith is LoadConfig with an explicit config file, which wins
// over OPSCONSOLE_CONFIG, and an override applied after the environment.
// Command-line flags use override.
func LoadConfigWith(path string, override func(*Config)) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		path = GetEnvOrDefault("OPSCONSOLE_CONFIG", "")
	}
	if path != "" {
		if err := LoadConfigFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)
	if override != nil {
		override(&cfg)
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigFile decodes a YAML file on top of cfg. Keys missing from the
// file keep their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConsoleError{
			Code:    ErrCodeInvalidConfig,
			Message: fmt.Sprintf("Config file %s is not valid YAML", path),
			Action:  "Fix the syntax error reported below",
			Err:     err,
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.BackendURL = GetEnvOrDefault("OPSCONSOLE_BACKEND_URL", cfg.BackendURL)
	cfg.PushURL = GetEnvOrDefault("OPSCONSOLE_WS_URL", cfg.PushURL)
	cfg.LogStreamURL = GetEnvOrDefault("OPSCONSOLE_LOG_WS_URL", cfg.LogStreamURL)
	cfg.APIToken = GetEnvOrDefault("OPSCONSOLE_API_TOKEN", cfg.APIToken)

	cfg.RequestTimeout = ParseDurationEnv("OPSCONSOLE_REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.RequestRate = ParseFloat64Env("OPSCONSOLE_REQUEST_RATE", cfg.RequestRate)
	cfg.RequestBurst = ParseIntEnv("OPSCONSOLE_REQUEST_BURST", cfg.RequestBurst)

	cfg.ReconnectInitial = ParseDurationEnv("OPSCONSOLE_RECONNECT_INITIAL", cfg.ReconnectInitial)
	cfg.ReconnectMax = ParseDurationEnv("OPSCONSOLE_RECONNECT_MAX", cfg.ReconnectMax)
	cfg.ReconnectMaxAttempts = ParseIntEnv("OPSCONSOLE_RECONNECT_MAX_ATTEMPTS", cfg.ReconnectMaxAttempts)
	cfg.BreakerThreshold = ParseIntEnv("OPSCONSOLE_BREAKER_THRESHOLD", cfg.BreakerThreshold)
	cfg.BreakerCooldown = ParseDurationEnv("OPSCONSOLE_BREAKER_COOLDOWN", cfg.BreakerCooldown)
	cfg.HandshakeTimeout = ParseDurationEnv("OPSCONSOLE_HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout)

	cfg.PollInterval = ParseDurationEnv("OPSCONSOLE_POLL_INTERVAL", cfg.PollInterval)
	cfg.LogMaxLines = ParseIntEnv("OPSCONSOLE_LOG_MAX_LINES", cfg.LogMaxLines)
	cfg.MetricsHistory = ParseIntEnv("OPSCONSOLE_METRICS_HISTORY", cfg.MetricsHistory)
	cfg.ActivityLines = ParseIntEnv("OPSCONSOLE_ACTIVITY_LINES", cfg.ActivityLines)

	cfg.DBPath = GetEnvOrDefault("OPSCONSOLE_DB_PATH", cfg.DBPath)
	if v, ok := os.LookupEnv("OPSCONSOLE_LISTEN_ADDR"); ok {
		cfg.ListenAddr = strings.TrimSpace(v)
	}

	cfg.LogLevel = GetEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFile = GetEnvOrDefault("LOG_FILE", cfg.LogFile)
	cfg.Development = ParseBoolEnv("OPSCONSOLE_DEV", cfg.Development)
}

// Finalize derives the WebSocket endpoints from BackendURL where they were
// not set explicitly, then validates.
func (c *Config) Finalize() error {
	if c.BackendURL == "" {
		return ErrMissingConfig("OPSCONSOLE_BACKEND_URL")
	}
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")

	if c.PushURL == "" {
		u, err := DeriveWebSocketURL(c.BackendURL, "/ws")
		if err != nil {
			return ErrInvalidConfig("OPSCONSOLE_BACKEND_URL", c.BackendURL, err.Error())
		}
		c.PushURL = u
	}
	if c.LogStreamURL == "" {
		u, err := DeriveWebSocketURL(c.BackendURL, "/ws/logs")
		if err != nil {
			return ErrInvalidConfig("OPSCONSOLE_BACKEND_URL", c.BackendURL, err.Error())
		}
		c.LogStreamURL = u
	}
	return c.Validate()
}

// Validate checks value ranges and URL schemes.
func (c *Config) Validate() error {
	if err := validateURL("OPSCONSOLE_BACKEND_URL", c.BackendURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("OPSCONSOLE_WS_URL", c.PushURL, "ws", "wss"); err != nil {
		return err
	}
	if err := validateURL("OPSCONSOLE_LOG_WS_URL", c.LogStreamURL, "ws", "wss"); err != nil {
		return err
	}
	if c.LogMaxLines < 1 {
		return ErrInvalidConfig("OPSCONSOLE_LOG_MAX_LINES", fmt.Sprint(c.LogMaxLines), "must be at least 1")
	}
	if c.MetricsHistory < 1 {
		return ErrInvalidConfig("OPSCONSOLE_METRICS_HISTORY", fmt.Sprint(c.MetricsHistory), "must be at least 1")
	}
	if c.ActivityLines < 1 {
		return ErrInvalidConfig("OPSCONSOLE_ACTIVITY_LINES", fmt.Sprint(c.ActivityLines), "must be at least 1")
	}
	if c.PollInterval <= 0 {
		return ErrInvalidConfig("OPSCONSOLE_POLL_INTERVAL", c.PollInterval.String(), "must be positive")
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		return ErrInvalidConfig("OPSCONSOLE_RECONNECT_MAX", c.ReconnectMax.String(),
			"must be at least OPSCONSOLE_RECONNECT_INITIAL, which must be positive")
	}
	if c.ReconnectMaxAttempts < 0 {
		return ErrInvalidConfig("OPSCONSOLE_RECONNECT_MAX_ATTEMPTS", fmt.Sprint(c.ReconnectMaxAttempts), "must not be negative")
	}
	return nil
}

// DeriveWebSocketURL swaps http(s) for ws(s) and sets the path.
func DeriveWebSocketURL(httpURL, path string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = path
	u.RawQuery = ""
	return u.String(), nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return ErrInvalidConfig(name, raw, err.Error())
	}
	if u.Host == "" {
		return ErrInvalidConfig(name, raw, "missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return ErrInvalidConfig(name, raw, fmt.Sprintf("scheme must be one of %s", strings.Join(schemes, ", ")))
}
