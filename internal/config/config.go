package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the session orchestrator.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	SessionTTL      time.Duration `yaml:"session_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`

	TaskTimeout       time.Duration `yaml:"task_timeout"`
	TaskHistoryLimit  int           `yaml:"task_history_limit"`
	UserQueryPreempts bool          `yaml:"user_query_preempts"`

	MaxConnections           int           `yaml:"max_connections"`
	MaxConnectionsPerSession int           `yaml:"max_connections_per_session"`
	OutboundQueueSize        int           `yaml:"outbound_queue_size"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`

	PipelineMode    string        `yaml:"pipeline_mode"`
	PipelineHTTPURL string        `yaml:"pipeline_http_url"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`

	DatabaseURL string `yaml:"database_url"`

	LogLevel  string `yaml:"log_level"`
	LogPretty bool   `yaml:"log_pretty"`
}

// Defaults returns the configuration used when neither a file nor the
// environment override a setting.
func Defaults() Config {
	return Config{
		BindAddr:                 ":3334",
		ShutdownTimeout:          15 * time.Second,
		MetricsNamespace:         "lexwire",
		SessionTTL:               10 * time.Minute,
		JanitorInterval:          30 * time.Second,
		TaskTimeout:              5 * time.Minute,
		TaskHistoryLimit:         32,
		UserQueryPreempts:        true,
		MaxConnections:           100,
		MaxConnectionsPerSession: 3,
		OutboundQueueSize:        256,
		WriteTimeout:             10 * time.Second,
		ReadTimeout:              120 * time.Second,
		PipelineMode:             "mock",
		PipelineTimeout:          2 * time.Minute,
		LogLevel:                 "info",
	}
}

// Load applies defaults, then the optional YAML file at path, then
// environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()

	path = trimSpace(path)
	if path == "" {
		path = stringsTrimSpace("LEXWIRE_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.PipelineMode = envOrDefault("PIPELINE_MODE", cfg.PipelineMode)
	cfg.PipelineHTTPURL = envOrDefault("PIPELINE_HTTP_URL", cfg.PipelineHTTPURL)
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.LogLevel = envOrDefault("LOG_LEVEL", cfg.LogLevel)

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = durationFromEnv("APP_SESSION_TTL", cfg.SessionTTL); err != nil {
		return Config{}, err
	}
	if cfg.JanitorInterval, err = durationFromEnv("APP_JANITOR_INTERVAL", cfg.JanitorInterval); err != nil {
		return Config{}, err
	}
	if cfg.TaskTimeout, err = durationFromEnv("TASK_TIMEOUT", cfg.TaskTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TaskHistoryLimit, err = intFromEnv("TASK_HISTORY_LIMIT", cfg.TaskHistoryLimit); err != nil {
		return Config{}, err
	}
	if cfg.UserQueryPreempts, err = boolFromEnv("USER_QUERY_PREEMPTS", cfg.UserQueryPreempts); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnections, err = intFromEnv("WS_MAX_CONNECTIONS", cfg.MaxConnections); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnectionsPerSession, err = intFromEnv("WS_MAX_CONNECTIONS_PER_SESSION", cfg.MaxConnectionsPerSession); err != nil {
		return Config{}, err
	}
	if cfg.OutboundQueueSize, err = intFromEnv("WS_OUTBOUND_QUEUE_SIZE", cfg.OutboundQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.WriteTimeout, err = durationFromEnv("WS_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReadTimeout, err = durationFromEnv("WS_READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return Config{}, err
	}
	if cfg.PipelineTimeout, err = durationFromEnv("PIPELINE_TIMEOUT", cfg.PipelineTimeout); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.LogPretty, err = boolFromEnv("LOG_PRETTY", cfg.LogPretty); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot operate with.
func (c Config) Validate() error {
	if c.SessionTTL < time.Second {
		return fmt.Errorf("APP_SESSION_TTL must be at least 1s")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("APP_JANITOR_INTERVAL must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("TASK_TIMEOUT must be positive")
	}
	if c.TaskHistoryLimit < 0 {
		return fmt.Errorf("TASK_HISTORY_LIMIT must be >= 0")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS must be positive")
	}
	if c.MaxConnectionsPerSession <= 0 {
		return fmt.Errorf("WS_MAX_CONNECTIONS_PER_SESSION must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("WS_OUTBOUND_QUEUE_SIZE must be positive")
	}
	switch strings.ToLower(c.PipelineMode) {
	case "mock":
	case "http":
		if trimSpace(c.PipelineHTTPURL) == "" {
			return fmt.Errorf("PIPELINE_HTTP_URL is required when PIPELINE_MODE=http")
		}
	default:
		return fmt.Errorf("invalid PIPELINE_MODE %q (expected mock|http)", c.PipelineMode)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	return strings.TrimSpace(v)
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
