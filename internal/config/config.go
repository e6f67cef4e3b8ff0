// Package config handles client configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/connection"
	"gopkg.in/yaml.v3"
)

// Config holds all client configuration.
type Config struct {
	// Endpoints
	WSURL  string `yaml:"ws_url"`  // Push channel URL (ws:// or wss://)
	APIURL string `yaml:"api_url"` // REST base URL used for polling
	Token  string `yaml:"token"`   // Bearer token

	// Push channel
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	PongTimeout        time.Duration `yaml:"pong_timeout"` // 0 disables the liveness check
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	MaxQueueAge        time.Duration `yaml:"max_queue_age"`
	DropQueueOnClose   bool          `yaml:"drop_queue_on_disconnect"`

	// Polling
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollMaxRetries int           `yaml:"poll_max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Behavior
	MetricsAddr string `yaml:"metrics_addr"` // Prometheus listen address, empty disables
	LogLevel    string `yaml:"log_level"`    // Logging level (debug, info, warn, error)
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		HeartbeatInterval:  30 * time.Second,
		ReconnectBaseDelay: 1 * time.Second,
		ReconnectMaxDelay:  30 * time.Second,
		ReconnectAttempts:  5,
		PollInterval:       5 * time.Second,
		PollMaxRetries:     3,
		RequestTimeout:     15 * time.Second,
		LogLevel:           "info",
	}
}

// Load reads the YAML file at path (if any) over the defaults, then applies
// environment overrides. ${VAR} references in the file are expanded.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (*Config, error) {
	cfg, err := Load("")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LEGALAI_WS_URL"); v != "" {
		c.WSURL = v
	}
	if v := os.Getenv("LEGALAI_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("LEGALAI_TOKEN"); v != "" {
		c.Token = v
	}
	if v := os.Getenv("LEGALAI_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("LEGALAI_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"LEGALAI_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"LEGALAI_PONG_TIMEOUT", &c.PongTimeout},
		{"LEGALAI_RECONNECT_BASE", &c.ReconnectBaseDelay},
		{"LEGALAI_RECONNECT_MAX", &c.ReconnectMaxDelay},
		{"LEGALAI_POLL_INTERVAL", &c.PollInterval},
		{"LEGALAI_REQUEST_TIMEOUT", &c.RequestTimeout},
		{"LEGALAI_MAX_QUEUE_AGE", &c.MaxQueueAge},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"LEGALAI_RECONNECT_ATTEMPTS", &c.ReconnectAttempts},
		{"LEGALAI_POLL_MAX_RETRIES", &c.PollMaxRetries},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s must be a number", i.key)
		}
		*i.dst = n
	}

	if v := os.Getenv("LEGALAI_DROP_QUEUE_ON_DISCONNECT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("LEGALAI_DROP_QUEUE_ON_DISCONNECT must be true or false")
		}
		c.DropQueueOnClose = b
	}
	return nil
}

// parseDuration accepts Go durations ("30s") and bare numbers of seconds.
func parseDuration(v string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New("must be a duration like 30s or a number of seconds")
	}
	return d, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.WSURL == "" {
		return errors.New("LEGALAI_WS_URL is required")
	}
	if u, err := url.Parse(c.WSURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("push channel URL %q must use ws:// or wss://", c.WSURL)
	}
	if c.APIURL == "" {
		return errors.New("LEGALAI_API_URL is required")
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("API URL %q must use http:// or https://", c.APIURL)
	}
	if c.Token == "" {
		return errors.New("LEGALAI_TOKEN is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	if c.PongTimeout < 0 {
		return errors.New("pong timeout must not be negative")
	}
	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return errors.New("reconnect delays must be positive and max must not be below base")
	}
	if c.ReconnectAttempts < 1 {
		return errors.New("reconnect attempts must be at least 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.PollMaxRetries < 0 {
		return errors.New("poll max retries must not be negative")
	}
	if c.RequestTimeout <= 0 {
		return errors.New("request timeout must be positive")
	}
	return nil
}

// Connection returns the push-channel settings.
func (c *Config) Connection() connection.Config {
	cc := connection.DefaultConfig()
	cc.HeartbeatInterval = c.HeartbeatInterval
	cc.PongTimeout = c.PongTimeout
	cc.ReconnectBaseDelay = c.ReconnectBaseDelay
	cc.ReconnectMaxDelay = c.ReconnectMaxDelay
	cc.MaxReconnectAttempts = c.ReconnectAttempts
	cc.MaxQueueAge = c.MaxQueueAge
	cc.DropQueueOnDisconnect = c.DropQueueOnClose
	return cc
}
