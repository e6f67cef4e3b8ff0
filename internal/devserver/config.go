// Package devserver implements the reference relay server used for local
// development and end-to-end tests of the realtime client.
package devserver

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config holds dev server configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Authentication
	TokenHash string // bcrypt hash of the bearer token clients must present

	// Database
	DatabasePath string

	// Processing
	ProcessingDelay time.Duration // How long a document stays "processing"
	PushStatus      bool          // Broadcast document_status frames; false forces clients to poll

	// Rate limiting (per WebSocket client)
	RateLimit rate.Limit // frames per second
	RateBurst int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:      getEnv("LEGALAI_DEV_LISTEN", ":8080"),
		TokenHash:       os.Getenv("LEGALAI_DEV_TOKEN_HASH"),
		DatabasePath:    getEnv("LEGALAI_DEV_DB_PATH", "legalai-dev.db"),
		ProcessingDelay: parseDuration("LEGALAI_DEV_PROCESSING_DELAY", 10*time.Second),
		PushStatus:      parseBool("LEGALAI_DEV_PUSH_STATUS", true),
		RateLimit:       rate.Limit(parseInt("LEGALAI_DEV_RATE_LIMIT", 20)),
		RateBurst:       parseInt("LEGALAI_DEV_RATE_BURST", 40),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.TokenHash == "" {
		errs = append(errs, "LEGALAI_DEV_TOKEN_HASH is required")
	}
	if c.ProcessingDelay <= 0 {
		errs = append(errs, "LEGALAI_DEV_PROCESSING_DELAY must be positive")
	}
	if c.RateLimit <= 0 || c.RateBurst <= 0 {
		errs = append(errs, "LEGALAI_DEV_RATE_LIMIT and LEGALAI_DEV_RATE_BURST must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
