// Package config loads the settings of the demo binary from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the demo settings. Flags may override any field after Load.
type Config struct {
	Address        string        `env:"MMATE_ADDRESS"         envDefault:"demo"`
	Queue          string        `env:"MMATE_QUEUE"           envDefault:"demo-queue"`
	Messages       int           `env:"MMATE_MESSAGES"        envDefault:"10"`
	BlockOnSend    bool          `env:"MMATE_BLOCK_ON_SEND"   envDefault:"true"`
	ReceiveTimeout time.Duration `env:"MMATE_RECEIVE_TIMEOUT" envDefault:"1s"`
	RateLimit      float64       `env:"MMATE_RATE_LIMIT"` // sends per second, 0 disables
	MetricsAddr    string        `env:"MMATE_METRICS_ADDR"`
	LogLevel       string        `env:"MMATE_LOG_LEVEL"       envDefault:"info"`
}

// Load parses the environment into a Config
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid setting
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Address) == "" {
		errs = append(errs, errors.New("address is required"))
	}
	if strings.TrimSpace(c.Queue) == "" {
		errs = append(errs, errors.New("queue is required"))
	}
	if c.Messages < 0 {
		errs = append(errs, fmt.Errorf("messages must not be negative, got %d", c.Messages))
	}
	if c.ReceiveTimeout <= 0 {
		errs = append(errs, fmt.Errorf("receive timeout must be positive, got %s", c.ReceiveTimeout))
	}
	if c.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative, got %g", c.RateLimit))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level returns LogLevel as a slog level
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
