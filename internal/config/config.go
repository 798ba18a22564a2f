// Package config loads server configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is passed explicitly to the components that need it.
type Config struct {
	Addr             string        `env:"W40K_ADDR" envDefault:":8081"`
	DBPath           string        `env:"W40K_DB_PATH" envDefault:"w40k.db"`
	LogLevel         string        `env:"W40K_LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"W40K_LOG_FORMAT" envDefault:"text"`
	PromptTimeout    time.Duration `env:"W40K_PROMPT_TIMEOUT" envDefault:"30s"`
	DefaultToughness int           `env:"W40K_DEFAULT_TOUGHNESS" envDefault:"4"`
	OtelEndpoint     string        `env:"W40K_OTEL_ENDPOINT"`
	ServiceName      string        `env:"W40K_SERVICE_NAME" envDefault:"w40k-tabletop"`
}

// ParseEnv loads configuration from environment variables into target.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load reads Config. A bare PORT (as set by most hosting platforms) wins
// over W40K_ADDR.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if p := strings.TrimSpace(os.Getenv("PORT")); p != "" {
		cfg.Addr = ":" + p
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("database path is required")
	}
	if c.DefaultToughness <= 0 {
		return fmt.Errorf("default toughness must be positive, got %d", c.DefaultToughness)
	}
	if c.PromptTimeout <= 0 {
		return fmt.Errorf("prompt timeout must be positive, got %s", c.PromptTimeout)
	}
	return nil
}
