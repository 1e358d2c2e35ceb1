// Package config loads process configuration from CHATMATE_-prefixed
// environment variables, parsed once at startup.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr string `env:"ADDR" envDefault:":3000"`

	Provider        string `env:"PROVIDER" envDefault:"openai"` // "openai" | "anthropic"
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	Model           string `env:"MODEL" envDefault:"gpt-4o-mini"`

	MaxTokens         int           `env:"MAX_TOKENS" envDefault:"4096"`
	Temperature       float64       `env:"TEMPERATURE" envDefault:"0"`
	MaxToolIterations int           `env:"MAX_TOOL_ITERATIONS" envDefault:"5"`
	GenerationTimeout time.Duration `env:"GENERATION_TIMEOUT" envDefault:"2m"`

	QueueConcurrency int `env:"QUEUE_CONCURRENCY" envDefault:"4"`
}

func Load() (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "CHATMATE_"})
	if err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Provider {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("CHATMATE_OPENAI_API_KEY is required for the openai provider")
		}
	case "anthropic":
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("CHATMATE_ANTHROPIC_API_KEY is required for the anthropic provider")
		}
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	return nil
}
