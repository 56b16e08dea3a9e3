// Package config loads service configuration from an optional config.yaml
// and ASSIST_-prefixed environment variables, env taking precedence.
package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Assist    AssistConfig    `koanf:"assist"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Retry     RetryConfig     `koanf:"retry"`
	Storage   StorageConfig   `koanf:"storage"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
}

type OpenAIConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"` // Custom API endpoint
	Model   string `koanf:"model"`
	Timeout string `koanf:"timeout"` // Duration string like "30s"
}

type AssistConfig struct {
	Enabled            bool    `koanf:"enabled"`
	RelevancyThreshold int     `koanf:"relevancy_threshold"`
	MaxTokens          int     `koanf:"max_tokens"`
	ExamplesMaxTokens  int     `koanf:"examples_max_tokens"`
	Temperature        float64 `koanf:"temperature"`
	PromptBudget       int     `koanf:"prompt_budget"`
	Stream             bool    `koanf:"stream"`
}

type RateLimitConfig struct {
	Capacity   float64 `koanf:"capacity"`
	RefillRate float64 `koanf:"refill_rate"` // tokens per second
}

type RetryConfig struct {
	MaxAttempts int    `koanf:"max_attempts"`
	BaseDelay   string `koanf:"base_delay"`
	MaxDelay    string `koanf:"max_delay"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, none
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads config.yaml (if present), overlays ASSIST_ environment
// variables, applies defaults, and substitutes ${VAR} references in the
// API key.
func Load() (*Config, error) {
	return LoadFile("config.yaml")
}

// LoadFile is Load with an explicit file path, for tests.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Environment variables override file config. Double underscore
	// separates nesting levels: ASSIST_OPENAI__API_KEY -> openai.api_key.
	if err := k.Load(env.Provider("ASSIST_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "ASSIST_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	defaults := map[string]interface{}{
		"server.port":                8080,
		"openai.model":               "gpt-4o-mini",
		"openai.timeout":             "30s",
		"assist.enabled":             true,
		"assist.relevancy_threshold": 60,
		"assist.max_tokens":          400,
		"assist.examples_max_tokens": 500,
		"assist.temperature":         0.7,
		"assist.prompt_budget":       2000,
		"assist.stream":              true,
		"rate_limit.capacity":        10.0,
		"rate_limit.refill_rate":     0.5,
		"retry.max_attempts":         3,
		"retry.base_delay":           "1s",
		"retry.max_delay":            "10s",
		"storage.type":               "none",
	}
	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.OpenAI.APIKey = substituteEnvVars(cfg.OpenAI.APIKey)

	return &cfg, nil
}

// ClientTimeout parses the configured OpenAI timeout, falling back to 30s.
func (c *Config) ClientTimeout() time.Duration {
	return parseDuration(c.OpenAI.Timeout, 30*time.Second)
}

// RetryBaseDelay parses the configured base backoff delay.
func (c *Config) RetryBaseDelay() time.Duration {
	return parseDuration(c.Retry.BaseDelay, time.Second)
}

// RetryMaxDelay parses the configured backoff delay cap.
func (c *Config) RetryMaxDelay() time.Duration {
	return parseDuration(c.Retry.MaxDelay, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
