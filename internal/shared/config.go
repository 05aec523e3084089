package shared

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed config.example.toml
var exampleConf []byte

// Config represents the application configuration loaded from a TOML file.
type Config struct {
	Store    StoreConfig     `toml:"store"`
	Batch    BatchConfig     `toml:"batch"`
	Channels []ChannelConfig `toml:"channels"`
}

// StoreConfig contains outcome store settings.
type StoreConfig struct {
	Path string `toml:"path"`
}

// BatchConfig contains retry and scheduling parameters for one batch run.
//
// Durations are TOML strings parsed by [time.ParseDuration] ("1s", "500ms").
type BatchConfig struct {
	MaxRetries      int      `toml:"max_retries"`
	BaseDelay       duration `toml:"base_delay"`
	MaxDelay        duration `toml:"max_delay"`
	DefaultCooldown duration `toml:"default_cooldown"`
	GraceTimeout    duration `toml:"grace_timeout"`
}

// ChannelConfig describes one dispatch lane: a provider endpoint, its
// credentials, and a concurrency ceiling.
type ChannelConfig struct {
	Name           string   `toml:"name"`
	Provider       string   `toml:"provider"`
	Model          string   `toml:"model"`
	BaseURL        string   `toml:"base_url"`
	APIKeys        []string `toml:"api_keys"`
	MaxConcurrency int      `toml:"max_concurrency"`
	RateLimit      float64  `toml:"rate_limit"`
}

// duration wraps time.Duration for TOML unmarshalling.
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

func (d duration) Std() time.Duration { return time.Duration(d) }

// MaxRetriesOrDefault returns the configured retry ceiling, falling back to 3.
func (b BatchConfig) MaxRetriesOrDefault() int {
	if b.MaxRetries <= 0 {
		return 3
	}
	return b.MaxRetries
}

// BaseDelayOrDefault returns the configured backoff base, falling back to 1s.
func (b BatchConfig) BaseDelayOrDefault() time.Duration {
	if b.BaseDelay <= 0 {
		return time.Second
	}
	return b.BaseDelay.Std()
}

// MaxDelayOrDefault returns the configured backoff cap, falling back to 30s.
func (b BatchConfig) MaxDelayOrDefault() time.Duration {
	if b.MaxDelay <= 0 {
		return 30 * time.Second
	}
	return b.MaxDelay.Std()
}

// DefaultCooldownOrDefault returns the rate-limit cooldown used when the
// provider gives no retry hint, falling back to 60s.
func (b BatchConfig) DefaultCooldownOrDefault() time.Duration {
	if b.DefaultCooldown <= 0 {
		return 60 * time.Second
	}
	return b.DefaultCooldown.Std()
}

// GraceTimeoutOrDefault returns how long draining waits for in-flight calls
// after an interrupt, falling back to 30s.
func (b BatchConfig) GraceTimeoutOrDefault() time.Duration {
	if b.GraceTimeout <= 0 {
		return 30 * time.Second
	}
	return b.GraceTimeout.Std()
}

// Validate checks channel configuration before the first dispatch.
func (c *Config) Validate() error {
	if len(c.Channels) == 0 {
		return ErrNoChannels
	}
	seen := map[string]bool{}
	for i, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("%w: channel %d has no name", ErrInvalidConfig, i)
		}
		if seen[ch.Name] {
			return fmt.Errorf("%w: duplicate channel name %q", ErrInvalidConfig, ch.Name)
		}
		seen[ch.Name] = true
		if ch.Provider == "" {
			return fmt.Errorf("%w: channel %q has no provider", ErrInvalidConfig, ch.Name)
		}
		if len(ch.APIKeys) == 0 {
			return fmt.Errorf("%w: channel %q has no api_keys", ErrMissingCredentials, ch.Name)
		}
	}
	return nil
}

// LoadConfig reads and parses a TOML configuration file from the specified path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &config, nil
}

// DefaultConfig returns a Config with sensible defaults loaded from the embedded example config.
func DefaultConfig() *Config {
	var config Config
	if err := toml.Unmarshal(exampleConf, &config); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &config
}

// CreateConfigFile creates a config.toml file at the specified path using the embedded example config.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
