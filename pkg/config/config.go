// Package config holds the host configuration and the mutable settings store
// shared by the agent manager and token monitor.
package config

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultProvider           = "openrouter"
	DefaultModel              = "anthropic/claude-sonnet-4-5"
	DefaultRateLimit          = int64(100_000)
	DefaultWarningThreshold   = 80.0
	DefaultMaxAgents          = 8
	DefaultIdleTimeout        = 30 * time.Minute
	DefaultListen             = "127.0.0.1:4499"
	DefaultDatabasePath       = "wingman.db"
	DefaultLogDir             = "logs"
	DefaultRetryMaxAttempts   = 3
	DefaultRetryBaseDelay     = 500 * time.Millisecond
	DefaultRetryMaxDelay      = 30 * time.Second
	DefaultRetryMultiplier    = 2.0
	DefaultNATSRequestTimeout = 30 * time.Second
)

// Config represents the complete host configuration.
type Config struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Region   string `yaml:"region"`

	RateLimit                 int64   `yaml:"rate_limit"`
	RateLimitWarningThreshold float64 `yaml:"rate_limit_warning_threshold"`

	MaxAgents   int           `yaml:"max_agents"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`
	LogDir       string `yaml:"log_dir"`

	Retry RetryConfig `yaml:"retry"`
	NATS  NATSConfig  `yaml:"nats"`
}

// RetryConfig configures the backoff strategy for provider calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// NATSConfig configures the optional NATS notification bus. When URL is
// empty the host uses the in-memory bus.
type NATSConfig struct {
	URL            string        `yaml:"url"`
	Name           string        `yaml:"name"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() Config {
	return Config{
		Provider:                  DefaultProvider,
		Model:                     DefaultModel,
		RateLimit:                 DefaultRateLimit,
		RateLimitWarningThreshold: DefaultWarningThreshold,
		MaxAgents:                 DefaultMaxAgents,
		IdleTimeout:               DefaultIdleTimeout,
		Listen:                    DefaultListen,
		DatabasePath:              DefaultDatabasePath,
		LogDir:                    DefaultLogDir,
		Retry: RetryConfig{
			MaxAttempts: DefaultRetryMaxAttempts,
			BaseDelay:   DefaultRetryBaseDelay,
			MaxDelay:    DefaultRetryMaxDelay,
			Multiplier:  DefaultRetryMultiplier,
		},
		NATS: NATSConfig{
			Name:           "wingman",
			RequestTimeout: DefaultNATSRequestTimeout,
		},
	}
}

// Load reads the config file at path (if present), merges it over defaults,
// then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("reading config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WINGMAN_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("WINGMAN_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("WINGMAN_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("WINGMAN_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime behavior.
func (c Config) Validate() error {
	if c.MaxAgents < 1 {
		return fmt.Errorf("max_agents must be >= 1, got %d", c.MaxAgents)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be >= 0, got %d", c.RateLimit)
	}
	if c.RateLimitWarningThreshold < 0 || c.RateLimitWarningThreshold > 100 {
		return fmt.Errorf("rate_limit_warning_threshold must be in [0,100], got %v", c.RateLimitWarningThreshold)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// CriticalKeys are the settings whose change invalidates every live agent
// handle: a new provider, credential, model, or region means existing bound
// instances would keep using stale state.
var CriticalKeys = map[string]struct{}{
	"provider": {},
	"api_key":  {},
	"model":    {},
	"region":   {},
}

// AnyCritical reports whether any of keys is in the critical set.
func AnyCritical(keys []string) bool {
	for _, k := range keys {
		if _, ok := CriticalKeys[k]; ok {
			return true
		}
	}
	return false
}

// Store is the mutable settings source. It wraps a Config for concurrent
// readers and accepts partial updates keyed by the YAML field names.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore creates a settings store seeded with cfg.
func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// Snapshot returns a copy of the current configuration.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// LimitSettings implements the token monitor's settings-source contract.
func (s *Store) LimitSettings() (rateLimit int64, warningThresholdPercent float64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.RateLimit, s.cfg.RateLimitWarningThreshold
}

// Apply merges a partial update into the store and returns the sorted list of
// keys whose values actually changed. Unknown keys or mistyped values are
// rejected without mutating anything.
func (s *Store) Apply(partial map[string]any) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	var changed []string

	for key, raw := range partial {
		switch key {
		case "provider":
			v, err := asString(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.Provider {
				next.Provider = v
				changed = append(changed, key)
			}
		case "api_key":
			v, err := asString(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.APIKey {
				next.APIKey = v
				changed = append(changed, key)
			}
		case "model":
			v, err := asString(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.Model {
				next.Model = v
				changed = append(changed, key)
			}
		case "region":
			v, err := asString(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.Region {
				next.Region = v
				changed = append(changed, key)
			}
		case "rate_limit":
			v, err := asInt64(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.RateLimit {
				next.RateLimit = v
				changed = append(changed, key)
			}
		case "rate_limit_warning_threshold":
			v, err := asFloat64(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.RateLimitWarningThreshold {
				next.RateLimitWarningThreshold = v
				changed = append(changed, key)
			}
		case "max_agents":
			v, err := asInt64(key, raw)
			if err != nil {
				return nil, err
			}
			if int(v) != next.MaxAgents {
				next.MaxAgents = int(v)
				changed = append(changed, key)
			}
		case "idle_timeout":
			v, err := asDuration(key, raw)
			if err != nil {
				return nil, err
			}
			if v != next.IdleTimeout {
				next.IdleTimeout = v
				changed = append(changed, key)
			}
		default:
			return nil, fmt.Errorf("unknown settings key %q", key)
		}
	}

	if err := next.Validate(); err != nil {
		return nil, err
	}

	s.cfg = next
	sort.Strings(changed)
	return changed, nil
}

func asString(key string, raw any) (string, error) {
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("settings key %q requires a string, got %T", key, raw)
	}
	return v, nil
}

func asInt64(key string, raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		// JSON decodes numbers as float64.
		return int64(v), nil
	default:
		return 0, fmt.Errorf("settings key %q requires an integer, got %T", key, raw)
	}
}

func asFloat64(key string, raw any) (float64, error) {
	switch v := raw.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("settings key %q requires a number, got %T", key, raw)
	}
}

func asDuration(key string, raw any) (time.Duration, error) {
	switch v := raw.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("settings key %q: %w", key, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("settings key %q requires a duration, got %T", key, raw)
	}
}
