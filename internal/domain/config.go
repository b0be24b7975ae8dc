package domain

import (
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	DataDir string       `json:"data_dir" yaml:"data_dir"`
	Logger  *slog.Logger `json:"-" yaml:"-"`

	Engine   EngineConfig   `json:"engine" yaml:"engine"`
	Tokens   TokenConfig    `json:"tokens" yaml:"tokens"`
	Patterns PatternsConfig `json:"patterns" yaml:"patterns"`
}

type EngineConfig struct {
	// DefaultRetryPolicy applies to nodes scheduled without an override.
	DefaultRetryPolicy RetryPolicy `json:"default_retry_policy" yaml:"default_retry_policy"`

	// AppendRetries bounds the reload-and-reapply loop on version conflicts.
	AppendRetries uint64 `json:"append_retries" yaml:"append_retries"`

	// AppendRetryBackoff is the pause between conflict retries.
	AppendRetryBackoff time.Duration `json:"append_retry_backoff" yaml:"append_retry_backoff"`

	// ReaperInterval is how often expired outstanding attempts are reclaimed
	// as failed-by-timeout.
	ReaperInterval time.Duration `json:"reaper_interval" yaml:"reaper_interval"`

	SnapshotCacheSize int `json:"snapshot_cache_size" yaml:"snapshot_cache_size"`
}

type TokenConfig struct {
	// TTL doubles as the node execution timeout: an unreported attempt whose
	// token expired is reclassified as failed-by-timeout.
	TTL time.Duration `json:"ttl" yaml:"ttl"`

	CallbackTTL time.Duration `json:"callback_ttl" yaml:"callback_ttl"`
}

type PatternsConfig struct {
	AggregatorSweepInterval  time.Duration `json:"aggregator_sweep_interval" yaml:"aggregator_sweep_interval"`
	CorrelatorSweepInterval  time.Duration `json:"correlator_sweep_interval" yaml:"correlator_sweep_interval"`
	MessageSweepInterval     time.Duration `json:"message_sweep_interval" yaml:"message_sweep_interval"`
	IdempotencySweepInterval time.Duration `json:"idempotency_sweep_interval" yaml:"idempotency_sweep_interval"`

	CorrelationTraceTTL time.Duration `json:"correlation_trace_ttl" yaml:"correlation_trace_ttl"`
}

func DefaultConfig() *Config {
	return &Config{
		Logger: slog.Default(),
		Engine: EngineConfig{
			DefaultRetryPolicy: DefaultRetryPolicy(),
			AppendRetries:      5,
			AppendRetryBackoff: 10 * time.Millisecond,
			ReaperInterval:     30 * time.Second,
			SnapshotCacheSize:  1024,
		},
		Tokens: TokenConfig{
			TTL:         5 * time.Minute,
			CallbackTTL: 24 * time.Hour,
		},
		Patterns: PatternsConfig{
			AggregatorSweepInterval:  time.Minute,
			CorrelatorSweepInterval:  time.Hour,
			MessageSweepInterval:     5 * time.Minute,
			IdempotencySweepInterval: time.Minute,
			CorrelationTraceTTL:      24 * time.Hour,
		},
	}
}

func (c *Config) Validate() error {
	if c.Engine.SnapshotCacheSize <= 0 {
		return NewConfigError("engine.snapshot_cache_size", ErrInvalidConfig)
	}
	if c.Tokens.TTL <= 0 {
		return NewConfigError("tokens.ttl", ErrInvalidConfig)
	}
	if c.Tokens.CallbackTTL <= 0 {
		return NewConfigError("tokens.callback_ttl", ErrInvalidConfig)
	}
	if err := c.Engine.DefaultRetryPolicy.Validate(); err != nil {
		return NewConfigError("engine.default_retry_policy", err)
	}
	for field, interval := range map[string]time.Duration{
		"patterns.aggregator_sweep_interval":  c.Patterns.AggregatorSweepInterval,
		"patterns.correlator_sweep_interval":  c.Patterns.CorrelatorSweepInterval,
		"patterns.message_sweep_interval":     c.Patterns.MessageSweepInterval,
		"patterns.idempotency_sweep_interval": c.Patterns.IdempotencySweepInterval,
	} {
		if interval <= 0 {
			return NewConfigError(field, ErrInvalidConfig)
		}
	}
	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
