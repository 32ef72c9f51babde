package engine

import (
	"encoding/json"
	"os"
	"time"

	"github.com/siteproof/core/internal/errors"
	"github.com/siteproof/core/internal/outbox"
)

// Config holds sync runtime tuning. All values have working defaults; a
// JSON config file overrides individual fields.
type Config struct {
	MaxAttempts    int
	BatchSize      int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
	CycleInterval  time.Duration
	Workers        int
	RequestTimeout time.Duration
}

// DefaultConfig returns the default sync runtime configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    5,
		BatchSize:      50,
		BackoffBase:    2 * time.Second,
		BackoffCeiling: 5 * time.Minute,
		CycleInterval:  30 * time.Second,
		Workers:        4,
		RequestTimeout: 10 * time.Second,
	}
}

// fileConfig is the on-disk shape. Durations are milliseconds; zero or
// absent fields keep their defaults.
type fileConfig struct {
	MaxAttempts      int   `json:"max_attempts"`
	BatchSize        int   `json:"batch_size"`
	BackoffBaseMs    int64 `json:"backoff_base_ms"`
	BackoffCeilingMs int64 `json:"backoff_ceiling_ms"`
	CycleIntervalMs  int64 `json:"cycle_interval_ms"`
	Workers          int   `json:"workers"`
	RequestTimeoutMs int64 `json:"request_timeout_ms"`
}

// LoadConfig merges a JSON config file over the defaults. A missing file
// is not an error; a malformed one is.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errors.Wrap(errors.ErrInvalid, "failed to read sync config", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg, errors.Wrap(errors.ErrInvalid, "failed to parse sync config", err)
	}

	if fc.MaxAttempts > 0 {
		cfg.MaxAttempts = fc.MaxAttempts
	}
	if fc.BatchSize > 0 {
		cfg.BatchSize = fc.BatchSize
	}
	if fc.BackoffBaseMs > 0 {
		cfg.BackoffBase = time.Duration(fc.BackoffBaseMs) * time.Millisecond
	}
	if fc.BackoffCeilingMs > 0 {
		cfg.BackoffCeiling = time.Duration(fc.BackoffCeilingMs) * time.Millisecond
	}
	if fc.CycleIntervalMs > 0 {
		cfg.CycleInterval = time.Duration(fc.CycleIntervalMs) * time.Millisecond
	}
	if fc.Workers > 0 {
		cfg.Workers = fc.Workers
	}
	if fc.RequestTimeoutMs > 0 {
		cfg.RequestTimeout = time.Duration(fc.RequestTimeoutMs) * time.Millisecond
	}
	return cfg, nil
}

// OutboxConfig projects the retry tuning onto the outbox store.
func (c Config) OutboxConfig() outbox.Config {
	return outbox.Config{
		MaxAttempts:    c.MaxAttempts,
		BackoffBase:    c.BackoffBase,
		BackoffCeiling: c.BackoffCeiling,
	}
}
