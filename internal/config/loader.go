package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// AccelerationMode selects how the executor picks its runtime path.
type AccelerationMode string

const (
	AccelAuto     AccelerationMode = "auto"
	AccelForceOff AccelerationMode = "force_off"
)

// Config holds runtime parameters for the daemon. Zero values mean
// "unspecified" and are replaced by defaults in Normalize.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`

	// Model identifiers served by the live pipeline.
	DefaultModel string `json:"default_model" yaml:"default_model" toml:"default_model"`

	// Model cache budget in MB; 0 means unlimited.
	CacheBudgetMB int `json:"cache_budget_mb" yaml:"cache_budget_mb" toml:"cache_budget_mb"`

	// Detection tuning, §6 configure(options).
	ConfidenceThreshold float64          `json:"confidence_threshold" yaml:"confidence_threshold" toml:"confidence_threshold"`
	MaxBatchSize        int              `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	Acceleration        AccelerationMode `json:"acceleration_mode" yaml:"acceleration_mode" toml:"acceleration_mode"`
	DeadlineMs          int              `json:"deadline_ms" yaml:"deadline_ms" toml:"deadline_ms"`
	CacheTTLMs          int              `json:"cache_ttl_ms" yaml:"cache_ttl_ms" toml:"cache_ttl_ms"`

	// Capture tuning.
	TargetFPS        float64 `json:"target_fps" yaml:"target_fps" toml:"target_fps"`
	QueueDepth       int     `json:"queue_depth" yaml:"queue_depth" toml:"queue_depth"`
	DropWhenBusy     bool    `json:"drop_when_busy" yaml:"drop_when_busy" toml:"drop_when_busy"`
	DropRateLimit    float64 `json:"drop_rate_limit" yaml:"drop_rate_limit" toml:"drop_rate_limit"`
	CriticalGraceSec int     `json:"critical_grace_sec" yaml:"critical_grace_sec" toml:"critical_grace_sec"`

	// Resource monitor tuning.
	CriticalPressure float64 `json:"critical_pressure" yaml:"critical_pressure" toml:"critical_pressure"`
	HysteresisMs     int     `json:"hysteresis_ms" yaml:"hysteresis_ms" toml:"hysteresis_ms"`

	// Prediction cache capacity (entries).
	PredictionCacheSize int `json:"prediction_cache_size" yaml:"prediction_cache_size" toml:"prediction_cache_size"`
}

// Defaults carried over from the original detection service: 100ms deadline,
// batch 32, 0.85 confidence floor, 1h prediction TTL.
const (
	DefaultAddr                = ":8085"
	DefaultConfidenceThreshold = 0.85
	DefaultMaxBatchSize        = 32
	DefaultDeadlineMs          = 100
	DefaultCacheTTLMs          = 3600 * 1000
	DefaultTargetFPS           = 15.0
	DefaultQueueDepth          = 8
	DefaultDropRateLimit       = 0.5
	DefaultCriticalGraceSec    = 10
	DefaultCriticalPressure    = 0.80
	DefaultHysteresisMs        = 2000
	DefaultPredictionCacheSize = 256
)

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// Normalize fills unspecified fields with defaults and rejects values a
// pipeline cannot run with.
func (c *Config) Normalize() error {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.ConfidenceThreshold == 0 {
		c.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold %v outside [0,1]", c.ConfidenceThreshold)
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	}
	switch c.Acceleration {
	case "":
		c.Acceleration = AccelAuto
	case AccelAuto, AccelForceOff:
	default:
		return fmt.Errorf("acceleration_mode must be auto or force_off, got %q", c.Acceleration)
	}
	if c.DeadlineMs == 0 {
		c.DeadlineMs = DefaultDeadlineMs
	}
	if c.DeadlineMs < 0 {
		return fmt.Errorf("deadline_ms must be positive, got %d", c.DeadlineMs)
	}
	if c.CacheTTLMs == 0 {
		c.CacheTTLMs = DefaultCacheTTLMs
	}
	if c.TargetFPS == 0 {
		c.TargetFPS = DefaultTargetFPS
	}
	if c.TargetFPS < 0 {
		return fmt.Errorf("target_fps must be positive, got %v", c.TargetFPS)
	}
	if c.QueueDepth == 0 {
		c.QueueDepth = DefaultQueueDepth
	}
	if c.DropRateLimit == 0 {
		c.DropRateLimit = DefaultDropRateLimit
	}
	if c.CriticalGraceSec == 0 {
		c.CriticalGraceSec = DefaultCriticalGraceSec
	}
	if c.CriticalPressure == 0 {
		c.CriticalPressure = DefaultCriticalPressure
	}
	if c.HysteresisMs == 0 {
		c.HysteresisMs = DefaultHysteresisMs
	}
	if c.PredictionCacheSize == 0 {
		c.PredictionCacheSize = DefaultPredictionCacheSize
	}
	return nil
}

// Deadline returns the per-inference deadline as a duration.
func (c *Config) Deadline() time.Duration { return time.Duration(c.DeadlineMs) * time.Millisecond }

// CacheTTL returns the prediction cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration { return time.Duration(c.CacheTTLMs) * time.Millisecond }

// Hysteresis returns the monitor debounce window as a duration.
func (c *Config) Hysteresis() time.Duration { return time.Duration(c.HysteresisMs) * time.Millisecond }

// CriticalGrace returns the grace period before an unrecovered critical
// state stops the capture controller.
func (c *Config) CriticalGrace() time.Duration {
	return time.Duration(c.CriticalGraceSec) * time.Second
}
