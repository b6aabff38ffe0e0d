// Package config loads registry configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/srediag/shm-registry/internal/logging"
)

// Prefix is the environment variable prefix used by Load.
const Prefix = "SHM"

// Backing selects how shared memory objects are created.
type Backing string

const (
	// BackingMemfd creates anonymous memfd objects.
	BackingMemfd Backing = "memfd"
	// BackingDevShm creates files under DevShmDir and unlinks them once open.
	BackingDevShm Backing = "devshm"
)

// Config holds all registry configuration.
type Config struct {
	Memory     MemoryConfig
	Checkpoint CheckpointConfig
	Pressure   PressureConfig
	Executor   ExecutorConfig
	Logging    LogConfig
	Server     ServerConfig
}

// MemoryConfig controls mapping and eviction of shared buffers.
type MemoryConfig struct {
	// MinUnmapSizeBytes: buffers of this size or smaller skip expiration and
	// stay mapped.
	MinUnmapSizeBytes int `envconfig:"MIN_UNMAP_SIZE_BYTES" default:"102400"`
	// ForceUnmapOnSmallAddressSpace applies eviction even where the address
	// space is large (64-bit targets).
	ForceUnmapOnSmallAddressSpace bool          `envconfig:"FORCE_UNMAP" default:"false"`
	UnmapInterval                 time.Duration `envconfig:"UNMAP_INTERVAL" default:"60s"`
	ExpirationGenerations         int           `envconfig:"EXPIRATION_GENERATIONS" default:"4"`
	Backing                       Backing       `envconfig:"BACKING" default:"memfd"`
	DevShmDir                     string        `envconfig:"DEVSHM_DIR" default:"/dev/shm"`
}

// CheckpointConfig controls the checkpoint back-pressure protocol.
type CheckpointConfig struct {
	WaitTimeoutMs  int    `envconfig:"WAIT_TIMEOUT_MS" default:"10000"`
	StreamCapacity uint64 `envconfig:"STREAM_CAPACITY" default:"1024"`
}

// WaitTimeout returns the checkpoint wait bound.
func (c CheckpointConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}

// PressureConfig controls memory pressure sweeps.
type PressureConfig struct {
	MinAvailableBytes uint64        `envconfig:"MIN_AVAILABLE_BYTES" default:"268435456"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"5s"`
}

// ExecutorConfig bounds the executor pool.
type ExecutorConfig struct {
	PoolSize int `envconfig:"POOL_SIZE" default:"64"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// Logger converts the logging section for internal/logging.
func (c LogConfig) Logger() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.Level
	cfg.Development = c.Development
	return cfg
}

// ServerConfig holds the daemon's HTTP configuration.
type ServerConfig struct {
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9464"`
}

// Load loads configuration from environment variables and verifies it.
// Keys are prefixed with the section, e.g. SHM_MEMORY_FORCE_UNMAP or
// SHM_CHECKPOINT_WAIT_TIMEOUT_MS.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := VerifyConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			MinUnmapSizeBytes:     100 * 1024,
			UnmapInterval:         time.Minute,
			ExpirationGenerations: 4,
			Backing:               BackingMemfd,
			DevShmDir:             "/dev/shm",
		},
		Checkpoint: CheckpointConfig{
			WaitTimeoutMs:  10000,
			StreamCapacity: 1024,
		},
		Pressure: PressureConfig{
			MinAvailableBytes: 256 << 20,
			PollInterval:      5 * time.Second,
		},
		Executor: ExecutorConfig{
			PoolSize: 64,
		},
		Logging: LogConfig{
			Level: "info",
		},
		Server: ServerConfig{
			MetricsAddr: ":9464",
		},
	}
}

// VerifyConfig rejects configurations the registry cannot run with.
func VerifyConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	m := cfg.Memory
	if m.MinUnmapSizeBytes < 0 {
		return fmt.Errorf("MinUnmapSizeBytes must not be negative, got %d", m.MinUnmapSizeBytes)
	}
	if m.ExpirationGenerations < 2 {
		return fmt.Errorf("ExpirationGenerations must be at least 2, got %d", m.ExpirationGenerations)
	}
	if m.UnmapInterval <= 0 {
		return fmt.Errorf("UnmapInterval must be positive, got %s", m.UnmapInterval)
	}
	switch m.Backing {
	case BackingMemfd:
	case BackingDevShm:
		if m.DevShmDir == "" {
			return errors.New("DevShmDir is required for the devshm backing")
		}
	default:
		return fmt.Errorf("unknown backing %q", m.Backing)
	}
	if cfg.Checkpoint.WaitTimeoutMs <= 0 {
		return fmt.Errorf("CheckpointWaitTimeoutMs must be positive, got %d", cfg.Checkpoint.WaitTimeoutMs)
	}
	if cfg.Checkpoint.StreamCapacity == 0 {
		return errors.New("StreamCapacity must be positive")
	}
	if cfg.Pressure.PollInterval <= 0 {
		return fmt.Errorf("PressurePollInterval must be positive, got %s", cfg.Pressure.PollInterval)
	}
	if cfg.Executor.PoolSize <= 0 {
		return fmt.Errorf("PoolSize must be positive, got %d", cfg.Executor.PoolSize)
	}
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// Decode lets envconfig accept backing names case-sensitively and reject the rest.
func (b *Backing) Decode(value string) error {
	switch Backing(value) {
	case BackingMemfd, BackingDevShm:
		*b = Backing(value)
		return nil
	}
	return fmt.Errorf("unknown backing %s", strconv.Quote(value))
}
