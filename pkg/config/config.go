// Package config loads runtime configuration for the engine and its
// workers: a typed CUE file merged with environment variable overrides.
// CUE gives typed, constraint-checked config documents; the DEGOV_*
// environment variables carry the deployment-specific values (store
// location, pool size, heartbeat interval, lease TTL).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// Config is the full runtime configuration.
type Config struct {
	Store       StoreConfig     `json:"store"`
	Worker      WorkerConfig    `json:"worker"`
	Sandbox     SandboxConfig   `json:"sandbox"`
	Definitions DefinitionsPath `json:"definitions"`
	Metrics     MetricsConfig   `json:"metrics"`
}

// StoreConfig selects and locates the KV backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend" validate:"oneof=sqlite memory"`
	// Path locates the sqlite database (the cluster file of the store).
	Path string `json:"path" validate:"required_if=Backend sqlite"`
	// Root overrides the keyspace root.
	Root string `json:"root"`
}

// WorkerConfig tunes worker processes.
type WorkerConfig struct {
	PoolSize          int           `json:"poolSize" validate:"min=1"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval" validate:"min=1s"`
	LeaseTTL          time.Duration `json:"leaseTTL" validate:"min=1s"`
	PollInterval      time.Duration `json:"pollInterval" validate:"min=10ms"`
}

// SandboxConfig bounds script evaluations.
type SandboxConfig struct {
	PoolSize      int           `json:"poolSize" validate:"min=1"`
	Timeout       time.Duration `json:"timeout" validate:"min=100ms"`
	MemoryLimitMB int           `json:"memoryLimitMB" validate:"min=16"`
}

// DefinitionsPath locates the DSL definition tree.
type DefinitionsPath struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	ListenAddress string `json:"listenAddress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "degov.db",
		},
		Worker: WorkerConfig{
			PoolSize:          4,
			HeartbeatInterval: 5 * time.Second,
			LeaseTTL:          30 * time.Second,
			PollInterval:      500 * time.Millisecond,
		},
		Sandbox: SandboxConfig{
			PoolSize:      4,
			Timeout:       5 * time.Second,
			MemoryLimitMB: 128,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: ":9090",
		},
	}
}

// Load builds the effective configuration: defaults, then the CUE file
// (when given), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := applyCUEFile(cfg, path); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's constraints.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// cueConfig is the CUE document shape; durations are strings parsed with
// time.ParseDuration.
type cueConfig struct {
	Store struct {
		Backend string `json:"backend"`
		Path    string `json:"path"`
		Root    string `json:"root"`
	} `json:"store"`
	Worker struct {
		PoolSize          int    `json:"poolSize"`
		HeartbeatInterval string `json:"heartbeatInterval"`
		LeaseTTL          string `json:"leaseTTL"`
		PollInterval      string `json:"pollInterval"`
	} `json:"worker"`
	Sandbox struct {
		PoolSize      int    `json:"poolSize"`
		Timeout       string `json:"timeout"`
		MemoryLimitMB int    `json:"memoryLimitMB"`
	} `json:"sandbox"`
	Definitions struct {
		Dir   string `json:"dir"`
		Watch bool   `json:"watch"`
	} `json:"definitions"`
	Metrics struct {
		Enabled       *bool  `json:"enabled"`
		ListenAddress string `json:"listenAddress"`
	} `json:"metrics"`
}

// applyCUEFile evaluates a CUE document and overlays its values.
func applyCUEFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to parse config: %s", cueerrors.Details(err, nil))
	}

	var doc cueConfig
	if err := value.Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode config: %s", cueerrors.Details(err, nil))
	}

	if doc.Store.Backend != "" {
		cfg.Store.Backend = doc.Store.Backend
	}
	if doc.Store.Path != "" {
		cfg.Store.Path = doc.Store.Path
	}
	if doc.Store.Root != "" {
		cfg.Store.Root = doc.Store.Root
	}
	if doc.Worker.PoolSize > 0 {
		cfg.Worker.PoolSize = doc.Worker.PoolSize
	}
	if err := setDuration(&cfg.Worker.HeartbeatInterval, doc.Worker.HeartbeatInterval); err != nil {
		return err
	}
	if err := setDuration(&cfg.Worker.LeaseTTL, doc.Worker.LeaseTTL); err != nil {
		return err
	}
	if err := setDuration(&cfg.Worker.PollInterval, doc.Worker.PollInterval); err != nil {
		return err
	}
	if doc.Sandbox.PoolSize > 0 {
		cfg.Sandbox.PoolSize = doc.Sandbox.PoolSize
	}
	if err := setDuration(&cfg.Sandbox.Timeout, doc.Sandbox.Timeout); err != nil {
		return err
	}
	if doc.Sandbox.MemoryLimitMB > 0 {
		cfg.Sandbox.MemoryLimitMB = doc.Sandbox.MemoryLimitMB
	}
	if doc.Definitions.Dir != "" {
		cfg.Definitions.Dir = doc.Definitions.Dir
	}
	if doc.Definitions.Watch {
		cfg.Definitions.Watch = true
	}
	if doc.Metrics.Enabled != nil {
		cfg.Metrics.Enabled = *doc.Metrics.Enabled
	}
	if doc.Metrics.ListenAddress != "" {
		cfg.Metrics.ListenAddress = doc.Metrics.ListenAddress
	}
	return nil
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// Environment variables recognized by applyEnv. All of them are optional:
// when neither DEGOV_STORE_PATH nor a config file sets the store path, it
// stays at the default "degov.db".
const (
	EnvStorePath         = "DEGOV_STORE_PATH"
	EnvStoreBackend      = "DEGOV_STORE_BACKEND"
	EnvWorkerPoolSize    = "DEGOV_WORKER_POOL_SIZE"
	EnvHeartbeatInterval = "DEGOV_HEARTBEAT_INTERVAL"
	EnvLeaseTTL          = "DEGOV_LEASE_TTL"
	EnvDefinitionsDir    = "DEGOV_DEFINITIONS_DIR"
	EnvMetricsAddr       = "DEGOV_METRICS_ADDR"
)

// applyEnv overlays environment variables onto the configuration.
func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvStorePath); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv(EnvStoreBackend); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv(EnvWorkerPoolSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Worker.PoolSize = n
		}
	}
	if v := os.Getenv(EnvHeartbeatInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.HeartbeatInterval = d
		}
	}
	if v := os.Getenv(EnvLeaseTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Worker.LeaseTTL = d
		}
	}
	if v := os.Getenv(EnvDefinitionsDir); v != "" {
		cfg.Definitions.Dir = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.Metrics.ListenAddress = v
	}
}
