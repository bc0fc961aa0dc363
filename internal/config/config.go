// Package config is the on-disk configuration for the fortress CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/fortress/internal/governor"
	"github.com/psantana5/fortress/internal/statusapi"
	"github.com/psantana5/fortress/internal/store"
	"github.com/psantana5/fortress/pkg/tracing"
)

// File mirrors config.yaml. Durations are strings such as "500ms".
type File struct {
	Governor Governor `yaml:"governor" mapstructure:"governor"`
	Logging  Logging  `yaml:"logging" mapstructure:"logging"`
	History  History  `yaml:"history" mapstructure:"history"`
	Status   Status   `yaml:"status" mapstructure:"status"`
	Tracing  Tracing  `yaml:"tracing" mapstructure:"tracing"`
}

type Governor struct {
	MemoryCeilingGB    float64 `yaml:"memory_ceiling_gb" mapstructure:"memory_ceiling_gb"`
	PollInterval       string  `yaml:"poll_interval" mapstructure:"poll_interval"`
	GracePeriod        string  `yaml:"grace_period" mapstructure:"grace_period"`
	MemoryThresholdPct float64 `yaml:"memory_threshold_pct" mapstructure:"memory_threshold_pct"`
	SwapThresholdPct   float64 `yaml:"swap_threshold_pct" mapstructure:"swap_threshold_pct"`
	MaxProcesses       uint64  `yaml:"max_processes" mapstructure:"max_processes"`
	MaxCPUSeconds      uint64  `yaml:"max_cpu_seconds" mapstructure:"max_cpu_seconds"`
	StopTimeout        string  `yaml:"stop_timeout" mapstructure:"stop_timeout"`
	TotalLayers        int     `yaml:"total_layers" mapstructure:"total_layers"`
	UseCgroup          bool    `yaml:"use_cgroup" mapstructure:"use_cgroup"`
	LockHardLimits     bool    `yaml:"lock_hard_limits" mapstructure:"lock_hard_limits"`
	SelfDestruct       bool    `yaml:"self_destruct" mapstructure:"self_destruct"`
}

type Logging struct {
	Level string `yaml:"level" mapstructure:"level"`
	JSON  bool   `yaml:"json" mapstructure:"json"`
	// File writes logs under /var/log/fortress, falling back to ./logs
	File bool `yaml:"file" mapstructure:"file"`
}

type History struct {
	// Type is memory, sqlite or postgres; empty infers from DSN
	Type string `yaml:"type" mapstructure:"type"`
	DSN  string `yaml:"dsn" mapstructure:"dsn"`
}

type Status struct {
	// Addr enables the status API, e.g. "127.0.0.1:9470"
	Addr string `yaml:"addr" mapstructure:"addr"`
	// TokenHash is a bcrypt hash from "fortress config hash-token"; when set
	// every route except /healthz needs the matching bearer token
	TokenHash string `yaml:"token_hash" mapstructure:"token_hash"`
}

type Tracing struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Endpoint    string `yaml:"endpoint" mapstructure:"endpoint"`
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// Default returns the configuration used when no file exists
func Default() File {
	g := governor.DefaultConfig()
	return File{
		Governor: Governor{
			MemoryCeilingGB:    g.MemoryCeilingGB,
			PollInterval:       g.PollInterval.String(),
			GracePeriod:        g.GracePeriod.String(),
			MemoryThresholdPct: g.MemoryThresholdPct,
			SwapThresholdPct:   g.SwapThresholdPct,
			MaxProcesses:       g.MaxProcesses,
			MaxCPUSeconds:      g.MaxCPUSeconds,
			StopTimeout:        g.StopTimeout.String(),
			TotalLayers:        g.TotalLayers,
			UseCgroup:          g.UseCgroup,
			LockHardLimits:     g.LockHardLimits,
			SelfDestruct:       g.SelfDestruct,
		},
		Logging: Logging{Level: "info"},
		Tracing: Tracing{ServiceName: "fortress", Environment: "development", Endpoint: "localhost:4318"},
	}
}

// Load reads a YAML file over the defaults, so omitted keys keep them
func Load(path string) (File, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ToGovernor converts the governor section, parsing durations
func (f File) ToGovernor() (governor.Config, error) {
	g := f.Governor
	cfg := governor.Config{
		MemoryCeilingGB:    g.MemoryCeilingGB,
		MemoryThresholdPct: g.MemoryThresholdPct,
		SwapThresholdPct:   g.SwapThresholdPct,
		MaxProcesses:       g.MaxProcesses,
		MaxCPUSeconds:      g.MaxCPUSeconds,
		TotalLayers:        g.TotalLayers,
		UseCgroup:          g.UseCgroup,
		LockHardLimits:     g.LockHardLimits,
		SelfDestruct:       g.SelfDestruct,
	}

	var errs []error
	parse := func(name, value string, dst *time.Duration) {
		if value == "" {
			return
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("governor.%s: %w", name, err))
			return
		}
		*dst = d
	}
	def := governor.DefaultConfig()
	cfg.PollInterval, cfg.GracePeriod, cfg.StopTimeout = def.PollInterval, def.GracePeriod, def.StopTimeout
	parse("poll_interval", g.PollInterval, &cfg.PollInterval)
	parse("grace_period", g.GracePeriod, &cfg.GracePeriod)
	parse("stop_timeout", g.StopTimeout, &cfg.StopTimeout)

	return cfg, errors.Join(errs...)
}

// Validate checks the whole file
func (f File) Validate() error {
	var errs []error
	cfg, err := f.ToGovernor()
	if err != nil {
		errs = append(errs, err)
	} else if err := cfg.Validate(); err != nil {
		errs = append(errs, err)
	}
	switch f.History.Type {
	case "", "memory", "sqlite", "sqlite3", "postgres", "postgresql":
	default:
		errs = append(errs, fmt.Errorf("history.type: unknown store %q", f.History.Type))
	}
	if f.Status.TokenHash != "" && !statusapi.ValidTokenHash(f.Status.TokenHash) {
		errs = append(errs, errors.New("status.token_hash is not a bcrypt hash"))
	}
	if f.Tracing.Enabled && f.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}
	return errors.Join(errs...)
}

// StoreConfig returns the history store settings
func (f File) StoreConfig() store.Config {
	return store.Config{Type: f.History.Type, DSN: f.History.DSN}
}

// TracingConfig returns the tracing settings
func (f File) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    f.Tracing.ServiceName,
		ServiceVersion: version,
		Environment:    f.Tracing.Environment,
		OTLPEndpoint:   f.Tracing.Endpoint,
		Enabled:        f.Tracing.Enabled,
	}
}

// ExampleConfig is printed by `fortress config example`
const ExampleConfig = `# fortress configuration (~/.fortress/config.yaml)
# Every key can be overridden with FORTRESS_<SECTION>_<KEY>, e.g.
# FORTRESS_GOVERNOR_MEMORY_CEILING_GB=16

governor:
  memory_ceiling_gb: 20       # guardian ceiling for the whole process tree
  poll_interval: 500ms        # breaker and guardian sampling period
  grace_period: 3s            # SIGTERM to SIGKILL
  memory_threshold_pct: 85    # breaker trips above this system memory use
  swap_threshold_pct: 50      # or above this swap use
  max_processes: 1024         # RLIMIT_NPROC, counted per user
  max_cpu_seconds: 7200       # RLIMIT_CPU, delivered as SIGXCPU
  stop_timeout: 2s            # bounded wait when disarming monitors
  total_layers: 32            # model layers for GPU offload policy
  use_cgroup: false           # confine spawned commands in a cgroup
  lock_hard_limits: false     # lower hard rlimits too (irreversible without root)
  self_destruct: true         # exit if containment fails

logging:
  level: info                 # debug, info, warn, error, critical
  json: false
  file: false

history:
  type: sqlite                # memory, sqlite or postgres
  dsn: ~/.fortress/history.db

status:
  addr: ""                    # e.g. 127.0.0.1:9470
  token_hash: ""              # bcrypt hash; see "fortress config hash-token"

tracing:
  enabled: false
  endpoint: localhost:4318
  service_name: fortress
  environment: development
`
