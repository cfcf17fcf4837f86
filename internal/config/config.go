// Package config loads and validates the application configuration. Values
// are resolved with the usual viper precedence: command-line flags override
// SURVEYOR_* environment variables, which override the YAML config file,
// which overrides the built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Registry   RegistryConfig   `mapstructure:"registry" yaml:"registry"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" yaml:"dispatcher"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline" yaml:"pipeline"`
	Agent      AgentConfig      `mapstructure:"agent" yaml:"agent"`
}

// LoggerConfig configures the zap logger and optional rotating log file.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the Postgres connection string.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RegistryConfig tunes worker liveness tracking. A worker is online iff its
// last heartbeat is younger than HeartbeatTimeout; the sweep flips stale
// entries to offline every SweepInterval.
type RegistryConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// DispatcherConfig holds the composite load-score weights and the hard
// per-dimension ceiling. A worker with any load dimension at or above
// LoadCeiling is excluded from selection outright.
type DispatcherConfig struct {
	CPUWeight      float64 `mapstructure:"cpu_weight" yaml:"cpu_weight"`
	MemWeight      float64 `mapstructure:"mem_weight" yaml:"mem_weight"`
	DiskWeight     float64 `mapstructure:"disk_weight" yaml:"disk_weight"`
	InFlightWeight float64 `mapstructure:"in_flight_weight" yaml:"in_flight_weight"`
	LoadCeiling    float64 `mapstructure:"load_ceiling" yaml:"load_ceiling"`
}

// PipelineConfig overrides the per-stage defaults baked into the stage
// table: progress weights, which stages abort the whole scan on failure, and
// the intra-stage tool failure policy ("all_success" or "any_success").
type PipelineConfig struct {
	StageWeights map[string]int    `mapstructure:"stage_weights" yaml:"stage_weights"`
	FatalStages  map[string]bool   `mapstructure:"fatal_stages" yaml:"fatal_stages"`
	StagePolicy  map[string]string `mapstructure:"stage_policy" yaml:"stage_policy"`
}

// AgentConfig tunes the worker agent protocol timing on the core side, plus
// the local in-process agent and the statically enrolled remote fleet.
type AgentConfig struct {
	HeartbeatInterval time.Duration        `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	PollInterval      time.Duration        `mapstructure:"poll_interval" yaml:"poll_interval"`
	CancelGrace       time.Duration        `mapstructure:"cancel_grace" yaml:"cancel_grace"`
	RequestTimeout    time.Duration        `mapstructure:"request_timeout" yaml:"request_timeout"`
	WorkDir           string               `mapstructure:"work_dir" yaml:"work_dir"`
	LocalWorkerName   string               `mapstructure:"local_worker_name" yaml:"local_worker_name"`
	RemoteWorkers     []RemoteWorkerConfig `mapstructure:"remote_workers" yaml:"remote_workers"`
}

// RemoteWorkerConfig declares one remote worker agent to enroll at startup.
// Capabilities name the pipeline stages the worker can execute.
type RemoteWorkerConfig struct {
	Name         string   `mapstructure:"name" yaml:"name"`
	URL          string   `mapstructure:"url" yaml:"url"`
	Capabilities []string `mapstructure:"capabilities" yaml:"capabilities"`
}

// setDefaults registers every default value with viper so that a missing or
// partial config file still yields a runnable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "surveyor")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 28)

	v.SetDefault("registry.heartbeat_timeout", 45*time.Second)
	v.SetDefault("registry.sweep_interval", 5*time.Second)

	v.SetDefault("dispatcher.cpu_weight", 1.0)
	v.SetDefault("dispatcher.mem_weight", 1.0)
	v.SetDefault("dispatcher.disk_weight", 0.5)
	v.SetDefault("dispatcher.in_flight_weight", 10.0)
	v.SetDefault("dispatcher.load_ceiling", 95.0)

	v.SetDefault("agent.heartbeat_interval", 10*time.Second)
	v.SetDefault("agent.poll_interval", 2*time.Second)
	v.SetDefault("agent.cancel_grace", 10*time.Second)
	v.SetDefault("agent.request_timeout", 30*time.Second)
	v.SetDefault("agent.work_dir", "./workspace")
	v.SetDefault("agent.local_worker_name", "local-scan-worker")
}

// Load reads the configuration from the given file (or ./config.yaml when
// empty), applies environment overrides and returns the validated result.
func Load(cfgFile string) (*Config, error) {
	v := viper.GetViper()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("SURVEYOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env carry the day.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would make the core misbehave in
// non-obvious ways at runtime.
func (c *Config) Validate() error {
	if c.Registry.HeartbeatTimeout <= 0 {
		return fmt.Errorf("registry.heartbeat_timeout must be positive, got %s", c.Registry.HeartbeatTimeout)
	}
	if c.Registry.SweepInterval <= 0 {
		return fmt.Errorf("registry.sweep_interval must be positive, got %s", c.Registry.SweepInterval)
	}
	if c.Registry.SweepInterval > c.Registry.HeartbeatTimeout {
		return fmt.Errorf("registry.sweep_interval (%s) must not exceed registry.heartbeat_timeout (%s)",
			c.Registry.SweepInterval, c.Registry.HeartbeatTimeout)
	}
	if c.Dispatcher.LoadCeiling <= 0 || c.Dispatcher.LoadCeiling > 100 {
		return fmt.Errorf("dispatcher.load_ceiling must be in (0, 100], got %v", c.Dispatcher.LoadCeiling)
	}
	for stage, policy := range c.Pipeline.StagePolicy {
		if policy != "all_success" && policy != "any_success" {
			return fmt.Errorf("pipeline.stage_policy[%s]: unknown policy %q", stage, policy)
		}
	}
	for stage, w := range c.Pipeline.StageWeights {
		if w <= 0 {
			return fmt.Errorf("pipeline.stage_weights[%s] must be positive, got %d", stage, w)
		}
	}
	if c.Agent.PollInterval <= 0 {
		return fmt.Errorf("agent.poll_interval must be positive, got %s", c.Agent.PollInterval)
	}
	for i, rw := range c.Agent.RemoteWorkers {
		if rw.Name == "" {
			return fmt.Errorf("agent.remote_workers[%d]: name is required", i)
		}
		if rw.URL == "" {
			return fmt.Errorf("agent.remote_workers[%d] (%s): url is required", i, rw.Name)
		}
		if len(rw.Capabilities) == 0 {
			return fmt.Errorf("agent.remote_workers[%d] (%s): at least one capability is required", i, rw.Name)
		}
	}
	return nil
}

// Default returns the built-in configuration without touching the
// filesystem or environment. Used by tests and as a safe fallback.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Unmarshal of pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
