/*
Copyright © 2025 ALESSIO TONIOLO

config.go loads the control plane configuration from a YAML file and the
provider credentials from the environment (optionally a .env file).
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kirsle/configdir"
	"gopkg.in/yaml.v3"
)

// Config is the full control plane configuration
type Config struct {
	Router     RouterConfig     `yaml:"router"`
	Cache      CacheConfig      `yaml:"cache"`
	Health     HealthConfig     `yaml:"health"`
	Autoscaler AutoscalerConfig `yaml:"autoscaler"`
	Provider   ProviderConfig   `yaml:"provider"`
	Store      StoreConfig      `yaml:"store"`
	Worker     WorkerConfig     `yaml:"worker"`
	Log        LogConfig        `yaml:"log"`
}

type RouterConfig struct {
	Port                int           `yaml:"port"`
	WorkerPort          int           `yaml:"worker_port"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

type CacheConfig struct {
	Capacity int     `yaml:"capacity"`
	Delta    float64 `yaml:"delta"`
}

type HealthConfig struct {
	HealthyThreshold   int `yaml:"healthy_threshold"`
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`
}

type AutoscalerConfig struct {
	MinInstances       int           `yaml:"min_instances"`
	CostThresholdMin   float64       `yaml:"cost_threshold_min"`
	CostThresholdMax   float64       `yaml:"cost_threshold_max"`
	CPUThresholdMin    float64       `yaml:"cpu_threshold_min"`
	CPUThresholdMax    float64       `yaml:"cpu_threshold_max"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	Cooldown           time.Duration `yaml:"cooldown"`
	CPUCheckEvery      int           `yaml:"cpu_check_every"`
	CPUWindow          time.Duration `yaml:"cpu_window"`
	MetricTimeout      time.Duration `yaml:"metric_timeout"`
	LaunchPollInterval time.Duration `yaml:"launch_poll_interval"`
	AdoptRunning       bool          `yaml:"adopt_running"`
}

type ProviderConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIToken      string   `yaml:"-"` // only from the environment
	InstanceType  string   `yaml:"instance_type"`
	Region        string   `yaml:"region"`
	InstanceName  string   `yaml:"instance_name"`
	SSHKeyNames   []string `yaml:"ssh_key_names"`
	CPUMetricName string   `yaml:"cpu_metric_name"`
}

type StoreConfig struct {
	// Path of the SQLite metadata store. Empty means <configdir>/radarfleet/costs.db
	Path string `yaml:"path"`
}

// WorkerConfig configures the agent running next to the solver on each node
type WorkerConfig struct {
	Port      int    `yaml:"port"`
	SolverURL string `yaml:"solver_url"`
	// ControlPlaneURL receives observed costs. Empty disables reporting.
	ControlPlaneURL    string        `yaml:"control_plane_url"`
	ObservedCostHeader string        `yaml:"observed_cost_header"`
	SampleInterval     time.Duration `yaml:"sample_interval"`
	ReportTimeout      time.Duration `yaml:"report_timeout"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Default returns a Config populated from the Default* constants
func Default() *Config {
	return &Config{
		Router: RouterConfig{
			Port:                DefaultRouterPort,
			WorkerPort:          DefaultWorkerPort,
			RequestTimeout:      DefaultRequestTimeout,
			ProbeTimeout:        DefaultProbeTimeout,
			MaintenanceInterval: DefaultMaintenanceInterval,
		},
		Cache: CacheConfig{
			Capacity: DefaultCacheCapacity,
			Delta:    DefaultSimilarityDelta,
		},
		Health: HealthConfig{
			HealthyThreshold:   DefaultHealthyThreshold,
			UnhealthyThreshold: DefaultUnhealthyThreshold,
		},
		Autoscaler: AutoscalerConfig{
			MinInstances:       DefaultMinInstances,
			CostThresholdMin:   DefaultCostThresholdMin,
			CostThresholdMax:   DefaultCostThresholdMax,
			CPUThresholdMin:    DefaultCPUThresholdMin,
			CPUThresholdMax:    DefaultCPUThresholdMax,
			TickInterval:       DefaultTickInterval,
			Cooldown:           DefaultCooldown,
			CPUCheckEvery:      DefaultCPUCheckEvery,
			CPUWindow:          DefaultCPUWindow,
			MetricTimeout:      DefaultMetricTimeout,
			LaunchPollInterval: DefaultLaunchPollInterval,
		},
		Provider: ProviderConfig{
			BaseURL:       DefaultLambdaBaseURL,
			InstanceType:  DefaultLambdaInstanceType,
			Region:        DefaultLambdaRegion,
			InstanceName:  DefaultInstanceName,
			CPUMetricName: DefaultCPUMetricName,
		},
		Worker: WorkerConfig{
			Port:               DefaultWorkerPort,
			SolverURL:          DefaultSolverURL,
			ObservedCostHeader: DefaultObservedCostHeader,
			SampleInterval:     DefaultCPUSampleInterval,
			ReportTimeout:      DefaultReportTimeout,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML file on top of the defaults. Keys absent from the file keep their default.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadEnv loads a .env file if one exists and picks up the provider token.
func (c *Config) LoadEnv(envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}
	c.Provider.APIToken = os.Getenv("LAMBDA_API_KEY")
	return nil
}

// Validate checks that every tunable is in range
func (c *Config) Validate() error {
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	if c.Cache.Delta <= 0 {
		return fmt.Errorf("cache.delta must be > 0")
	}
	if c.Health.HealthyThreshold <= 0 || c.Health.UnhealthyThreshold <= 0 {
		return fmt.Errorf("health thresholds must be > 0")
	}
	a := c.Autoscaler
	if a.MinInstances < 1 {
		return fmt.Errorf("autoscaler.min_instances must be >= 1")
	}
	if a.CostThresholdMin >= a.CostThresholdMax {
		return fmt.Errorf("autoscaler.cost_threshold_min (%.0f) must be below cost_threshold_max (%.0f)",
			a.CostThresholdMin, a.CostThresholdMax)
	}
	if a.CPUThresholdMin >= a.CPUThresholdMax {
		return fmt.Errorf("autoscaler.cpu_threshold_min (%.0f) must be below cpu_threshold_max (%.0f)",
			a.CPUThresholdMin, a.CPUThresholdMax)
	}
	if a.CPUCheckEvery < 1 {
		return fmt.Errorf("autoscaler.cpu_check_every must be >= 1")
	}
	if a.TickInterval <= 0 || a.Cooldown < 0 || a.LaunchPollInterval <= 0 {
		return fmt.Errorf("autoscaler intervals must be positive")
	}
	if c.Router.MaintenanceInterval <= 0 || c.Router.ProbeTimeout <= 0 {
		return fmt.Errorf("router intervals must be positive")
	}
	if c.Worker.SampleInterval <= 0 {
		return fmt.Errorf("worker.sample_interval must be positive")
	}
	return nil
}

// StorePath resolves the metadata store location, creating the config directory if needed
func (c *Config) StorePath() (string, error) {
	if c.Store.Path != "" {
		return c.Store.Path, nil
	}
	configPath := configdir.LocalConfig("radarfleet")
	if err := configdir.MakePath(configPath); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return filepath.Join(configPath, "costs.db"), nil
}
