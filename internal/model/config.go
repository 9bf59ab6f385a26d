package model

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration loaded from plateflow.yaml. It controls
// how the orchestrator runs; the samples file it points at controls what runs.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Devices   DevicesConfig   `yaml:"devices"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cycle     CycleConfig     `yaml:"cycle"`
	Health    HealthConfig    `yaml:"health"`
	Transport TransportConfig `yaml:"transport"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
}

type DevicesConfig struct {
	BaseURL           string `yaml:"base_url"`
	Token             string `yaml:"token"`
	IncubatorID       string `yaml:"incubator_id"`
	RoboticArmID      string `yaml:"robotic_arm_id"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

type SchedulerConfig struct {
	LoopIntervalSec      int `yaml:"loop_interval_sec"`
	ReconcileIntervalSec int `yaml:"reconcile_interval_sec"`
}

type CycleConfig struct {
	PollIntervalSec       int `yaml:"poll_interval_sec"`
	PollTimeoutSec        int `yaml:"poll_timeout_sec"`
	MaxPollFailures       int `yaml:"max_poll_failures"`
	DefaultScanTimeoutMin int `yaml:"default_scan_timeout_min"`
}

type HealthConfig struct {
	IntervalSec         int `yaml:"interval_sec"`
	PingTimeoutSec      int `yaml:"ping_timeout_sec"`
	MaxFailures         int `yaml:"max_failures"`
	IdleRecheckSec      int `yaml:"idle_recheck_sec"`
	RefreshRetryWaitSec int `yaml:"refresh_retry_wait_sec"`
}

type TransportConfig struct {
	QueueSize int `yaml:"queue_size"`
}

type DaemonConfig struct {
	SamplesFile        string `yaml:"samples_file"`
	LockFile           string `yaml:"lock_file"`
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Listen: ":9527"},
		Devices: DevicesConfig{
			IncubatorID:       "incubator-control",
			RoboticArmID:      "robotic-arm-control",
			RequestTimeoutSec: 30,
		},
		Scheduler: SchedulerConfig{
			LoopIntervalSec:      5,
			ReconcileIntervalSec: 10,
		},
		Cycle: CycleConfig{
			PollIntervalSec:       10,
			PollTimeoutSec:        15,
			MaxPollFailures:       3,
			DefaultScanTimeoutMin: DefaultScanTimeoutMinutes,
		},
		Health: HealthConfig{
			IntervalSec:         30,
			PingTimeoutSec:      5,
			MaxFailures:         3,
			IdleRecheckSec:      30,
			RefreshRetryWaitSec: 60,
		},
		Transport: TransportConfig{QueueSize: 64},
		Daemon: DaemonConfig{
			SamplesFile:        "samples.json",
			LockFile:           "plateflow.lock",
			ShutdownTimeoutSec: 30,
		},
		Logging: LoggingConfig{Level: "info", Output: "stderr", Format: "console"},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Devices.BaseURL == "" {
		return fmt.Errorf("devices.base_url is required")
	}
	if c.Daemon.SamplesFile == "" {
		return fmt.Errorf("daemon.samples_file is required")
	}
	return nil
}

func (c SchedulerConfig) LoopInterval() time.Duration {
	return secondsOr(c.LoopIntervalSec, 5)
}

func (c SchedulerConfig) ReconcileInterval() time.Duration {
	return secondsOr(c.ReconcileIntervalSec, 10)
}

func (c CycleConfig) PollInterval() time.Duration {
	return secondsOr(c.PollIntervalSec, 10)
}

func (c CycleConfig) PollTimeout() time.Duration {
	return secondsOr(c.PollTimeoutSec, 15)
}

func (c HealthConfig) Interval() time.Duration {
	return secondsOr(c.IntervalSec, 30)
}

func (c HealthConfig) PingTimeout() time.Duration {
	return secondsOr(c.PingTimeoutSec, 5)
}

func (c HealthConfig) IdleRecheck() time.Duration {
	return secondsOr(c.IdleRecheckSec, 30)
}

func (c HealthConfig) RefreshRetryWait() time.Duration {
	return secondsOr(c.RefreshRetryWaitSec, 60)
}

func (c DevicesConfig) RequestTimeout() time.Duration {
	return secondsOr(c.RequestTimeoutSec, 30)
}

func (c DaemonConfig) ShutdownTimeout() time.Duration {
	return secondsOr(c.ShutdownTimeoutSec, 30)
}

func secondsOr(sec, fallback int) time.Duration {
	if sec <= 0 {
		sec = fallback
	}
	return time.Duration(sec) * time.Second
}
