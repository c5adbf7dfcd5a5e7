package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EngineConfig tunes bill-run processing. It is loaded from engine.yml and
// hot-reloaded so operators can throttle a long-running run without a
// restart.
type EngineConfig struct {
	// Workers bounds how many licences one run processes in parallel.
	Workers int `mapstructure:"workers"`
	// RunBatchSize caps how many queued runs the scheduler claims per sweep.
	RunBatchSize int `mapstructure:"runBatchSize"`
	// RecoveryThresholdMinutes is how long a run may sit in processing
	// before the recovery sweep declares it stuck.
	RecoveryThresholdMinutes int `mapstructure:"recoveryThresholdMinutes"`
	// SchedulerIntervalSeconds is the pause between scheduler sweeps.
	SchedulerIntervalSeconds int `mapstructure:"schedulerIntervalSeconds"`
}

// DefaultEngineConfig returns the tuning used when no engine.yml is present.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Workers:                  4,
		RunBatchSize:             10,
		RecoveryThresholdMinutes: 30,
		SchedulerIntervalSeconds: 60,
	}
}

// RecoveryThreshold returns the stuck-run cutoff as a duration.
func (c EngineConfig) RecoveryThreshold() time.Duration {
	return time.Duration(c.RecoveryThresholdMinutes) * time.Minute
}

// SchedulerInterval returns the sweep interval as a duration.
func (c EngineConfig) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

// EngineConfigHolder serves the current EngineConfig and swaps it atomically
// on file change.
type EngineConfigHolder struct {
	current atomic.Value // holds EngineConfig
}

// NewEngineConfigHolder reads engine.yml (volume mount, system dir or cwd),
// falls back to defaults when absent, and watches for changes.
func NewEngineConfigHolder() (*EngineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("engine")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tariff-engine/config")
	v.AddConfigPath("/etc/tariff-engine")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TARIFF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultEngineConfig()
		v.SetDefault("engine.workers", defaults.Workers)
		v.SetDefault("engine.runBatchSize", defaults.RunBatchSize)
		v.SetDefault("engine.recoveryThresholdMinutes", defaults.RecoveryThresholdMinutes)
		v.SetDefault("engine.schedulerIntervalSeconds", defaults.SchedulerIntervalSeconds)
	}

	var cfg EngineConfig
	if err := v.UnmarshalKey("engine", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if err := validateEngineConfig(cfg); err != nil {
		return nil, err
	}

	holder := &EngineConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated EngineConfig
		if err := v.UnmarshalKey("engine", &updated); err != nil {
			log.Printf("[engine-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateEngineConfig(updated); err != nil {
			log.Printf("[engine-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[engine-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticEngineConfigHolder returns a holder pinned to cfg, with no file
// watching. Used by tests and tools that must not depend on engine.yml.
func NewStaticEngineConfigHolder(cfg EngineConfig) *EngineConfigHolder {
	holder := &EngineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

// Get returns the current tuning.
func (h *EngineConfigHolder) Get() EngineConfig {
	return h.current.Load().(EngineConfig)
}

func (c EngineConfig) withDefaults() EngineConfig {
	defaults := DefaultEngineConfig()
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.RunBatchSize <= 0 {
		c.RunBatchSize = defaults.RunBatchSize
	}
	if c.RecoveryThresholdMinutes <= 0 {
		c.RecoveryThresholdMinutes = defaults.RecoveryThresholdMinutes
	}
	if c.SchedulerIntervalSeconds <= 0 {
		c.SchedulerIntervalSeconds = defaults.SchedulerIntervalSeconds
	}
	return c
}

func validateEngineConfig(c EngineConfig) error {
	if c.Workers > 64 {
		return errors.New("engine.workers above 64 is not supported")
	}
	return nil
}
