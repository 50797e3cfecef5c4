// Package config holds the settings of the kernel simulator.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full simulator configuration.
type Config struct {
	Kernel KernelConfig `yaml:"kernel"`
	Sim    SimConfig    `yaml:"sim"`
	Log    LogConfig    `yaml:"log"`
	Trace  TraceConfig  `yaml:"trace"`
}

// KernelConfig configures the scheduler and the descriptor table.
type KernelConfig struct {
	Quantum         int `yaml:"quantum"`          // Ticks per dispatch (default 5)
	DescriptorSlots int `yaml:"descriptor_slots"` // Task descriptors available (default 256)
	TicksPerSecond  int `yaml:"ticks_per_second"` // Timer rate (default 1000)
}

// SimConfig configures a simulation run.
type SimConfig struct {
	MaxTicks uint64 `yaml:"max_ticks"` // Stop after this many ticks (default 10000)
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TraceConfig configures trace persistence.
type TraceConfig struct {
	DBPath string `yaml:"db_path"` // SQLite database path, empty to disable (":memory:" for testing)
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		Kernel: KernelConfig{
			Quantum:         5,
			DescriptorSlots: 256,
			TicksPerSecond:  1000,
		},
		Sim: SimConfig{
			MaxTicks: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch {
	case c.Kernel.Quantum <= 0:
		return fmt.Errorf("%w: kernel.quantum must be positive, got %d", ErrInvalidConfig, c.Kernel.Quantum)
	case c.Kernel.DescriptorSlots < 2:
		// The redirection context and the idle process need one each.
		return fmt.Errorf("%w: kernel.descriptor_slots must be at least 2, got %d", ErrInvalidConfig, c.Kernel.DescriptorSlots)
	case c.Kernel.TicksPerSecond <= 0:
		return fmt.Errorf("%w: kernel.ticks_per_second must be positive, got %d", ErrInvalidConfig, c.Kernel.TicksPerSecond)
	case c.Sim.MaxTicks == 0:
		return fmt.Errorf("%w: sim.max_ticks must be positive", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}
