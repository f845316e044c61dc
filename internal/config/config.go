// Package config loads the boot-time configuration of the kernel core:
// the physical memory map, the CPU topology and subsystem tunables.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// PageSize is the architecture page size assumed by the memory map.
const PageSize = 4096

// Config holds the complete kernel configuration.
type Config struct {
	// Memory is the boot memory map: physical regions with tier tags.
	Memory []Region `yaml:"memory"`

	// Cores is the CPU topology.
	Cores []Core `yaml:"cores"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	IPC       IPCConfig       `yaml:"ipc"`
	Caps      CapsConfig      `yaml:"caps"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Region is one physical memory range of the boot memory map.
type Region struct {
	Base uint64 `yaml:"base"` // physical byte address, page aligned
	Size uint64 `yaml:"size"` // bytes, page multiple
	Tier string `yaml:"tier"` // local, attached, persistent
	Node int    `yaml:"node"` // NUMA node
}

// Core describes one CPU core.
type Core struct {
	ID   int    `yaml:"id"`
	Type string `yaml:"type"` // performance, efficiency
	Node int    `yaml:"node"`
}

// SchedulerConfig configures the scheduler.
type SchedulerConfig struct {
	TimeSlice     time.Duration `yaml:"time_slice"`
	ClassifyEvery int           `yaml:"classify_every"` // ticks between reclassification

	ComputeIPC      float64 `yaml:"compute_ipc"`       // instructions per cycle
	ComputeMissRate float64 `yaml:"compute_miss_rate"` // cache misses per reference
	MemoryMissRate  float64 `yaml:"memory_miss_rate"`
	MemoryBandwidth uint64  `yaml:"memory_bandwidth"` // bytes per second
}

// IPCConfig configures the IPC transport.
type IPCConfig struct {
	InlineThreshold int `yaml:"inline_threshold"` // bytes copied inline
	QueueDepth      int `yaml:"queue_depth"`      // notification ring capacity
	MaxCaps         int `yaml:"max_caps"`         // capabilities per message
}

// CapsConfig configures capability tables.
type CapsConfig struct {
	Quota int `yaml:"quota"` // slots per process table
}

// LoggingConfig configures the kernel logger.
type LoggingConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
	Trace       bool   `yaml:"trace"` // trace every system call
}

// Default returns a configuration for a small two-node machine with one
// performance and one efficiency core per node.
func Default() *Config {
	return &Config{
		Memory: []Region{
			{Base: 0x0010_0000, Size: 16 << 20, Tier: "local", Node: 0},
			{Base: 0x0200_0000, Size: 16 << 20, Tier: "local", Node: 1},
			{Base: 0x1000_0000, Size: 32 << 20, Tier: "attached", Node: 1},
			{Base: 0x4000_0000, Size: 8 << 20, Tier: "persistent", Node: 0},
		},
		Cores: []Core{
			{ID: 0, Type: "performance", Node: 0},
			{ID: 1, Type: "efficiency", Node: 0},
			{ID: 2, Type: "performance", Node: 1},
			{ID: 3, Type: "efficiency", Node: 1},
		},
		Scheduler: SchedulerConfig{
			TimeSlice:       4 * time.Millisecond,
			ClassifyEvery:   8,
			ComputeIPC:      1.5,
			ComputeMissRate: 0.05,
			MemoryMissRate:  0.20,
			MemoryBandwidth: 1 << 30,
		},
		IPC: IPCConfig{
			InlineThreshold: 256,
			QueueDepth:      64,
			MaxCaps:         4,
		},
		Caps: CapsConfig{
			Quota: 256,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads and validates the YAML configuration file at path. Fields
// missing from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration data.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

var (
	tiers     = map[string]bool{"local": true, "attached": true, "persistent": true}
	coreTypes = map[string]bool{"performance": true, "efficiency": true}
	levels    = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var err error

	if len(c.Memory) == 0 {
		err = multierr.Append(err, fmt.Errorf("memory: at least one region required"))
	}
	for i, r := range c.Memory {
		if r.Base%PageSize != 0 {
			err = multierr.Append(err, fmt.Errorf("memory[%d]: base %#x not page aligned", i, r.Base))
		}
		if r.Size == 0 || r.Size%PageSize != 0 {
			err = multierr.Append(err, fmt.Errorf("memory[%d]: size %d not a positive page multiple", i, r.Size))
		}
		if !tiers[r.Tier] {
			err = multierr.Append(err, fmt.Errorf("memory[%d]: unknown tier %q", i, r.Tier))
		}
		if r.Node < 0 {
			err = multierr.Append(err, fmt.Errorf("memory[%d]: negative node %d", i, r.Node))
		}
		for j := 0; j < i; j++ {
			o := c.Memory[j]
			if r.Base < o.Base+o.Size && o.Base < r.Base+r.Size {
				err = multierr.Append(err, fmt.Errorf("memory[%d]: overlaps memory[%d]", i, j))
			}
		}
	}

	if len(c.Cores) == 0 {
		err = multierr.Append(err, fmt.Errorf("cores: at least one core required"))
	}
	if len(c.Cores) > 64 {
		err = multierr.Append(err, fmt.Errorf("cores: %d cores, at most 64 supported", len(c.Cores)))
	}
	seen := make(map[int]bool)
	for i, core := range c.Cores {
		if core.ID != i {
			err = multierr.Append(err, fmt.Errorf("cores[%d]: id %d, want %d", i, core.ID, i))
		}
		if seen[core.ID] {
			err = multierr.Append(err, fmt.Errorf("cores[%d]: duplicate id %d", i, core.ID))
		}
		seen[core.ID] = true
		if !coreTypes[core.Type] {
			err = multierr.Append(err, fmt.Errorf("cores[%d]: unknown type %q", i, core.Type))
		}
	}

	if c.Scheduler.TimeSlice <= 0 {
		err = multierr.Append(err, fmt.Errorf("scheduler.time_slice: must be positive"))
	}
	if c.Scheduler.ClassifyEvery <= 0 {
		err = multierr.Append(err, fmt.Errorf("scheduler.classify_every: must be positive"))
	}
	if c.IPC.QueueDepth <= 0 {
		err = multierr.Append(err, fmt.Errorf("ipc.queue_depth: must be positive"))
	}
	if c.IPC.MaxCaps < 0 {
		err = multierr.Append(err, fmt.Errorf("ipc.max_caps: must not be negative"))
	}
	if c.IPC.InlineThreshold < 0 {
		err = multierr.Append(err, fmt.Errorf("ipc.inline_threshold: must not be negative"))
	}
	if c.Caps.Quota <= 0 {
		err = multierr.Append(err, fmt.Errorf("caps.quota: must be positive"))
	}
	if !levels[c.Logging.Level] {
		err = multierr.Append(err, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	return err
}
