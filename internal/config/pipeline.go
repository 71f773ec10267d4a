// Package config loads the acquisition pipeline settings from JSON and the
// service settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/daq.pipeline/internal/device"
	"github.com/banshee-data/daq.pipeline/internal/fsutil"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/registers"
)

// DefaultConfigPath is the canonical pipeline defaults file.
const DefaultConfigPath = "config/pipeline.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// PipelineConfig is the runtime configuration of the acquisition pipeline.
// Every field is optional; the Get* methods supply defaults for omitted ones.
type PipelineConfig struct {
	// ClockHz is the simulated cycle clock used for rate and latency figures.
	ClockHz        *uint64 `json:"clock_hz,omitempty"`
	TickInterval   *string `json:"tick_interval,omitempty"` // duration string like "10ms"
	CyclesPerTick  *int    `json:"cycles_per_tick,omitempty"`
	DrainEvery     *uint32 `json:"drain_every,omitempty"`
	SnapshotEvery  *int    `json:"snapshot_every,omitempty"`
	HistorySize    *int    `json:"history_size,omitempty"`
	WriteQueueSize *int    `json:"write_queue_size,omitempty"`

	Limits *LimitsConfig `json:"limits,omitempty"`
	Device *DeviceConfig `json:"device,omitempty"`

	// InitialRegisters are applied in order before the first cycle.
	InitialRegisters []registers.Write `json:"initial_registers,omitempty"`
}

// LimitsConfig overrides the performance monitor warning limits.
type LimitsConfig struct {
	HighLatencyNs        *uint64 `json:"high_latency_ns,omitempty"`
	HighTriggerRatePPM   *uint32 `json:"high_trigger_rate_ppm,omitempty"`
	LowTriggerRatePPM    *uint32 `json:"low_trigger_rate_ppm,omitempty"`
	LowTriggerMinSamples *uint64 `json:"low_trigger_min_samples,omitempty"`
	ADCTimeoutCycles     *uint32 `json:"adc_timeout_cycles,omitempty"`
}

// DeviceConfig overrides the simulated ADC.
type DeviceConfig struct {
	LatencyCycles *int     `json:"latency_cycles,omitempty"`
	ReadyMask     *uint16  `json:"ready_mask,omitempty"`
	ReadyProb     *float64 `json:"ready_prob,omitempty"`
	Baseline      *float64 `json:"baseline,omitempty"`
	Amplitude     *float64 `json:"amplitude,omitempty"`
	PeriodCycles  *float64 `json:"period_cycles,omitempty"`
	NoiseSigma    *float64 `json:"noise_sigma,omitempty"`
	SpikeProb     *float64 `json:"spike_prob,omitempty"`
	SpikeHeight   *float64 `json:"spike_height,omitempty"`
	StallProb     *float64 `json:"stall_prob,omitempty"`
	StallCycles   *int     `json:"stall_cycles,omitempty"`
	Seed          *uint64  `json:"seed,omitempty"`
}

// EmptyPipelineConfig returns a config with every field unset.
func EmptyPipelineConfig() *PipelineConfig {
	return &PipelineConfig{}
}

// LoadPipelineConfig loads a PipelineConfig from a JSON file. The file must
// have a .json extension and be under 1MB. Fields omitted from the file
// keep their defaults.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	return LoadPipelineConfigFrom(fsutil.OSFileSystem{}, path)
}

// LoadPipelineConfigFrom is LoadPipelineConfig reading from fsys.
func LoadPipelineConfigFrom(fsys fsutil.FileSystem, path string) (*PipelineConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyPipelineConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories so tests can call it from any package. Panics when the file
// cannot be found.
func MustLoadDefaultConfig() *PipelineConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadPipelineConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks the values that are set.
func (c *PipelineConfig) Validate() error {
	if c.ClockHz != nil && *c.ClockHz == 0 {
		return fmt.Errorf("clock_hz must be positive")
	}
	if c.TickInterval != nil && *c.TickInterval != "" {
		d, err := time.ParseDuration(*c.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid tick_interval '%s': %w", *c.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("tick_interval must be positive, got %s", d)
		}
	}
	if c.CyclesPerTick != nil && *c.CyclesPerTick <= 0 {
		return fmt.Errorf("cycles_per_tick must be positive, got %d", *c.CyclesPerTick)
	}
	if c.SnapshotEvery != nil && *c.SnapshotEvery < 0 {
		return fmt.Errorf("snapshot_every must be non-negative, got %d", *c.SnapshotEvery)
	}
	if c.HistorySize != nil && *c.HistorySize <= 0 {
		return fmt.Errorf("history_size must be positive, got %d", *c.HistorySize)
	}
	if c.WriteQueueSize != nil && *c.WriteQueueSize <= 0 {
		return fmt.Errorf("write_queue_size must be positive, got %d", *c.WriteQueueSize)
	}
	if d := c.Device; d != nil {
		for name, p := range map[string]*float64{
			"ready_prob": d.ReadyProb,
			"spike_prob": d.SpikeProb,
			"stall_prob": d.StallProb,
		} {
			if p != nil && (*p < 0 || *p > 1) {
				return fmt.Errorf("device.%s must be between 0 and 1, got %f", name, *p)
			}
		}
		if d.LatencyCycles != nil && *d.LatencyCycles < 1 {
			return fmt.Errorf("device.latency_cycles must be at least 1, got %d", *d.LatencyCycles)
		}
		if d.NoiseSigma != nil && *d.NoiseSigma < 0 {
			return fmt.Errorf("device.noise_sigma must be non-negative, got %f", *d.NoiseSigma)
		}
	}
	for i, w := range c.InitialRegisters {
		if err := registers.Check(w.Index, w.Value); err != nil {
			return fmt.Errorf("initial_registers[%d]: %w", i, err)
		}
	}
	return nil
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// GetClockHz returns clock_hz or 100 kHz.
func (c *PipelineConfig) GetClockHz() uint64 {
	return valueOr(c.ClockHz, 100_000)
}

// GetTickInterval parses tick_interval, defaulting to 10ms.
func (c *PipelineConfig) GetTickInterval() time.Duration {
	if c.TickInterval == nil || *c.TickInterval == "" {
		return 10 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.TickInterval)
	if err != nil || d <= 0 {
		return 10 * time.Millisecond
	}
	return d
}

// GetCyclesPerTick returns cycles_per_tick or 1000, which with the default
// tick interval and clock runs the pipeline in real time.
func (c *PipelineConfig) GetCyclesPerTick() int {
	return valueOr(c.CyclesPerTick, 1000)
}

// GetDrainEvery returns drain_every or 4.
func (c *PipelineConfig) GetDrainEvery() uint32 {
	return valueOr(c.DrainEvery, 4)
}

// GetSnapshotEvery returns snapshot_every or 100 (once a second at the
// default tick interval).
func (c *PipelineConfig) GetSnapshotEvery() int {
	return valueOr(c.SnapshotEvery, 100)
}

func (c *PipelineConfig) GetHistorySize() int {
	return valueOr(c.HistorySize, 600)
}

func (c *PipelineConfig) GetWriteQueueSize() int {
	return valueOr(c.WriteQueueSize, 256)
}

// GetLimits merges the configured limits over perfmon.DefaultLimits.
func (c *PipelineConfig) GetLimits() perfmon.Limits {
	l := perfmon.DefaultLimits()
	if c.Limits == nil {
		return l
	}
	o := c.Limits
	l.HighLatencyNs = valueOr(o.HighLatencyNs, l.HighLatencyNs)
	l.HighTriggerRatePPM = valueOr(o.HighTriggerRatePPM, l.HighTriggerRatePPM)
	l.LowTriggerRatePPM = valueOr(o.LowTriggerRatePPM, l.LowTriggerRatePPM)
	l.LowTriggerMinSamples = valueOr(o.LowTriggerMinSamples, l.LowTriggerMinSamples)
	l.ADCTimeoutCycles = valueOr(o.ADCTimeoutCycles, l.ADCTimeoutCycles)
	return l
}

// GetDevice merges the configured device settings over device.DefaultConfig.
func (c *PipelineConfig) GetDevice() device.Config {
	d := device.DefaultConfig()
	if c.Device == nil {
		return d
	}
	o := c.Device
	d.LatencyCycles = valueOr(o.LatencyCycles, d.LatencyCycles)
	d.ReadyMask = valueOr(o.ReadyMask, d.ReadyMask)
	d.ReadyProb = valueOr(o.ReadyProb, d.ReadyProb)
	d.Baseline = valueOr(o.Baseline, d.Baseline)
	d.Amplitude = valueOr(o.Amplitude, d.Amplitude)
	d.PeriodCycles = valueOr(o.PeriodCycles, d.PeriodCycles)
	d.NoiseSigma = valueOr(o.NoiseSigma, d.NoiseSigma)
	d.SpikeProb = valueOr(o.SpikeProb, d.SpikeProb)
	d.SpikeHeight = valueOr(o.SpikeHeight, d.SpikeHeight)
	d.StallProb = valueOr(o.StallProb, d.StallProb)
	d.StallCycles = valueOr(o.StallCycles, d.StallCycles)
	d.Seed = valueOr(o.Seed, d.Seed)
	return d
}

// GetInitialRegisters returns the register writes applied at startup. With
// none configured the system comes up enabled on every channel.
func (c *PipelineConfig) GetInitialRegisters() []registers.Write {
	if len(c.InitialRegisters) == 0 {
		return []registers.Write{
			{Index: registers.EnableMask, Value: 0xFFFF},
			{Index: registers.SystemEnable, Value: 1},
		}
	}
	return append([]registers.Write(nil), c.InitialRegisters...)
}
