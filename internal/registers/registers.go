// Package registers implements the host configuration interface: a small file
// of indexed 32-bit registers whose writes are applied atomically to the
// channel registry and the stage parameters.
package registers

import (
	"errors"
	"fmt"

	"github.com/banshee-data/daq.pipeline/internal/channel"
	"github.com/banshee-data/daq.pipeline/internal/trigger"
)

// Register indices.
const (
	SystemEnable = 0
	EnableMask   = 1
	ArbiterMode  = 2
	UrgentMask   = 3

	PriorityBase = 4
	WeightBase   = PriorityBase + channel.NumChannels

	TriggerBase          = WeightBase + channel.NumChannels
	ThresholdLow         = TriggerBase + 0
	ThresholdHigh        = TriggerBase + 1
	TriggerEnableMask    = TriggerBase + 2
	DerivativeEnableMask = TriggerBase + 3
	MaxTriggersPerWindow = TriggerBase + 4
	MinConfidence        = TriggerBase + 5
	ThroughputFloor      = TriggerBase + 6
	DetectorEnable       = TriggerBase + 7

	// Count is the number of addressable registers.
	Count = TriggerBase + 8
)

// maxMode is the largest valid arbiter mode.
const maxMode = 3

var (
	// ErrUnknownRegister is returned by Check for an index outside the file.
	ErrUnknownRegister = errors.New("unknown register")
	// ErrInvalidMode is returned by Check for an arbiter mode above 3.
	ErrInvalidMode = errors.New("invalid arbiter mode")
)

// Check reports whether Apply would accept the write. Values that Apply
// clamps are accepted.
func Check(index int, value uint32) error {
	if index < 0 || index >= Count {
		return fmt.Errorf("%w: %d", ErrUnknownRegister, index)
	}
	if index == ArbiterMode && value > maxMode {
		return fmt.Errorf("%w: %d", ErrInvalidMode, value)
	}
	return nil
}

// Write is one host register write.
type Write struct {
	Index int    `json:"index"`
	Value uint32 `json:"value"`
}

func (w Write) String() string {
	return fmt.Sprintf("%s=0x%X", Name(w.Index), w.Value)
}

// File is the register file. It owns the static channel configuration.
type File struct {
	reg *channel.Registry

	systemEnable    bool
	mode            uint8
	trigger         trigger.Params
	throughputFloor uint32
}

// New creates a register file bound to reg with every register at reset.
func New(reg *channel.Registry) *File {
	return &File{
		reg: reg,
		trigger: trigger.Params{
			MaxTriggersPerWindow: 4,
			Enabled:              true,
		},
	}
}

// Apply writes value to register index and reports whether the write was
// accepted. Unknown indices and invalid arbiter modes are ignored; other
// out-of-range values are clamped to the register width.
func (f *File) Apply(index int, value uint32) bool {
	switch {
	case index == SystemEnable:
		f.systemEnable = value&1 != 0
	case index == EnableMask:
		f.reg.SetEnableMask(uint16(value))
	case index == ArbiterMode:
		if value > maxMode {
			return false
		}
		f.mode = uint8(value)
	case index == UrgentMask:
		f.reg.SetUrgentMask(uint16(value))
	case index >= PriorityBase && index < WeightBase:
		f.reg.SetPriority(index-PriorityBase, value)
	case index >= WeightBase && index < TriggerBase:
		f.reg.SetWeight(index-WeightBase, value)
	case index == ThresholdLow:
		f.trigger.ThresholdLow = clampSample(value)
	case index == ThresholdHigh:
		f.trigger.ThresholdHigh = clampSample(value)
	case index == TriggerEnableMask:
		f.trigger.EnableMask = uint16(value)
	case index == DerivativeEnableMask:
		f.trigger.DerivativeEnableMask = uint16(value)
	case index == MaxTriggersPerWindow:
		if value > 4 {
			value = 4
		}
		f.trigger.MaxTriggersPerWindow = uint8(value)
	case index == MinConfidence:
		if value > 0xFF {
			value = 0xFF
		}
		f.trigger.MinConfidence = uint8(value)
	case index == ThroughputFloor:
		f.throughputFloor = value
	case index == DetectorEnable:
		f.trigger.Enabled = value&1 != 0
	default:
		return false
	}
	return true
}

// Read returns the current value of register index.
func (f *File) Read(index int) (uint32, bool) {
	switch {
	case index == SystemEnable:
		return boolBit(f.systemEnable), true
	case index == EnableMask:
		return uint32(f.reg.EnableMask()), true
	case index == ArbiterMode:
		return uint32(f.mode), true
	case index == UrgentMask:
		return uint32(f.reg.UrgentMask()), true
	case index >= PriorityBase && index < WeightBase:
		return uint32(f.reg.Config(index - PriorityBase).Priority), true
	case index >= WeightBase && index < TriggerBase:
		return uint32(f.reg.Config(index - WeightBase).Weight), true
	case index == ThresholdLow:
		return uint32(f.trigger.ThresholdLow), true
	case index == ThresholdHigh:
		return uint32(f.trigger.ThresholdHigh), true
	case index == TriggerEnableMask:
		return uint32(f.trigger.EnableMask), true
	case index == DerivativeEnableMask:
		return uint32(f.trigger.DerivativeEnableMask), true
	case index == MaxTriggersPerWindow:
		return uint32(f.trigger.MaxTriggersPerWindow), true
	case index == MinConfidence:
		return uint32(f.trigger.MinConfidence), true
	case index == ThroughputFloor:
		return f.throughputFloor, true
	case index == DetectorEnable:
		return boolBit(f.trigger.Enabled), true
	}
	return 0, false
}

// Dump returns every register value in index order.
func (f *File) Dump() []Write {
	out := make([]Write, 0, Count)
	for i := 0; i < Count; i++ {
		v, _ := f.Read(i)
		out = append(out, Write{Index: i, Value: v})
	}
	return out
}

// SystemEnabled reports the system enable bit.
func (f *File) SystemEnabled() bool { return f.systemEnable }

// Mode returns the configured arbiter mode (0..3).
func (f *File) Mode() uint8 { return f.mode }

// Trigger returns the trigger detector parameters.
func (f *File) Trigger() trigger.Params { return f.trigger }

// ThroughputFloorSPS returns the low-throughput warning floor.
func (f *File) ThroughputFloorSPS() uint32 { return f.throughputFloor }

// Name returns a human-readable register name for logs and the debug console.
func Name(index int) string {
	switch {
	case index == SystemEnable:
		return "system_enable"
	case index == EnableMask:
		return "enable_mask"
	case index == ArbiterMode:
		return "arbiter_mode"
	case index == UrgentMask:
		return "urgent_mask"
	case index >= PriorityBase && index < WeightBase:
		return fmt.Sprintf("priority[%d]", index-PriorityBase)
	case index >= WeightBase && index < TriggerBase:
		return fmt.Sprintf("weight[%d]", index-WeightBase)
	case index == ThresholdLow:
		return "threshold_low"
	case index == ThresholdHigh:
		return "threshold_high"
	case index == TriggerEnableMask:
		return "trigger_enable_mask"
	case index == DerivativeEnableMask:
		return "derivative_enable_mask"
	case index == MaxTriggersPerWindow:
		return "max_triggers_per_window"
	case index == MinConfidence:
		return "min_confidence"
	case index == ThroughputFloor:
		return "throughput_floor"
	case index == DetectorEnable:
		return "detector_enable"
	}
	return fmt.Sprintf("reg[%d]", index)
}

func clampSample(v uint32) uint16 {
	if v > channel.SampleMax {
		return channel.SampleMax
	}
	return uint16(v)
}

func boolBit(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
