// Package trigger detects anomalous samples from their amplitude and their
// rate of change, filtering bursts through a short per-channel history.
package trigger

import (
	"math/bits"

	"github.com/banshee-data/daq.pipeline/internal/channel"
)

// Metadata bit layout.
const (
	MetaThreshold  uint16 = 1 << 15
	MetaDerivative uint16 = 1 << 14
	MetaOverflow   uint16 = 1 << 13
	MetaFilter     uint16 = 1 << 12

	metaChannelShift = 8
	metaChannelMask  = 0xF
	metaConfidence   = 0xFF
)

// factorShift keeps the top 7 bits of a 12-bit magnitude.
const factorShift = channel.SampleBits - 7

// Params are the detector settings, written by the host.
type Params struct {
	ThresholdLow         uint16 `json:"threshold_low"`
	ThresholdHigh        uint16 `json:"threshold_high"`
	EnableMask           uint16 `json:"enable_mask"`
	DerivativeEnableMask uint16 `json:"derivative_enable_mask"`
	MaxTriggersPerWindow uint8  `json:"max_triggers_per_window"`
	MinConfidence        uint8  `json:"min_confidence"`
	Enabled              bool   `json:"enabled"`
}

// Input is one sample presented to the detector. Overflow reports that the
// sample was dropped by the buffer in the same cycle.
type Input struct {
	Valid    bool
	Channel  int
	Value    uint16
	Overflow bool
}

// Result is the combinational evaluation of one sample.
type Result struct {
	Channel           int
	Derivative        int16
	AbsDerivative     uint16
	Saturated         bool
	ChannelEnabled    bool
	ThresholdTrigger  bool
	DerivativeTrigger bool
	Confidence        uint8
	History           uint8
	FilterPassed      bool
	Fired             bool
	Metadata          uint16
}

// Event is the registered detector output.
type Event struct {
	Channel    int    `json:"channel"`
	Confidence uint8  `json:"confidence"`
	Metadata   uint16 `json:"metadata"`
	Raised     bool   `json:"raised"`
	Valid      bool   `json:"valid"`
}

// Detector owns the previous-sample and history fields of the registry.
type Detector struct {
	state *channel.DetectorState
	out   Event
	fired uint64
	seen  uint64
}

// New creates a detector writing through state.
func New(state *channel.DetectorState) *Detector {
	return &Detector{state: state}
}

// Evaluate computes the decision for in without changing any state.
func (d *Detector) Evaluate(in Input, p Params) Result {
	ch := in.Channel & metaChannelMask
	value := in.Value & channel.SampleMax
	prev, sampled := d.state.Previous(ch)

	r := Result{Channel: ch}

	// One bit wider than the sample, so the difference never wraps.
	diff := int32(value) - int32(prev)
	r.Derivative = int16(diff)
	r.AbsDerivative, r.Saturated = saturate(abs32(diff), channel.SampleMax)

	bit := channel.Bit(ch)
	r.ChannelEnabled = p.Enabled && p.EnableMask&bit != 0 && sampled
	r.ThresholdTrigger = r.ChannelEnabled && value > p.ThresholdLow
	r.DerivativeTrigger = r.ChannelEnabled && p.DerivativeEnableMask&bit != 0 &&
		r.AbsDerivative > p.ThresholdHigh

	amplitude := uint32(value >> factorShift)
	slope := uint32(r.AbsDerivative >> factorShift)
	conf, _ := saturate(amplitude+slope, 0xFF)
	r.Confidence = uint8(conf)

	candidate := r.ThresholdTrigger || r.DerivativeTrigger
	r.History = (d.state.History(ch)<<1 | boolBit(candidate)) & channel.HistoryMask
	recent := bits.OnesCount8(r.History)
	r.FilterPassed = recent <= int(p.MaxTriggersPerWindow) && r.Confidence >= p.MinConfidence

	r.Fired = candidate && r.FilterPassed && r.ChannelEnabled
	r.Metadata = PackMetadata(r.ThresholdTrigger, r.DerivativeTrigger, in.Overflow, r.FilterPassed, ch, r.Confidence)
	return r
}

// Step latches the evaluation of in and returns the output registered on
// the previous call, giving the detector its one-cycle latency. An invalid
// input leaves the channel state untouched.
func (d *Detector) Step(in Input, p Params) Event {
	prev := d.out
	if !in.Valid {
		d.out = Event{}
		return prev
	}

	r := d.Evaluate(in, p)
	d.state.Commit(r.Channel, in.Value&channel.SampleMax, r.History)
	d.seen++
	if r.Fired {
		d.fired++
	}
	d.out = Event{
		Channel:    r.Channel,
		Confidence: r.Confidence,
		Metadata:   r.Metadata,
		Raised:     r.Fired,
		Valid:      r.Fired,
	}
	return prev
}

// Pending returns the output that the next Step will report.
func (d *Detector) Pending() Event { return d.out }

// Counts returns the number of processed samples and fired triggers.
func (d *Detector) Counts() (seen, fired uint64) { return d.seen, d.fired }

// Reset clears the output register and the channel history.
func (d *Detector) Reset() {
	d.out = Event{}
	d.seen, d.fired = 0, 0
	d.state.Reset()
}

// PackMetadata builds the 16-bit event metadata word.
func PackMetadata(threshold, derivative, overflow, filter bool, ch int, confidence uint8) uint16 {
	var m uint16
	if threshold {
		m |= MetaThreshold
	}
	if derivative {
		m |= MetaDerivative
	}
	if overflow {
		m |= MetaOverflow
	}
	if filter {
		m |= MetaFilter
	}
	m |= uint16(ch&metaChannelMask) << metaChannelShift
	m |= uint16(confidence)
	return m
}

// Metadata is the decoded form of a metadata word.
type Metadata struct {
	Threshold    bool  `json:"threshold"`
	Derivative   bool  `json:"derivative"`
	Overflow     bool  `json:"overflow"`
	FilterPassed bool  `json:"filter_passed"`
	Channel      int   `json:"channel"`
	Confidence   uint8 `json:"confidence"`
}

// UnpackMetadata decodes a metadata word.
func UnpackMetadata(m uint16) Metadata {
	return Metadata{
		Threshold:    m&MetaThreshold != 0,
		Derivative:   m&MetaDerivative != 0,
		Overflow:     m&MetaOverflow != 0,
		FilterPassed: m&MetaFilter != 0,
		Channel:      int(m>>metaChannelShift) & metaChannelMask,
		Confidence:   uint8(m & metaConfidence),
	}
}

func saturate(v uint32, limit uint32) (uint16, bool) {
	if v > limit {
		return uint16(limit), true
	}
	return uint16(v), false
}

func abs32(v int32) uint32 {
	if v < 0 {
		return uint32(-v)
	}
	return uint32(v)
}

func boolBit(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
