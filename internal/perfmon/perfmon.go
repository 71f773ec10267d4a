// Package perfmon derives throughput, latency, buffer utilisation, trigger
// rate and warning flags from per-cycle pipeline events.
package perfmon

import (
	"math/bits"

	"github.com/banshee-data/daq.pipeline/internal/buffer"
	"github.com/banshee-data/daq.pipeline/internal/channel"
)

// Warning flag bits.
const (
	WarnLowThroughput uint8 = 1 << iota
	WarnHighLatency
	WarnFIFOHigh
	WarnFIFOOverflow
	WarnHighTriggerRate
	WarnLowTriggerRate
	WarnADCTimeout
	WarnOverload
)

// primaryMask covers the seven conditions that feed the overload flag.
const primaryMask = WarnOverload - 1

const (
	// RampUpCycles is how long the instantaneous throughput estimate waits
	// before reporting.
	RampUpCycles = 10_000

	// utilCeiling caps the number of utilisation samples in the running sum.
	utilCeiling = 0xFFFF

	// fifoHighPct is the utilisation above which WarnFIFOHigh asserts.
	fifoHighPct = 80

	ppmMax = 0xFFFF
)

// WarningNames maps each flag bit to a short name, lowest bit first.
var WarningNames = [8]string{
	"low_throughput",
	"high_latency",
	"fifo_high",
	"fifo_overflow",
	"high_trigger_rate",
	"low_trigger_rate",
	"adc_timeout",
	"overload",
}

// Limits are the fixed warning thresholds.
type Limits struct {
	HighLatencyNs        uint64 `json:"high_latency_ns"`
	HighTriggerRatePPM   uint32 `json:"high_trigger_rate_ppm"`
	LowTriggerRatePPM    uint32 `json:"low_trigger_rate_ppm"`
	LowTriggerMinSamples uint64 `json:"low_trigger_min_samples"`
	ADCTimeoutCycles     uint32 `json:"adc_timeout_cycles"`
}

// DefaultLimits returns the thresholds used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		HighLatencyNs:        1_000_000,
		HighTriggerRatePPM:   50_000,
		LowTriggerRatePPM:    10,
		LowTriggerMinSamples: 100_000,
		ADCTimeoutCycles:     1_000,
	}
}

// Events are the things that happened in one cycle.
type Events struct {
	Cycle uint32

	SampleAccepted bool
	SampleChannel  int

	Pushed       bool
	PushChannel  int
	PushRejected bool

	Popped     bool
	PopChannel int

	Triggered bool

	ConversionStarted bool
	StartChannel      int

	// Count is the buffer occupancy at the end of the cycle.
	Count int

	// ThroughputFloor is the current low-throughput floor in samples/s.
	ThroughputFloor uint32
}

// Snapshot is the observable state of the monitor.
type Snapshot struct {
	Cycle              uint32 `json:"cycle"`
	ThroughputSPS      uint64 `json:"throughput_sps"`
	AvgLatencyNs       uint64 `json:"avg_latency_ns"`
	MaxLatencyNs       uint64 `json:"max_latency_ns"`
	FIFOUtilizationPct uint8  `json:"fifo_utilization_pct"`
	InstantFIFOPct     uint8  `json:"instant_fifo_pct"`
	TriggerRatePPM     uint16 `json:"trigger_rate_ppm"`
	WarningFlags       uint8  `json:"warning_flags"`
	SamplesTotal       uint64 `json:"samples_total"`
	TriggersTotal      uint64 `json:"triggers_total"`
	LatencyCompletions uint64 `json:"latency_completions"`
	OverflowAttempts   uint64 `json:"overflow_attempts"`
	ADCTimeouts        uint64 `json:"adc_timeouts"`
}

// Warnings returns the names of the asserted flags.
func (s Snapshot) Warnings() []string {
	var out []string
	for i, name := range WarningNames {
		if s.WarningFlags&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

type latencyStats struct {
	sum   uint64
	count uint64
	max   uint64
}

// Monitor accumulates running statistics. It is the only writer of the
// pending and conversion markers in the channel registry.
type Monitor struct {
	state   *channel.MonitorState
	clockHz uint64
	limits  Limits

	cycle       uint32
	totalCycles uint64

	windowCycles  uint64
	windowSamples uint64
	lastWindow    uint64
	windowClosed  bool

	samples  uint64
	triggers uint64

	latency [channel.NumChannels]latencyStats

	utilSum     uint64
	utilSamples uint32
	instantPct  uint8

	overflows   uint64
	adcTimeouts uint64

	flags uint8
}

// New creates a monitor for a pipeline clocked at clockHz.
func New(state *channel.MonitorState, clockHz uint64, limits Limits) *Monitor {
	if clockHz == 0 {
		clockHz = 1
	}
	return &Monitor{state: state, clockHz: clockHz, limits: limits}
}

// Update folds one cycle of events into the running statistics and
// recomputes the warning flags.
func (m *Monitor) Update(ev Events) {
	now := ev.Cycle
	m.cycle = now
	m.totalCycles++

	if ev.SampleAccepted {
		m.samples++
		m.windowSamples++
	}
	if ev.Triggered {
		m.triggers++
	}

	m.windowCycles++
	if m.windowCycles >= m.clockHz {
		m.lastWindow = m.windowSamples
		m.windowClosed = true
		m.windowCycles = 0
		m.windowSamples = 0
	}

	// The pop completes the entry already pending; a same-cycle push on the
	// same channel starts a new one.
	if ev.Popped {
		if since, ok := m.state.TakePending(ev.PopChannel); ok {
			m.recordLatency(ev.PopChannel, now-since)
		}
	}
	if ev.Pushed {
		m.state.MarkPending(ev.PushChannel, now)
	}

	m.instantPct = uint8(min(ev.Count*100/buffer.Capacity, 100))
	if m.utilSamples < utilCeiling {
		m.utilSum += uint64(m.instantPct)
		m.utilSamples++
	}

	var primary uint8
	if ev.PushRejected {
		m.overflows++
		primary |= WarnFIFOOverflow
	}
	if m.checkTimeouts(now) {
		m.adcTimeouts++
		primary |= WarnADCTimeout
	}
	if ev.ConversionStarted {
		m.state.StartConversion(ev.StartChannel, now)
	}

	tp := m.throughput()
	if tp > 0 && tp < uint64(ev.ThroughputFloor) {
		primary |= WarnLowThroughput
	}
	if m.avgLatency() > m.limits.HighLatencyNs {
		primary |= WarnHighLatency
	}
	if ev.Count*100 > buffer.Capacity*fifoHighPct {
		primary |= WarnFIFOHigh
	}
	rate := m.triggerRate()
	switch {
	case uint32(rate) > m.limits.HighTriggerRatePPM:
		primary |= WarnHighTriggerRate
	case m.samples >= m.limits.LowTriggerMinSamples && uint32(rate) < m.limits.LowTriggerRatePPM:
		primary |= WarnLowTriggerRate
	}

	m.flags = AggregateWarnings(primary)
}

// ConversionDone clears the outstanding conversion marker of ch. It is
// called when the device signals completion.
func (m *Monitor) ConversionDone(ch int) {
	m.state.FinishConversion(ch)
}

// Snapshot returns the current metrics without changing any state.
func (m *Monitor) Snapshot() Snapshot {
	var maxLat, completions uint64
	for _, l := range m.latency {
		maxLat = max(maxLat, l.max)
		completions += l.count
	}
	return Snapshot{
		Cycle:              m.cycle,
		ThroughputSPS:      m.throughput(),
		AvgLatencyNs:       m.avgLatency(),
		MaxLatencyNs:       maxLat,
		FIFOUtilizationPct: m.utilisation(),
		InstantFIFOPct:     m.instantPct,
		TriggerRatePPM:     m.triggerRate(),
		WarningFlags:       m.flags,
		SamplesTotal:       m.samples,
		TriggersTotal:      m.triggers,
		LatencyCompletions: completions,
		OverflowAttempts:   m.overflows,
		ADCTimeouts:        m.adcTimeouts,
	}
}

// ChannelLatency returns the average and maximum latency of ch in ns.
func (m *Monitor) ChannelLatency(ch int) (avg, peak uint64) {
	l := m.latency[ch]
	if l.count == 0 {
		return 0, l.max
	}
	return l.sum / l.count, l.max
}

// Reset clears every statistic and the channel markers.
func (m *Monitor) Reset() {
	*m = Monitor{state: m.state, clockHz: m.clockHz, limits: m.limits}
	m.state.Reset()
}

// AggregateWarnings sets the overload bit when three or more of the seven
// primary flags are asserted.
func AggregateWarnings(primary uint8) uint8 {
	primary &= primaryMask
	if bits.OnesCount8(primary) >= 3 {
		primary |= WarnOverload
	}
	return primary
}

func (m *Monitor) recordLatency(ch int, cycles uint32) {
	ns := uint64(cycles) * 1_000_000_000 / m.clockHz
	l := &m.latency[ch]
	l.sum += ns
	l.count++
	l.max = max(l.max, ns)
}

// checkTimeouts clears every conversion marker older than the budget and
// reports whether any was found.
func (m *Monitor) checkTimeouts(now uint32) bool {
	if m.limits.ADCTimeoutCycles == 0 {
		return false
	}
	expired := false
	for ch := 0; ch < channel.NumChannels; ch++ {
		start, ok := m.state.Conversion(ch)
		if !ok {
			continue
		}
		if now-start > m.limits.ADCTimeoutCycles {
			m.state.FinishConversion(ch)
			expired = true
		}
	}
	return expired
}

func (m *Monitor) throughput() uint64 {
	if m.windowClosed {
		return m.lastWindow
	}
	if m.totalCycles < RampUpCycles {
		return 0
	}
	return m.samples * m.clockHz / m.totalCycles
}

func (m *Monitor) avgLatency() uint64 {
	var sum, count uint64
	for _, l := range m.latency {
		sum += l.sum
		count += l.count
	}
	if count == 0 {
		return 0
	}
	return sum / count
}

func (m *Monitor) utilisation() uint8 {
	if m.utilSamples == 0 {
		return 0
	}
	return uint8(min(m.utilSum/uint64(m.utilSamples), 100))
}

func (m *Monitor) triggerRate() uint16 {
	if m.samples == 0 {
		return 0
	}
	return uint16(min(m.triggers*1_000_000/m.samples, ppmMax))
}
