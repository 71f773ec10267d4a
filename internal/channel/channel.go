// Package channel holds the per-channel configuration and dynamic state shared
// by the acquisition pipeline stages.
//
// The registry is plain data. Each dynamic field has exactly one writer: the
// trigger detector owns the sample history through DetectorState, the
// performance monitor owns latency and conversion bookkeeping through
// MonitorState, and the register file owns the static configuration. Other
// components only receive a View.
package channel

// NumChannels is the fixed number of sampling channels.
const NumChannels = 16

// SampleBits is the width of a converted sample.
const SampleBits = 12

// SampleMax is the largest representable sample value.
const SampleMax = 1<<SampleBits - 1

// PriorityMax is the largest 4-bit priority.
const PriorityMax = 15

// HistoryMask keeps the 4-bit trigger history register.
const HistoryMask = 0x0F

// Config is the static, host-written configuration of a channel.
type Config struct {
	Enabled  bool  `json:"enabled"`
	Priority uint8 `json:"priority"`
	Weight   uint8 `json:"weight"`
	Urgent   bool  `json:"urgent"`
}

// Channel is one entry in the registry.
type Channel struct {
	ID int `json:"id"`
	Config

	PreviousSample uint16 `json:"previous_sample"`
	Sampled        bool   `json:"sampled"`
	TriggerHistory uint8  `json:"trigger_history"`

	PendingSince    uint32 `json:"pending_since"`
	Pending         bool   `json:"pending"`
	ConversionStart uint32 `json:"conversion_start"`
	Converting      bool   `json:"converting"`
}

// Valid reports whether ch is a channel index.
func Valid(ch int) bool {
	return ch >= 0 && ch < NumChannels
}

// Bit returns the mask bit for channel ch.
func Bit(ch int) uint16 {
	return 1 << uint(ch)
}

// View is the read-only access handed to components that do not own a field.
type View interface {
	Config(ch int) Config
	EnableMask() uint16
	UrgentMask() uint16
	Channel(ch int) Channel
}

// Registry is the array-of-structs backing all channel state.
type Registry struct {
	channels [NumChannels]Channel
}

// NewRegistry creates the fixed set of channels with every channel disabled.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.channels {
		r.channels[i].ID = i
	}
	return r
}

// Config returns the static configuration of channel ch.
func (r *Registry) Config(ch int) Config {
	if !Valid(ch) {
		return Config{}
	}
	return r.channels[ch].Config
}

// Channel returns a copy of channel ch.
func (r *Registry) Channel(ch int) Channel {
	if !Valid(ch) {
		return Channel{ID: ch}
	}
	return r.channels[ch]
}

// EnableMask packs the enable flags into a 16-bit mask.
func (r *Registry) EnableMask() uint16 {
	var m uint16
	for i := range r.channels {
		if r.channels[i].Enabled {
			m |= Bit(i)
		}
	}
	return m
}

// UrgentMask packs the urgent flags into a 16-bit mask.
func (r *Registry) UrgentMask() uint16 {
	var m uint16
	for i := range r.channels {
		if r.channels[i].Urgent {
			m |= Bit(i)
		}
	}
	return m
}

// Snapshot returns a copy of every channel.
func (r *Registry) Snapshot() [NumChannels]Channel {
	return r.channels
}

// SetEnableMask applies a channel enable mask.
func (r *Registry) SetEnableMask(mask uint16) {
	for i := range r.channels {
		r.channels[i].Enabled = mask&Bit(i) != 0
	}
}

// SetUrgentMask applies an urgent mask.
func (r *Registry) SetUrgentMask(mask uint16) {
	for i := range r.channels {
		r.channels[i].Urgent = mask&Bit(i) != 0
	}
}

// SetPriority sets the 4-bit priority of ch, clamping larger values.
func (r *Registry) SetPriority(ch int, p uint32) {
	if !Valid(ch) {
		return
	}
	if p > PriorityMax {
		p = PriorityMax
	}
	r.channels[ch].Priority = uint8(p)
}

// SetWeight sets the 8-bit arbitration weight of ch, clamping larger values.
func (r *Registry) SetWeight(ch int, w uint32) {
	if !Valid(ch) {
		return
	}
	if w > 0xFF {
		w = 0xFF
	}
	r.channels[ch].Weight = uint8(w)
}

// Detector returns the writer handle for the sample history fields.
func (r *Registry) Detector() *DetectorState {
	return &DetectorState{r: r}
}

// Monitor returns the writer handle for the latency and conversion fields.
func (r *Registry) Monitor() *MonitorState {
	return &MonitorState{r: r}
}

// DetectorState is the only writer of PreviousSample, Sampled and TriggerHistory.
type DetectorState struct {
	r *Registry
}

// Previous returns the last sample of ch and whether ch has been sampled.
func (d *DetectorState) Previous(ch int) (uint16, bool) {
	c := &d.r.channels[ch]
	return c.PreviousSample, c.Sampled
}

// History returns the 4-bit trigger history of ch.
func (d *DetectorState) History(ch int) uint8 {
	return d.r.channels[ch].TriggerHistory
}

// Commit stores the new sample and the shifted history for ch.
func (d *DetectorState) Commit(ch int, value uint16, history uint8) {
	c := &d.r.channels[ch]
	c.PreviousSample = value
	c.Sampled = true
	c.TriggerHistory = history & HistoryMask
}

// Reset clears the detector-owned fields of every channel.
func (d *DetectorState) Reset() {
	for i := range d.r.channels {
		c := &d.r.channels[i]
		c.PreviousSample = 0
		c.Sampled = false
		c.TriggerHistory = 0
	}
}

// MonitorState is the only writer of the pending and conversion markers.
type MonitorState struct {
	r *Registry
}

// MarkPending records ts as the oldest pending sample of ch unless one is
// already outstanding.
func (m *MonitorState) MarkPending(ch int, ts uint32) {
	c := &m.r.channels[ch]
	if c.Pending {
		return
	}
	c.PendingSince = ts
	c.Pending = true
}

// TakePending clears and returns the pending timestamp of ch.
func (m *MonitorState) TakePending(ch int) (uint32, bool) {
	c := &m.r.channels[ch]
	if !c.Pending {
		return 0, false
	}
	c.Pending = false
	return c.PendingSince, true
}

// StartConversion records an outstanding conversion on ch.
func (m *MonitorState) StartConversion(ch int, ts uint32) {
	c := &m.r.channels[ch]
	c.ConversionStart = ts
	c.Converting = true
}

// FinishConversion clears the outstanding conversion on ch.
func (m *MonitorState) FinishConversion(ch int) {
	m.r.channels[ch].Converting = false
}

// Conversion returns the start of the outstanding conversion on ch.
func (m *MonitorState) Conversion(ch int) (uint32, bool) {
	c := &m.r.channels[ch]
	return c.ConversionStart, c.Converting
}

// Reset clears the monitor-owned fields of every channel.
func (m *MonitorState) Reset() {
	for i := range m.r.channels {
		c := &m.r.channels[i]
		c.Pending = false
		c.PendingSince = 0
		c.Converting = false
		c.ConversionStart = 0
	}
}
