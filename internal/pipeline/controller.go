// Package pipeline sequences the arbiter, buffer, trigger detector and
// performance monitor through one acquisition per cycle.
package pipeline

import (
	"github.com/banshee-data/daq.pipeline/internal/arbiter"
	"github.com/banshee-data/daq.pipeline/internal/buffer"
	"github.com/banshee-data/daq.pipeline/internal/channel"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/registers"
	"github.com/banshee-data/daq.pipeline/internal/trigger"
)

// DeviceStatus is what the sampling device reports at the start of a cycle.
// Value is only meaningful on the cycle Done pulses.
type DeviceStatus struct {
	Busy  bool
	Done  bool
	Value uint16
}

// Device is the sampling device. Clock advances it by one cycle; start is
// asserted for exactly one cycle per conversion.
type Device interface {
	Status() DeviceStatus
	Clock(start bool, ch int)
}

// Sample is one completed conversion.
type Sample struct {
	Channel   int    `json:"channel"`
	Value     uint16 `json:"value"`
	Timestamp uint32 `json:"timestamp"`
}

// CycleInput is the external input sampled during one cycle.
type CycleInput struct {
	// Ready has one bit per channel with data available.
	Ready uint16
	// Pop requests one entry for the consumer.
	Pop bool
}

// CycleOutput describes what happened during one cycle.
type CycleOutput struct {
	Cycle    uint32           `json:"cycle"`
	Decision arbiter.Decision `json:"decision"`
	Started  bool             `json:"started"`
	Sample   Sample           `json:"sample"`
	Admitted bool             `json:"admitted"`
	Rejected bool             `json:"rejected"`
	Popped   bool             `json:"popped"`
	Entry    buffer.Entry     `json:"entry"`
	// Captured is the cycle the popped entry was admitted in.
	Captured uint32        `json:"captured"`
	Trigger  trigger.Event `json:"trigger"`
	Buffer   buffer.Status `json:"buffer"`
	Warnings uint8         `json:"warnings"`
}

// Options configure a Controller.
type Options struct {
	ClockHz uint64
	Limits  perfmon.Limits
}

// Controller owns every pipeline component and advances them together. It
// is not safe for concurrent use; see Runner.
type Controller struct {
	reg  *channel.Registry
	regs *registers.File
	arb  *arbiter.Arbiter
	buf  *buffer.Buffer
	det  *trigger.Detector
	mon  *perfmon.Monitor
	dev  Device

	clockHz uint64
	cycle   uint32

	waiting bool
	waitCh  int

	// captures mirrors the FIFO with the admission cycle of each entry; a
	// packed entry has no room for it.
	captures captureRing
}

type captureRing struct {
	cycles [buffer.Capacity]uint32
	head   int
	count  int
}

func (r *captureRing) push(cycle uint32) {
	r.cycles[(r.head+r.count)%buffer.Capacity] = cycle
	r.count++
}

func (r *captureRing) pop() uint32 {
	cycle := r.cycles[r.head]
	r.head = (r.head + 1) % buffer.Capacity
	r.count--
	return cycle
}

// NewController wires a pipeline around dev.
func NewController(dev Device, opts Options) *Controller {
	reg := channel.NewRegistry()
	return &Controller{
		reg:     reg,
		regs:    registers.New(reg),
		arb:     arbiter.New(reg),
		buf:     buffer.New(),
		det:     trigger.New(reg.Detector()),
		mon:     perfmon.New(reg.Monitor(), opts.ClockHz, opts.Limits),
		dev:     dev,
		clockHz: opts.ClockHz,
	}
}

// Step advances the pipeline by one cycle.
func (c *Controller) Step(in CycleInput) CycleOutput {
	out := CycleOutput{Cycle: c.cycle}
	st := c.dev.Status()
	tp := c.regs.Trigger()

	// A completed conversion is pushed in the same cycle as the consumer pop.
	var detIn trigger.Input
	if st.Done && c.waiting {
		out.Sample = Sample{Channel: c.waitCh, Value: st.Value & channel.SampleMax, Timestamp: c.cycle}
		out.Admitted = true
		c.waiting = false
		c.mon.ConversionDone(c.waitCh)
	}

	res := c.buf.Step(out.Admitted, buffer.Pack(out.Sample.Channel, out.Sample.Value), in.Pop)
	out.Rejected = res.Rejected
	out.Popped = res.Popped
	out.Entry = res.Entry
	if res.Popped {
		out.Captured = c.captures.pop()
	}
	if res.Pushed {
		c.captures.push(c.cycle)
	}

	if out.Admitted {
		detIn = trigger.Input{
			Valid:    true,
			Channel:  out.Sample.Channel,
			Value:    out.Sample.Value,
			Overflow: res.Rejected,
		}
	}
	out.Trigger = c.det.Step(detIn, tp)

	busy := st.Busy || c.waiting
	if c.regs.SystemEnabled() {
		out.Decision = c.arb.Decide(arbiter.Mode(c.regs.Mode()), in.Ready, busy)
	}
	if out.Decision.Valid {
		c.arb.Accept()
		c.waiting = true
		c.waitCh = out.Decision.Channel
		out.Started = true
	}
	c.dev.Clock(out.Started, out.Decision.Channel)

	c.mon.Update(perfmon.Events{
		Cycle:             c.cycle,
		SampleAccepted:    out.Admitted,
		SampleChannel:     out.Sample.Channel,
		Pushed:            res.Pushed,
		PushChannel:       out.Sample.Channel,
		PushRejected:      res.Rejected,
		Popped:            res.Popped,
		PopChannel:        res.Entry.Channel(),
		Triggered:         out.Trigger.Valid,
		ConversionStarted: out.Started,
		StartChannel:      out.Decision.Channel,
		Count:             c.buf.Count(),
		ThroughputFloor:   c.regs.ThroughputFloorSPS(),
	})

	out.Buffer = c.buf.Status()
	out.Warnings = c.mon.Snapshot().WarningFlags
	c.cycle++
	return out
}

// WriteRegister applies a host register write between cycles.
func (c *Controller) WriteRegister(index int, value uint32) bool {
	return c.regs.Apply(index, value)
}

// ReadRegister returns the current value of a register.
func (c *Controller) ReadRegister(index int) (uint32, bool) {
	return c.regs.Read(index)
}

// Cycle returns the number of cycles executed since the last reset.
func (c *Controller) Cycle() uint32 { return c.cycle }

// Waiting reports whether a conversion is outstanding.
func (c *Controller) Waiting() bool { return c.waiting }

// Metrics returns the monitor snapshot.
func (c *Controller) Metrics() perfmon.Snapshot { return c.mon.Snapshot() }

// ChannelLatency returns the per-channel latency figures from the monitor.
func (c *Controller) ChannelLatency(ch int) (avg, peak uint64) {
	return c.mon.ChannelLatency(ch)
}

// Status is a consistent copy of the observable pipeline state.
type Status struct {
	Cycle        uint32                               `json:"cycle"`
	ClockHz      uint64                               `json:"clock_hz"`
	Enabled      bool                                 `json:"enabled"`
	Mode         string                               `json:"mode"`
	Waiting      bool                                 `json:"waiting"`
	Buffer       buffer.Status                        `json:"buffer"`
	Metrics      perfmon.Snapshot                     `json:"metrics"`
	Warnings     []string                             `json:"warnings"`
	Channels     [channel.NumChannels]channel.Channel `json:"channels"`
	Pointer      int                                  `json:"rr_pointer"`
	Accumulators [channel.NumChannels]uint8           `json:"accumulators"`
	Trigger      trigger.Params                       `json:"trigger"`
	Registers    []registers.Write                    `json:"registers"`
	Pending      trigger.Event                        `json:"pending_trigger"`
}

// Snapshot returns the observable state without side effects.
func (c *Controller) Snapshot() Status {
	m := c.mon.Snapshot()
	return Status{
		Cycle:        c.cycle,
		ClockHz:      c.clockHz,
		Enabled:      c.regs.SystemEnabled(),
		Mode:         arbiter.Mode(c.regs.Mode()).String(),
		Waiting:      c.waiting,
		Buffer:       c.buf.Status(),
		Metrics:      m,
		Warnings:     m.Warnings(),
		Channels:     c.reg.Snapshot(),
		Pointer:      c.arb.Pointer(),
		Accumulators: c.arb.Accumulators(),
		Trigger:      c.regs.Trigger(),
		Registers:    c.regs.Dump(),
		Pending:      c.det.Pending(),
	}
}

// Reset returns every component to its initial state. Register values
// survive a reset.
func (c *Controller) Reset() {
	c.arb.Reset()
	c.buf.Reset()
	c.det.Reset()
	c.mon.Reset()
	c.cycle = 0
	c.waiting = false
	c.waitCh = 0
	c.captures = captureRing{}
}
