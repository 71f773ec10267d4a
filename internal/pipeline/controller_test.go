package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/daq.pipeline/internal/buffer"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/registers"
)

// fakeDevice completes every conversion after latency cycles with the value
// queued for its channel.
type fakeDevice struct {
	latency   int
	values    map[int][]uint16
	busy      bool
	done      bool
	value     uint16
	ch        int
	remaining int
	starts    []int
	hang      bool
}

func newFakeDevice(latency int) *fakeDevice {
	return &fakeDevice{latency: latency, values: map[int][]uint16{}}
}

func (d *fakeDevice) Status() DeviceStatus {
	return DeviceStatus{Busy: d.busy, Done: d.done, Value: d.value}
}

func (d *fakeDevice) Clock(start bool, ch int) {
	d.done = false
	if d.busy {
		if d.hang {
			return
		}
		d.remaining--
		if d.remaining <= 0 {
			d.busy = false
			d.done = true
			d.value = d.next(d.ch)
		}
		return
	}
	if start {
		d.busy = true
		d.ch = ch
		d.remaining = d.latency
		d.starts = append(d.starts, ch)
	}
}

func (d *fakeDevice) next(ch int) uint16 {
	q := d.values[ch]
	if len(q) == 0 {
		return 0
	}
	d.values[ch] = q[1:]
	return q[0]
}

func newTestController(dev Device) *Controller {
	c := NewController(dev, Options{ClockHz: 1_000_000, Limits: perfmon.DefaultLimits()})
	c.WriteRegister(registers.SystemEnable, 1)
	c.WriteRegister(registers.EnableMask, 0xFFFF)
	c.WriteRegister(registers.TriggerEnableMask, 0xFFFF)
	return c
}

func runCycles(c *Controller, n int, in CycleInput) []CycleOutput {
	out := make([]CycleOutput, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, c.Step(in))
	}
	return out
}

func TestDisabledSystemNeverStarts(t *testing.T) {
	dev := newFakeDevice(1)
	c := NewController(dev, Options{ClockHz: 1000, Limits: perfmon.DefaultLimits()})
	c.WriteRegister(registers.EnableMask, 0xFFFF)

	for _, o := range runCycles(c, 10, CycleInput{Ready: 0xFFFF}) {
		assert.False(t, o.Started)
	}
	assert.Empty(t, dev.starts)
	assert.Equal(t, uint32(10), c.Cycle())
}

func TestOneConversionOutstanding(t *testing.T) {
	dev := newFakeDevice(3)
	c := newTestController(dev)

	outs := runCycles(c, 20, CycleInput{Ready: 0x000F})
	var started, admitted int
	for _, o := range outs {
		if o.Started {
			started++
		}
		if o.Admitted {
			admitted++
		}
	}
	// Start on cycle 0, done visible on cycle 4, restart in the same cycle.
	assert.Equal(t, 5, started)
	assert.Equal(t, 4, admitted)
	assert.Equal(t, []int{0, 1, 2, 3, 0}, dev.starts)
	assert.Equal(t, 4, c.Snapshot().Buffer.Count)
}

func TestSamplesReachConsumerInOrder(t *testing.T) {
	dev := newFakeDevice(1)
	dev.values[0] = []uint16{10, 11, 12}
	dev.values[1] = []uint16{20, 21, 22}
	c := newTestController(dev)

	runCycles(c, 13, CycleInput{Ready: 0x0003})
	var got []buffer.Entry
	for i := 0; i < 6; i++ {
		o := c.Step(CycleInput{Pop: true})
		require.True(t, o.Popped)
		got = append(got, o.Entry)
	}
	want := []buffer.Entry{
		buffer.Pack(0, 10), buffer.Pack(1, 20),
		buffer.Pack(0, 11), buffer.Pack(1, 21),
		buffer.Pack(0, 12), buffer.Pack(1, 22),
	}
	assert.Equal(t, want, got)
}

func TestPoppedEntryCarriesCaptureCycle(t *testing.T) {
	dev := newFakeDevice(1)
	dev.values[2] = []uint16{100, 200}
	c := newTestController(dev)

	var admittedAt []uint32
	for _, o := range runCycles(c, 6, CycleInput{Ready: 0x0004}) {
		if o.Admitted {
			admittedAt = append(admittedAt, o.Cycle)
		}
	}
	require.GreaterOrEqual(t, len(admittedAt), 2)

	runCycles(c, 10, CycleInput{})
	first := c.Step(CycleInput{Pop: true})
	require.True(t, first.Popped)
	assert.Equal(t, buffer.Pack(2, 100), first.Entry)
	assert.Equal(t, admittedAt[0], first.Captured)
	assert.Greater(t, first.Cycle, first.Captured)

	second := c.Step(CycleInput{Pop: true})
	require.True(t, second.Popped)
	assert.Equal(t, admittedAt[1], second.Captured)
}

func TestCaptureCyclesClearedOnReset(t *testing.T) {
	dev := newFakeDevice(1)
	c := newTestController(dev)
	runCycles(c, 5, CycleInput{Ready: 0x0001})
	require.NotZero(t, c.Snapshot().Buffer.Count)

	c.Reset()
	assert.Zero(t, c.captures.count)
	assert.Zero(t, c.Snapshot().Buffer.Count)
}

func TestTriggerReportedOneCycleAfterSample(t *testing.T) {
	dev := newFakeDevice(1)
	dev.values[0] = []uint16{100, 800, 150}
	c := newTestController(dev)
	c.WriteRegister(registers.ThresholdLow, 500)

	var admitAt, triggerAt = -1, -1
	for i := 0; i < 12; i++ {
		o := c.Step(CycleInput{Ready: 0x0001})
		if o.Admitted && o.Sample.Value == 800 {
			admitAt = i
		}
		if o.Trigger.Valid {
			require.Equal(t, -1, triggerAt, "only the 800 sample may trigger")
			triggerAt = i
			assert.Equal(t, 0, o.Trigger.Channel)
		}
	}
	require.NotEqual(t, -1, admitAt)
	assert.Equal(t, admitAt+1, triggerAt)
	assert.Equal(t, uint64(1), c.Metrics().TriggersTotal)
}

func TestOverflowDropsAndFlags(t *testing.T) {
	dev := newFakeDevice(1)
	c := newTestController(dev)

	var rejected bool
	for i := 0; i < 3*buffer.Capacity && !rejected; i++ {
		o := c.Step(CycleInput{Ready: 0xFFFF})
		if o.Rejected {
			rejected = true
			assert.NotZero(t, o.Warnings&perfmon.WarnFIFOOverflow)
			assert.Equal(t, buffer.Capacity, o.Buffer.Count)
		}
	}
	require.True(t, rejected, "buffer never overflowed")
	assert.Equal(t, uint64(1), c.Metrics().OverflowAttempts)
}

func TestStalledDeviceBlocksArbitration(t *testing.T) {
	dev := newFakeDevice(1)
	dev.hang = true
	c := NewController(dev, Options{
		ClockHz: 1000,
		Limits:  perfmon.Limits{ADCTimeoutCycles: 5},
	})
	c.WriteRegister(registers.SystemEnable, 1)
	c.WriteRegister(registers.EnableMask, 0xFFFF)

	var timeouts int
	for _, o := range runCycles(c, 20, CycleInput{Ready: 0xFFFF}) {
		if o.Warnings&perfmon.WarnADCTimeout != 0 {
			timeouts++
		}
	}
	assert.Len(t, dev.starts, 1, "no second start while the first is outstanding")
	assert.True(t, c.Waiting())
	assert.Equal(t, 1, timeouts, "timeout is reported once")
}

func TestRegisterWritesApplyBetweenCycles(t *testing.T) {
	dev := newFakeDevice(1)
	c := newTestController(dev)

	ok := c.WriteRegister(registers.ArbiterMode, 1)
	require.True(t, ok)
	assert.False(t, c.WriteRegister(registers.ArbiterMode, 9))
	c.WriteRegister(registers.PriorityBase+6, 15)

	o := c.Step(CycleInput{Ready: 0xFFFF})
	assert.Equal(t, 6, o.Decision.Channel)
	assert.Equal(t, "priority", c.Snapshot().Mode)

	v, ok := c.ReadRegister(registers.PriorityBase + 6)
	assert.True(t, ok)
	assert.Equal(t, uint32(15), v)
}

func TestSnapshotHasNoSideEffects(t *testing.T) {
	dev := newFakeDevice(2)
	c := newTestController(dev)
	runCycles(c, 50, CycleInput{Ready: 0x00FF, Pop: true})

	a := c.Snapshot()
	b := c.Snapshot()
	assert.Equal(t, a, b)
}

func TestLatencyAccounting(t *testing.T) {
	dev := newFakeDevice(1)
	c := newTestController(dev)

	// Admit one sample of channel 0, then let it sit.
	c.Step(CycleInput{Ready: 0x0001})
	c.Step(CycleInput{})
	c.Step(CycleInput{})
	require.Equal(t, 1, c.Snapshot().Buffer.Count)
	for i := 0; i < 7; i++ {
		c.Step(CycleInput{})
	}
	o := c.Step(CycleInput{Pop: true})
	require.True(t, o.Popped)

	// Pushed on cycle 2, popped on cycle 10: 8 cycles of 1 us.
	m := c.Metrics()
	assert.Equal(t, uint64(8000), m.AvgLatencyNs)
	assert.Equal(t, uint64(8000), m.MaxLatencyNs)
}

func TestReset(t *testing.T) {
	dev := newFakeDevice(1)
	c := newTestController(dev)
	runCycles(c, 20, CycleInput{Ready: 0xFFFF})

	c.Reset()
	s := c.Snapshot()
	assert.Zero(t, s.Cycle)
	assert.Zero(t, s.Buffer.Count)
	assert.Equal(t, perfmon.Snapshot{}, s.Metrics)
	assert.True(t, s.Enabled, "registers survive a reset")
}
