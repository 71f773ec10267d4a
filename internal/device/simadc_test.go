package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig() Config {
	return Config{
		LatencyCycles: 3,
		ReadyMask:     0xFFFF,
		ReadyProb:     1,
		Baseline:      1000,
		PeriodCycles:  1,
		Seed:          7,
	}
}

func TestConversionTiming(t *testing.T) {
	d := New(quietConfig())
	require.False(t, d.Status().Busy)

	d.Clock(true, 5)
	for i := 0; i < 2; i++ {
		st := d.Status()
		assert.True(t, st.Busy, "cycle %d", i)
		assert.False(t, st.Done)
		d.Clock(false, 0)
	}
	assert.True(t, d.Status().Busy)
	d.Clock(false, 0)

	st := d.Status()
	assert.False(t, st.Busy)
	assert.True(t, st.Done)
	assert.InDelta(t, 1000, float64(st.Value), 1)

	d.Clock(false, 0)
	assert.False(t, d.Status().Done, "done pulses for one cycle")
	assert.Equal(t, uint64(1), d.Stats().Conversions)
}

func TestStartWhileBusyIgnored(t *testing.T) {
	d := New(quietConfig())
	d.Clock(true, 1)
	d.Clock(true, 2)
	d.Clock(true, 3)
	d.Clock(true, 4)
	assert.True(t, d.Status().Done)
	assert.Equal(t, uint64(1), d.Stats().Conversions)
}

func TestStallExtendsConversion(t *testing.T) {
	cfg := quietConfig()
	cfg.StallProb = 1
	cfg.StallCycles = 10
	d := New(cfg)

	d.Clock(true, 0)
	cycles := 0
	for !d.Status().Done {
		d.Clock(false, 0)
		cycles++
		require.Less(t, cycles, 100)
	}
	assert.Equal(t, 13, cycles)
	assert.Equal(t, uint64(1), d.Stats().Stalls)
}

func TestSpikesSaturate(t *testing.T) {
	cfg := quietConfig()
	cfg.SpikeProb = 1
	cfg.SpikeHeight = 10_000
	d := New(cfg)

	d.Clock(true, 0)
	for !d.Status().Done {
		d.Clock(false, 0)
	}
	assert.Equal(t, uint16(4095), d.Status().Value)
	assert.Equal(t, uint64(1), d.Stats().Spikes)
}

func TestReadyMask(t *testing.T) {
	cfg := quietConfig()
	cfg.ReadyMask = 0x00F0
	d := New(cfg)
	assert.Equal(t, uint16(0x00F0), d.Ready(0))

	cfg.ReadyProb = 0
	d = New(cfg)
	assert.Zero(t, d.Ready(0))
}

func TestDeterministicForSeed(t *testing.T) {
	run := func() []uint16 {
		d := New(DefaultConfig())
		var out []uint16
		for len(out) < 20 {
			st := d.Status()
			if st.Done {
				out = append(out, st.Value)
			}
			d.Clock(!st.Busy, len(out)%16)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestQuantise(t *testing.T) {
	assert.Equal(t, uint16(0), quantise(-5))
	assert.Equal(t, uint16(4095), quantise(5000))
	assert.Equal(t, uint16(12), quantise(11.6))
}
