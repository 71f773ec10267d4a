// Package device provides a simulated 16-channel ADC that stands in for the
// sampling hardware.
package device

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/daq.pipeline/internal/channel"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
)

// Config shapes the simulated signal and the conversion timing.
type Config struct {
	// LatencyCycles is the number of cycles a conversion stays busy.
	LatencyCycles int

	// ReadyMask selects the channels that ever have data; ReadyProb is the
	// chance per cycle that one of them reports ready.
	ReadyMask uint16
	ReadyProb float64

	Baseline     float64
	Amplitude    float64
	PeriodCycles float64
	NoiseSigma   float64

	// SpikeProb is the chance that a sample carries an extra SpikeHeight.
	SpikeProb   float64
	SpikeHeight float64

	// StallProb is the chance that a conversion takes StallCycles longer.
	StallProb   float64
	StallCycles int

	Seed uint64
}

// DefaultConfig returns a lively but well-behaved signal on every channel.
func DefaultConfig() Config {
	return Config{
		LatencyCycles: 4,
		ReadyMask:     0xFFFF,
		ReadyProb:     0.5,
		Baseline:      800,
		Amplitude:     300,
		PeriodCycles:  50_000,
		NoiseSigma:    20,
		SpikeProb:     0.001,
		SpikeHeight:   2500,
		Seed:          1,
	}
}

// Stats counts device activity.
type Stats struct {
	Conversions uint64 `json:"conversions"`
	Spikes      uint64 `json:"spikes"`
	Stalls      uint64 `json:"stalls"`
}

// SimADC is a deterministic, seedable ADC model. A conversion started on
// cycle N reports Done, with its value, LatencyCycles+1 cycles later.
type SimADC struct {
	cfg   Config
	noise distuv.Normal
	spike distuv.Bernoulli
	stall distuv.Bernoulli
	ready distuv.Bernoulli

	cycle     uint64
	busy      bool
	remaining int
	ch        int
	done      bool
	value     uint16

	stats Stats
}

var _ pipeline.Device = (*SimADC)(nil)

// New creates a simulated ADC.
func New(cfg Config) *SimADC {
	if cfg.LatencyCycles < 1 {
		cfg.LatencyCycles = 1
	}
	if cfg.PeriodCycles <= 0 {
		cfg.PeriodCycles = 1
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)
	return &SimADC{
		cfg:   cfg,
		noise: distuv.Normal{Mu: 0, Sigma: math.Max(cfg.NoiseSigma, 0), Src: src},
		spike: distuv.Bernoulli{P: clampProb(cfg.SpikeProb), Src: src},
		stall: distuv.Bernoulli{P: clampProb(cfg.StallProb), Src: src},
		ready: distuv.Bernoulli{P: clampProb(cfg.ReadyProb), Src: src},
	}
}

// Status reports the state left by the previous Clock.
func (d *SimADC) Status() pipeline.DeviceStatus {
	return pipeline.DeviceStatus{Busy: d.busy, Done: d.done, Value: d.value}
}

// Clock advances the device by one cycle. A start while busy is ignored.
func (d *SimADC) Clock(start bool, ch int) {
	d.done = false
	if d.busy {
		d.remaining--
		if d.remaining <= 0 {
			d.busy = false
			d.done = true
			d.value = d.sample(d.ch)
			d.stats.Conversions++
		}
	} else if start {
		d.busy = true
		d.ch = ch & 0xF
		d.remaining = d.cfg.LatencyCycles
		if d.stall.Rand() == 1 {
			d.remaining += d.cfg.StallCycles
			d.stats.Stalls++
		}
	}
	d.cycle++
}

// Ready returns the channels that have data this cycle.
func (d *SimADC) Ready(uint32) uint16 {
	var mask uint16
	for ch := 0; ch < channel.NumChannels; ch++ {
		bit := channel.Bit(ch)
		if d.cfg.ReadyMask&bit != 0 && d.ready.Rand() == 1 {
			mask |= bit
		}
	}
	return mask
}

// Stats returns the activity counters.
func (d *SimADC) Stats() Stats { return d.stats }

func (d *SimADC) sample(ch int) uint16 {
	phase := float64(ch) * math.Pi / 8
	v := d.cfg.Baseline +
		d.cfg.Amplitude*math.Sin(2*math.Pi*float64(d.cycle)/d.cfg.PeriodCycles+phase) +
		d.noise.Rand()
	if d.spike.Rand() == 1 {
		v += d.cfg.SpikeHeight
		d.stats.Spikes++
	}
	return quantise(v)
}

func quantise(v float64) uint16 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= channel.SampleMax:
		return channel.SampleMax
	}
	return uint16(math.Round(v))
}

func clampProb(p float64) float64 {
	return math.Min(math.Max(p, 0), 1)
}
