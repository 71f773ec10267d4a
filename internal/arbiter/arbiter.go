// Package arbiter picks one sampling channel per decision cycle.
package arbiter

import (
	"fmt"
	"math/bits"

	"github.com/banshee-data/daq.pipeline/internal/channel"
)

// Mode selects the arbitration policy.
type Mode uint8

const (
	RoundRobin Mode = iota
	Priority
	Weighted
	Urgent
)

func (m Mode) String() string {
	switch m {
	case RoundRobin:
		return "round_robin"
	case Priority:
		return "priority"
	case Weighted:
		return "weighted"
	case Urgent:
		return "urgent"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// usesAccumulators reports whether the weighted accumulators advance in m.
func (m Mode) usesAccumulators() bool {
	return m == Weighted || m == Urgent
}

// Decision is the arbiter output for one cycle. Channel is meaningless when
// Valid is false.
type Decision struct {
	Channel int  `json:"channel"`
	Valid   bool `json:"valid"`
}

// Arbiter holds the rotation pointer and the weighted accumulators. It is the
// only writer of both.
type Arbiter struct {
	view channel.View

	pointer int
	acc     [channel.NumChannels]uint8

	offered   bool
	offer     int
	offerMode Mode
	last      Decision
}

// New creates an arbiter reading channel configuration through view.
func New(view channel.View) *Arbiter {
	return &Arbiter{view: view}
}

// Decide evaluates one cycle. While busy the previous selection is held and
// no state advances. An offer that has not been accepted is repeated for as
// long as its channel stays enabled and ready; weighted accumulators still
// advance on every such cycle.
func (a *Arbiter) Decide(mode Mode, ready uint16, busy bool) Decision {
	if busy {
		return Decision{Channel: a.last.Channel}
	}

	if mode.usesAccumulators() {
		a.accumulate()
	}

	candidates := ready & a.view.EnableMask()

	if a.offered {
		if candidates&channel.Bit(a.offer) != 0 {
			a.last = Decision{Channel: a.offer, Valid: true}
			return a.last
		}
		a.offered = false
	}

	ch, ok := a.selectChannel(mode, candidates)
	if !ok {
		a.last = Decision{Channel: a.last.Channel}
		return a.last
	}

	a.offered = true
	a.offer = ch
	a.offerMode = mode
	a.last = Decision{Channel: ch, Valid: true}
	return a.last
}

// Accept finalises the outstanding offer: the round-robin pointer moves past
// the selected channel and its weighted accumulator is consumed.
func (a *Arbiter) Accept() {
	if !a.offered {
		return
	}
	switch a.offerMode {
	case RoundRobin:
		a.pointer = (a.offer + 1) % channel.NumChannels
	case Weighted, Urgent:
		a.acc[a.offer] = 0
	}
	a.offered = false
}

// Pointer returns the round-robin start position.
func (a *Arbiter) Pointer() int { return a.pointer }

// Accumulators returns a copy of the weighted accumulators.
func (a *Arbiter) Accumulators() [channel.NumChannels]uint8 { return a.acc }

// Reset clears rotation, accumulators and any outstanding offer.
func (a *Arbiter) Reset() {
	*a = Arbiter{view: a.view}
}

func (a *Arbiter) accumulate() {
	for ch := range a.acc {
		w := a.view.Config(ch).Weight
		if w == 0 {
			continue
		}
		if sum := uint16(a.acc[ch]) + uint16(w); sum > 0xFF {
			a.acc[ch] = 0xFF
		} else {
			a.acc[ch] = uint8(sum)
		}
	}
}

func (a *Arbiter) selectChannel(mode Mode, candidates uint16) (int, bool) {
	if candidates == 0 {
		return 0, false
	}
	switch mode {
	case RoundRobin:
		return a.selectRoundRobin(candidates), true
	case Priority:
		return a.selectPriority(candidates), true
	case Weighted:
		return a.selectWeighted(candidates), true
	case Urgent:
		if urgent := candidates & a.view.UrgentMask(); urgent != 0 {
			return bits.TrailingZeros16(urgent), true
		}
		return a.selectWeighted(candidates), true
	}
	return 0, false
}

func (a *Arbiter) selectRoundRobin(candidates uint16) int {
	rotated := bits.RotateLeft16(candidates, -a.pointer)
	return (a.pointer + bits.TrailingZeros16(rotated)) % channel.NumChannels
}

func (a *Arbiter) selectPriority(candidates uint16) int {
	best, bestPri := -1, -1
	for ch := 0; ch < channel.NumChannels; ch++ {
		if candidates&channel.Bit(ch) == 0 {
			continue
		}
		if p := int(a.view.Config(ch).Priority); p > bestPri {
			best, bestPri = ch, p
		}
	}
	return best
}

func (a *Arbiter) selectWeighted(candidates uint16) int {
	best, bestAcc := -1, -1
	for ch := 0; ch < channel.NumChannels; ch++ {
		if candidates&channel.Bit(ch) == 0 {
			continue
		}
		if v := int(a.acc[ch]); v > bestAcc {
			best, bestAcc = ch, v
		}
	}
	return best
}
