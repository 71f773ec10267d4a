// Package buffer implements the tiered sample FIFO.
//
// The three tiers are a view over one ring buffer's occupancy, used for
// monitoring and backpressure; there is only one queue.
package buffer

import (
	"github.com/banshee-data/daq.pipeline/internal/channel"
)

const (
	// Capacity is the number of 16-bit entries the FIFO holds.
	Capacity = 672

	// L1Size and L2Size are the widths of the first two occupancy tiers; L3
	// takes the remainder.
	L1Size = 32
	L2Size = 128
	L2End  = L1Size + L2Size

	// BackpressurePct is the fill level at which backpressure asserts.
	BackpressurePct = 90
)

// Overflow flag bits.
const (
	FlagL1 uint8 = 1 << iota
	FlagL2
	FlagL3
)

// Entry is a packed buffer word: channel in the top 4 bits, sample below.
type Entry uint16

// Pack builds an entry from a channel id and a 12-bit sample.
func Pack(ch int, value uint16) Entry {
	return Entry(uint16(ch&0xF)<<channel.SampleBits | value&channel.SampleMax)
}

// Channel returns the channel id stored in e.
func (e Entry) Channel() int { return int(e >> channel.SampleBits) }

// Value returns the sample stored in e.
func (e Entry) Value() uint16 { return uint16(e) & channel.SampleMax }

// Tiers is the three-level split of the occupancy.
type Tiers struct {
	L1 int `json:"l1"`
	L2 int `json:"l2"`
	L3 int `json:"l3"`
}

// Status is the derived output of the buffer for one cycle.
type Status struct {
	Count         int    `json:"count"`
	Full          bool   `json:"full"`
	Empty         bool   `json:"empty"`
	Tiers         Tiers  `json:"tiers"`
	OverflowFlags uint8  `json:"overflow_flags"`
	Backpressure  bool   `json:"backpressure"`
	Pushes        uint64 `json:"pushes"`
	Pops          uint64 `json:"pops"`
	Rejected      uint64 `json:"rejected"`
}

// StepResult reports what happened during a combined push/pop cycle.
type StepResult struct {
	Pushed   bool
	Rejected bool
	Popped   bool
	Entry    Entry
}

// Buffer is a fixed-capacity ring FIFO. It is not safe for concurrent use.
type Buffer struct {
	entries [Capacity]Entry
	head    int
	tail    int
	count   int

	pushes   uint64
	pops     uint64
	rejected uint64
}

// New returns an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// Push appends e. A push into a full buffer changes nothing and returns false.
func (b *Buffer) Push(e Entry) bool {
	if b.count >= Capacity {
		b.rejected++
		return false
	}
	b.entries[b.tail] = e
	b.tail = (b.tail + 1) % Capacity
	b.count++
	b.pushes++
	return true
}

// Pop removes and returns the oldest entry.
func (b *Buffer) Pop() (Entry, bool) {
	if b.count == 0 {
		return 0, false
	}
	e := b.entries[b.head]
	b.head = (b.head + 1) % Capacity
	b.count--
	b.pops++
	return e, true
}

// Step performs at most one push and one pop in the same cycle. Both are
// judged against the occupancy at the start of the cycle: a push into a full
// buffer is rejected even when a pop happens alongside it, and a pop of an
// empty buffer does not see the entry pushed in the same cycle.
func (b *Buffer) Step(push bool, e Entry, pop bool) StepResult {
	var res StepResult
	start := b.count

	if pop && start > 0 {
		res.Entry, res.Popped = b.Pop()
	}
	if push {
		if start >= Capacity {
			b.rejected++
			res.Rejected = true
		} else {
			res.Pushed = b.Push(e)
		}
	}
	return res
}

// Count returns the current occupancy.
func (b *Buffer) Count() int { return b.count }

// Full reports count >= Capacity.
func (b *Buffer) Full() bool { return b.count >= Capacity }

// Empty reports count == 0.
func (b *Buffer) Empty() bool { return b.count == 0 }

// Status derives every flag from the current occupancy.
func (b *Buffer) Status() Status {
	return Status{
		Count:         b.count,
		Full:          b.Full(),
		Empty:         b.Empty(),
		Tiers:         TiersOf(b.count),
		OverflowFlags: OverflowFlags(b.count),
		Backpressure:  Backpressure(b.count, Capacity),
		Pushes:        b.pushes,
		Pops:          b.pops,
		Rejected:      b.rejected,
	}
}

// Reset empties the buffer and clears the counters.
func (b *Buffer) Reset() {
	*b = Buffer{}
}

// TiersOf splits count into the L1/L2/L3 occupancy bands.
func TiersOf(count int) Tiers {
	return Tiers{
		L1: min(count, L1Size),
		L2: min(max(count-L1Size, 0), L2Size),
		L3: max(count-L2End, 0),
	}
}

// OverflowFlags returns the L3, L2, L1 threshold bits for count.
func OverflowFlags(count int) uint8 {
	var f uint8
	if count >= Capacity {
		f |= FlagL3
	}
	if count >= L2End {
		f |= FlagL2
	}
	if count >= L1Size {
		f |= FlagL1
	}
	return f
}

// Backpressure reports whether count is at or above 90% of depth. It is an
// integer threshold with no hysteresis, so it follows count exactly.
func Backpressure(count, depth int) bool {
	return count*100 >= depth*BackpressurePct
}
