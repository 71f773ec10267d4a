package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/daq.pipeline/internal/monitoring"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/registers"
	"github.com/banshee-data/daq.pipeline/internal/timeutil"
	"github.com/banshee-data/daq.pipeline/internal/trigger"
)

// ErrQueueFull is returned when register writes arrive faster than the
// runner applies them.
var ErrQueueFull = errors.New("register write queue full")

// Source reports which channels have data on a given cycle.
type Source interface {
	Ready(cycle uint32) uint16
}

// TriggerRecord is a trigger event with the cycle on which it was reported.
type TriggerRecord struct {
	Cycle uint32 `json:"cycle"`
	trigger.Event
	Decoded trigger.Metadata `json:"decoded"`
}

// HistoryPoint is a monitor snapshot taken at the end of a tick.
type HistoryPoint struct {
	Time time.Time `json:"time"`
	perfmon.Snapshot
}

// Batch is everything a tick produced for persistence.
type Batch struct {
	Samples  []Sample
	Triggers []TriggerRecord
	Writes   []registers.Write
	Snapshot *HistoryPoint
}

func (b Batch) empty() bool {
	return len(b.Samples) == 0 && len(b.Triggers) == 0 && len(b.Writes) == 0 && b.Snapshot == nil
}

// Sink persists batches.
type Sink interface {
	WriteBatch(ctx context.Context, b Batch) error
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Controller *Controller
	Source     Source
	// Sink is optional.
	Sink Sink
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// Metrics is optional.
	Metrics *perfmon.Metrics

	TickInterval  time.Duration
	CyclesPerTick int
	// DrainEvery pops one entry every N cycles; 0 leaves the buffer alone.
	DrainEvery uint32
	// SnapshotEvery records a history point every N ticks; 0 disables it.
	SnapshotEvery int
	// HistorySize bounds the in-memory history and trigger lists.
	HistorySize int
	QueueSize   int
}

// Runner drives a Controller in real time on a single goroutine. Register
// writes are queued and applied between cycles; readers see the status
// published at the end of the last tick.
type Runner struct {
	cfg    RunnerConfig
	ctrl   *Controller
	clock  timeutil.Clock
	writes chan registers.Write

	mu        sync.RWMutex
	status    Status
	history   []HistoryPoint
	triggers  []TriggerRecord
	observers []func(Status)
	running   bool
	ticks     int
	reset     bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRunner creates a runner. The controller must not be used elsewhere
// once the runner starts.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	if cfg.CyclesPerTick <= 0 {
		cfg.CyclesPerTick = 1
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 600
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	r := &Runner{
		cfg:    cfg,
		ctrl:   cfg.Controller,
		clock:  cfg.Clock,
		writes: make(chan registers.Write, cfg.QueueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	r.status = r.ctrl.Snapshot()
	return r
}

// Run executes ticks until ctx is cancelled or Stop is called.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	defer func() {
		close(r.doneCh)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	ticker := r.clock.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	monitoring.Logf("pipeline runner started: tick=%v cycles/tick=%d drain_every=%d",
		r.cfg.TickInterval, r.cfg.CyclesPerTick, r.cfg.DrainEvery)

	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("pipeline runner stopping: %v", ctx.Err())
			r.flushFinal()
			return nil
		case <-r.stopCh:
			monitoring.Logf("pipeline runner stopping")
			r.flushFinal()
			return nil
		case <-ticker.C():
			r.Tick(ctx)
		}
	}
}

// Stop ends Run and waits for it to return. It is safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.mu.Unlock()
	<-r.doneCh
}

// IsRunning reports whether Run is active.
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Tick applies queued writes, runs one tick worth of cycles and publishes
// the resulting status. Run calls it from the ticker; tests may call it
// directly when Run is not active.
func (r *Runner) Tick(ctx context.Context) {
	var batch Batch

	r.mu.Lock()
	reset := r.reset
	r.reset = false
	r.mu.Unlock()
	if reset {
		r.ctrl.Reset()
		monitoring.Logf("pipeline reset at host request")
	}

	batch.Writes = r.applyWrites()

	for i := 0; i < r.cfg.CyclesPerTick; i++ {
		cycle := r.ctrl.Cycle()
		in := CycleInput{}
		if r.cfg.Source != nil {
			in.Ready = r.cfg.Source.Ready(cycle)
		}
		if r.cfg.DrainEvery > 0 && cycle%r.cfg.DrainEvery == 0 {
			in.Pop = true
		}
		out := r.ctrl.Step(in)
		if out.Popped {
			batch.Samples = append(batch.Samples, Sample{
				Channel:   out.Entry.Channel(),
				Value:     out.Entry.Value(),
				Timestamp: out.Captured,
			})
		}
		if out.Trigger.Valid {
			batch.Triggers = append(batch.Triggers, TriggerRecord{
				Cycle:   out.Cycle,
				Event:   out.Trigger,
				Decoded: trigger.UnpackMetadata(out.Trigger.Metadata),
			})
		}
	}

	status := r.ctrl.Snapshot()
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.Observe(status.Metrics)
	}

	r.mu.Lock()
	r.ticks++
	r.status = status
	r.triggers = appendBounded(r.triggers, batch.Triggers, r.cfg.HistorySize)
	if r.cfg.SnapshotEvery > 0 && r.ticks%r.cfg.SnapshotEvery == 0 {
		p := HistoryPoint{Time: r.clock.Now(), Snapshot: status.Metrics}
		r.history = appendBounded(r.history, []HistoryPoint{p}, r.cfg.HistorySize)
		batch.Snapshot = &p
	}
	observers := append([]func(Status){}, r.observers...)
	r.mu.Unlock()

	for _, fn := range observers {
		fn(status)
	}

	if r.cfg.Sink != nil && !batch.empty() {
		if err := r.cfg.Sink.WriteBatch(ctx, batch); err != nil {
			monitoring.Logf("pipeline sink write failed: %v", err)
		}
	}
}

// Submit queues a register write for the next tick.
func (r *Runner) Submit(w registers.Write) error {
	if err := registers.Check(w.Index, w.Value); err != nil {
		return err
	}
	select {
	case r.writes <- w:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, w)
	}
}

// RequestReset resets the pipeline at the start of the next tick.
func (r *Runner) RequestReset() {
	r.mu.Lock()
	r.reset = true
	r.mu.Unlock()
}

// Status returns the last published status.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// ReadRegister returns a register value from the last published status.
func (r *Runner) ReadRegister(index int) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.status.Registers) {
		return 0, false
	}
	return r.status.Registers[index].Value, true
}

// History returns a copy of the in-memory metrics history, oldest first.
func (r *Runner) History() []HistoryPoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]HistoryPoint(nil), r.history...)
}

// RecentTriggers returns a copy of the most recent trigger events.
func (r *Runner) RecentTriggers() []TriggerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]TriggerRecord(nil), r.triggers...)
}

// Observe registers fn to be called with every published status.
func (r *Runner) Observe(fn func(Status)) {
	r.mu.Lock()
	r.observers = append(r.observers, fn)
	r.mu.Unlock()
}

func (r *Runner) applyWrites() []registers.Write {
	var applied []registers.Write
	for {
		select {
		case w := <-r.writes:
			if r.ctrl.WriteRegister(w.Index, w.Value) {
				applied = append(applied, w)
				monitoring.Logf("register write %s", w)
			}
		default:
			return applied
		}
	}
}

func (r *Runner) flushFinal() {
	if r.cfg.Sink == nil {
		return
	}
	status := r.ctrl.Snapshot()
	p := HistoryPoint{Time: r.clock.Now(), Snapshot: status.Metrics}
	// The run context is already done; give the final write its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.cfg.Sink.WriteBatch(ctx, Batch{Snapshot: &p}); err != nil {
		monitoring.Logf("pipeline final snapshot failed: %v", err)
	}
}

func appendBounded[T any](dst, src []T, limit int) []T {
	dst = append(dst, src...)
	if over := len(dst) - limit; over > 0 {
		dst = append(dst[:0:0], dst[over:]...)
	}
	return dst
}
