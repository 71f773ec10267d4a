package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/daq.pipeline/internal/monitoring"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/registers"
	"github.com/banshee-data/daq.pipeline/internal/timeutil"
)

type staticSource uint16

func (s staticSource) Ready(uint32) uint16 { return uint16(s) }

type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	err     error
}

func (s *recordingSink) WriteBatch(_ context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return s.err
}

func (s *recordingSink) all() []Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Batch(nil), s.batches...)
}

func quietLogs(t *testing.T) {
	t.Helper()
	orig := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = orig })
}

func newTestRunner(t *testing.T, sink Sink, clock timeutil.Clock) *Runner {
	t.Helper()
	quietLogs(t)
	c := NewController(newFakeDevice(1), Options{ClockHz: 1000, Limits: perfmon.DefaultLimits()})
	return NewRunner(RunnerConfig{
		Controller:    c,
		Source:        staticSource(0x000F),
		Sink:          sink,
		Clock:         clock,
		TickInterval:  10 * time.Millisecond,
		CyclesPerTick: 100,
		DrainEvery:    4,
		SnapshotEvery: 1,
		HistorySize:   3,
	})
}

func TestRunnerAppliesWritesAtTickBoundary(t *testing.T) {
	sink := &recordingSink{}
	r := newTestRunner(t, sink, timeutil.NewMockClock(time.Unix(0, 0)))

	require.NoError(t, r.Submit(registers.Write{Index: registers.SystemEnable, Value: 1}))
	require.NoError(t, r.Submit(registers.Write{Index: registers.EnableMask, Value: 0xFFFF}))

	v, _ := r.ReadRegister(registers.SystemEnable)
	assert.Zero(t, v, "write not visible before the tick")

	r.Tick(context.Background())
	v, ok := r.ReadRegister(registers.SystemEnable)
	assert.True(t, ok)
	assert.Equal(t, uint32(1), v)

	st := r.Status()
	assert.Equal(t, uint32(100), st.Cycle)
	assert.NotZero(t, st.Metrics.SamplesTotal)

	batches := sink.all()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Writes, 2)
	assert.NotEmpty(t, batches[0].Samples, "drain policy pops samples")
	require.NotNil(t, batches[0].Snapshot)
}

func TestRunnerRejectsInvalidWrites(t *testing.T) {
	r := newTestRunner(t, nil, timeutil.NewMockClock(time.Unix(0, 0)))

	err := r.Submit(registers.Write{Index: registers.ArbiterMode, Value: 7})
	assert.ErrorIs(t, err, registers.ErrInvalidMode)
	err = r.Submit(registers.Write{Index: 200, Value: 1})
	assert.ErrorIs(t, err, registers.ErrUnknownRegister)
}

func TestRunnerQueueFull(t *testing.T) {
	quietLogs(t)
	c := NewController(newFakeDevice(1), Options{ClockHz: 1000})
	r := NewRunner(RunnerConfig{Controller: c, QueueSize: 1})

	require.NoError(t, r.Submit(registers.Write{Index: registers.SystemEnable, Value: 1}))
	err := r.Submit(registers.Write{Index: registers.SystemEnable, Value: 0})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestRunnerHistoryIsBounded(t *testing.T) {
	r := newTestRunner(t, nil, timeutil.NewMockClock(time.Unix(0, 0)))
	for i := 0; i < 5; i++ {
		r.Tick(context.Background())
	}
	h := r.History()
	require.Len(t, h, 3)
	assert.Equal(t, uint32(499), h[2].Cycle)
}

func TestRunnerReset(t *testing.T) {
	r := newTestRunner(t, nil, timeutil.NewMockClock(time.Unix(0, 0)))
	require.NoError(t, r.Submit(registers.Write{Index: registers.SystemEnable, Value: 1}))
	r.Tick(context.Background())
	r.Tick(context.Background())

	r.RequestReset()
	r.Tick(context.Background())
	st := r.Status()
	assert.Equal(t, uint32(100), st.Cycle)
	assert.True(t, st.Enabled)
}

func TestRunnerObserversAndMetrics(t *testing.T) {
	quietLogs(t)
	c := NewController(newFakeDevice(1), Options{ClockHz: 1000, Limits: perfmon.DefaultLimits()})
	metrics := perfmon.NewMetrics(prometheus.NewRegistry())
	r := NewRunner(RunnerConfig{Controller: c, Metrics: metrics, CyclesPerTick: 10})

	var seen []uint32
	r.Observe(func(s Status) { seen = append(seen, s.Cycle) })
	r.Tick(context.Background())
	r.Tick(context.Background())
	assert.Equal(t, []uint32{10, 20}, seen)
}

func TestRunnerSinkErrorIsLogged(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	r := newTestRunner(t, sink, timeutil.NewMockClock(time.Unix(0, 0)))

	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) { logged = append(logged, format) })

	r.Tick(context.Background())
	assert.Contains(t, logged, "pipeline sink write failed: %v")
}

func TestRunnerRunAndStop(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	sink := &recordingSink{}
	r := newTestRunner(t, sink, clock)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		return r.Status().Cycle > 0
	}, time.Second, time.Millisecond)
	assert.True(t, r.IsRunning())

	r.Stop()
	require.NoError(t, <-done)
	assert.False(t, r.IsRunning())

	batches := sink.all()
	require.NotEmpty(t, batches)
	assert.NotNil(t, batches[len(batches)-1].Snapshot, "final snapshot written on stop")
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	r := newTestRunner(t, nil, timeutil.NewMockClock(time.Unix(0, 0)))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, r.IsRunning, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
