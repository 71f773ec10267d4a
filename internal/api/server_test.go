package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/daq.pipeline/internal/db"
	"github.com/banshee-data/daq.pipeline/internal/device"
	"github.com/banshee-data/daq.pipeline/internal/monitoring"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
	"github.com/banshee-data/daq.pipeline/internal/registers"
	"github.com/banshee-data/daq.pipeline/internal/report"
	"github.com/banshee-data/daq.pipeline/internal/testutil"
	"github.com/banshee-data/daq.pipeline/internal/timeutil"
)

type fixture struct {
	server *Server
	runner *pipeline.Runner
	db     *db.DB
	runID  string
	mux    *http.ServeMux
}

type fixtureOpts struct {
	withDB    bool
	queueSize int
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	monitoring.SetLogger(nil)

	dev := device.New(device.DefaultConfig())
	reg := prometheus.NewRegistry()
	cfg := pipeline.RunnerConfig{
		Controller:    pipeline.NewController(dev, pipeline.Options{ClockHz: 100_000, Limits: perfmon.DefaultLimits()}),
		Source:        dev,
		Clock:         timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		Metrics:       perfmon.NewMetrics(reg),
		CyclesPerTick: 500,
		DrainEvery:    4,
		SnapshotEvery: 1,
		QueueSize:     o.queueSize,
	}

	f := &fixture{}
	opts := Options{Gatherer: reg}
	if o.withDB {
		d, err := db.NewDB(filepath.Join(t.TempDir(), "daq.db"))
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		id, err := d.StartRun(context.Background(), db.RunInfo{ClockHz: 100_000, Source: "sim"}, time.Now())
		require.NoError(t, err)
		cfg.Sink = d.Recorder(id)
		opts.DB, opts.RunID = d, id
		f.db, f.runID = d, id
	}
	f.runner = pipeline.NewRunner(cfg)
	f.server = NewServer(f.runner, opts)
	f.mux = f.server.ServeMux()
	return f
}

// enable turns the pipeline on and runs n ticks.
func (f *fixture) enable(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, f.runner.Submit(registers.Write{Index: registers.EnableMask, Value: 0xFFFF}))
	require.NoError(t, f.runner.Submit(registers.Write{Index: registers.SystemEnable, Value: 1}))
	for i := 0; i < n; i++ {
		f.runner.Tick(context.Background())
	}
}

func (f *fixture) get(path string) (int, string) {
	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, path))
	return rec.Code, rec.Body.String()
}

func TestStatus(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 2)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/status"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	st := testutil.DecodeJSON[pipeline.Status](t, rec)
	assert.True(t, st.Enabled)
	assert.Equal(t, uint32(1000), st.Cycle)
	assert.Len(t, st.Registers, registers.Count)
}

func TestMetricsAndBuffer(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 2)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/metrics"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	m := testutil.DecodeJSON[map[string]any](t, rec)
	assert.Contains(t, m, "throughput_sps")
	assert.Contains(t, m, "time")
	assert.IsType(t, []any{}, m["warnings"])

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/buffer"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/channels"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	ch := testutil.DecodeJSON[map[string]any](t, rec)
	assert.Len(t, ch["channels"], 16)
	assert.Len(t, ch["accumulators"], 16)
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	tests := []struct {
		method, path string
	}{
		{http.MethodPost, "/api/status"},
		{http.MethodDelete, "/api/registers"},
		{http.MethodGet, "/api/reset"},
		{http.MethodPut, "/api/triggers"},
		{http.MethodPost, "/api/metrics/history"},
		{http.MethodPost, "/api/runs"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := testutil.Serve(f.mux, testutil.NewTestRequest(tt.method, tt.path))
			testutil.AssertStatusCode(t, rec.Code, http.StatusMethodNotAllowed)
		})
	}
}

func TestRegisterWriteAndRead(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec := testutil.Serve(f.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/registers",
		registers.Write{Index: registers.ArbiterMode, Value: 2}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	assert.JSONEq(t, `{"queued":1}`, rec.Body.String())

	rec = testutil.Serve(f.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/registers", []registers.Write{
		{Index: registers.UrgentMask, Value: 0x0003},
		{Index: registers.PriorityBase + 5, Value: 9},
	}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)
	assert.JSONEq(t, `{"queued":2}`, rec.Body.String())

	f.runner.Tick(context.Background())

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, fmt.Sprintf("/api/registers?index=%d", registers.ArbiterMode)))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	got := testutil.DecodeJSON[registerView](t, rec)
	assert.Equal(t, uint32(2), got.Value)
	assert.Equal(t, registers.Name(registers.ArbiterMode), got.Name)

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/registers"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	all := testutil.DecodeJSON[[]registerView](t, rec)
	require.Len(t, all, registers.Count)
	assert.Equal(t, uint32(0x0003), all[registers.UrgentMask].Value)
	assert.Equal(t, uint32(9), all[registers.PriorityBase+5].Value)
}

func TestRegisterWriteRejected(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	tests := []struct {
		name string
		body any
		want string
	}{
		{"unknown register", registers.Write{Index: registers.Count, Value: 1}, "unknown register"},
		{"invalid mode", registers.Write{Index: registers.ArbiterMode, Value: 7}, "invalid arbiter mode"},
		{"empty batch", []registers.Write{}, "no register writes"},
		{"batch with one bad write", []registers.Write{{Index: 0, Value: 1}, {Index: -1, Value: 0}}, "unknown register"},
		{"wrong shape", "enable", "invalid register write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testutil.Serve(f.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/registers", tt.body))
			testutil.AssertStatusCode(t, rec.Code, http.StatusBadRequest)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	// Nothing from the rejected batches reached the controller.
	f.runner.Tick(context.Background())
	assert.False(t, f.runner.Status().Enabled)
}

func TestRegisterReadErrors(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	code, _ := f.get("/api/registers?index=abc")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = f.get("/api/registers?index=999")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRegisterQueueFull(t *testing.T) {
	f := newFixture(t, fixtureOpts{queueSize: 1})
	rec := testutil.Serve(f.mux, testutil.NewJSONRequest(t, http.MethodPost, "/api/registers", []registers.Write{
		{Index: registers.SystemEnable, Value: 1},
		{Index: registers.EnableMask, Value: 1},
	}))
	testutil.AssertStatusCode(t, rec.Code, http.StatusServiceUnavailable)
	assert.Contains(t, rec.Body.String(), "1 of 2 queued")
}

func TestReset(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 1)
	require.NotZero(t, f.runner.Status().Cycle)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodPost, "/api/reset"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusAccepted)

	f.runner.Tick(context.Background())
	assert.Equal(t, uint32(500), f.runner.Status().Cycle)
}

func TestTriggersFromMemory(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 1)

	code, body := f.get("/api/triggers?limit=5")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.HasPrefix(body, "["), body)

	tests := []struct {
		path string
		code int
	}{
		{"/api/triggers?limit=0", http.StatusBadRequest},
		{"/api/triggers?limit=x", http.StatusBadRequest},
		{"/api/triggers?source=disk", http.StatusBadRequest},
		{"/api/triggers?source=db", http.StatusServiceUnavailable},
		{"/api/metrics/history?source=db", http.StatusServiceUnavailable},
		{"/api/runs", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		code, _ := f.get(tt.path)
		assert.Equal(t, tt.code, code, tt.path)
	}
}

func TestHistoryFromMemory(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 3)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/metrics/history"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	points := testutil.DecodeJSON[[]pipeline.HistoryPoint](t, rec)
	require.Len(t, points, 3)
	assert.Equal(t, uint32(1499), points[2].Cycle)
}

func TestPersistedEndpoints(t *testing.T) {
	f := newFixture(t, fixtureOpts{withDB: true})
	f.enable(t, 4)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/metrics/history?source=db"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	points := testutil.DecodeJSON[[]pipeline.HistoryPoint](t, rec)
	assert.Len(t, points, 4)

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/metrics/history?source=db&limit=2"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Len(t, testutil.DecodeJSON[[]pipeline.HistoryPoint](t, rec), 2)

	code, _ := f.get("/api/metrics/history?source=db&since=yesterday")
	assert.Equal(t, http.StatusBadRequest, code)

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/triggers?source=db"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	persisted := testutil.DecodeJSON[[]pipeline.TriggerRecord](t, rec)
	assert.Len(t, persisted, len(tail(f.runner.RecentTriggers(), defaultLimit)))

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/runs"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	runs := testutil.DecodeJSON[[]db.Run](t, rec)
	require.Len(t, runs, 1)
	assert.Equal(t, f.runID, runs[0].ID)

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/report?source=db"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rep := testutil.DecodeJSON[report.Report](t, rec)
	assert.Equal(t, f.runID, rep.RunID)
	assert.Equal(t, 4, rep.Points)
	assert.Equal(t, f.runner.Status().Metrics.SamplesTotal, rep.SamplesTotal)

	code, _ = f.get("/api/triggers?source=db&run=missing")
	assert.Equal(t, http.StatusOK, code, "unknown run reads as empty")
}

func TestSamplesEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{withDB: true})
	f.enable(t, 4)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/samples"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.NotEmpty(t, testutil.DecodeJSON[[]pipeline.Sample](t, rec))

	rec = testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/samples?channel=3&limit=5"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	samples := testutil.DecodeJSON[[]pipeline.Sample](t, rec)
	assert.LessOrEqual(t, len(samples), 5)
	for _, smp := range samples {
		assert.Equal(t, 3, smp.Channel)
	}

	for _, path := range []string{"/api/samples?channel=16", "/api/samples?channel=x", "/api/samples?limit=0"} {
		code, _ := f.get(path)
		assert.Equal(t, http.StatusBadRequest, code, path)
	}

	code, body := f.get("/api/samples?run=missing")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, "[]", body)
}

func TestSamplesRequireDB(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	code, _ := f.get("/api/samples")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestReportFromMemory(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 2)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/api/report"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	rep := testutil.DecodeJSON[report.Report](t, rec)
	assert.Empty(t, rep.RunID)
	assert.Equal(t, 2, rep.Points)
	_, ok := rep.Metric("throughput_sps")
	assert.True(t, ok)
}

func TestPrometheusEndpoint(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 1)

	code, body := f.get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "daq_throughput_samples_per_second")
	assert.Contains(t, body, "daq_fifo_utilization_percent")
}

func TestChartDebugRoute(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	f.enable(t, 2)
	f.server.AttachAdminRoutes(f.mux)

	rec := testutil.Serve(f.mux, testutil.NewTestRequest(http.MethodGet, "/debug/pipeline-chart"))
	testutil.AssertStatusCode(t, rec.Code, http.StatusOK)
	assert.Contains(t, rec.Body.String(), "DAQ pipeline")
	assert.Contains(t, rec.Body.String(), "2 snapshots")
}

func TestLoggingMiddleware(t *testing.T) {
	var rec monitoring.Recorder
	monitoring.SetLogger(rec.Logf)
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	resp := testutil.Serve(h, testutil.NewTestRequest(http.MethodGet, "/api/status?x=1"))
	testutil.AssertStatusCode(t, resp.Code, http.StatusTeapot)

	lines := rec.Lines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "418")
	assert.Contains(t, lines[0], "/api/status?x=1")
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"503"+colorReset, statusCodeColor(503))
	assert.Equal(t, "101", statusCodeColor(101))
}
