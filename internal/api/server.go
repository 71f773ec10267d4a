// Package api serves the pipeline's status, metrics and register file over
// HTTP, plus a gRPC health service driven by the overload warning.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/daq.pipeline/internal/channel"
	"github.com/banshee-data/daq.pipeline/internal/db"
	"github.com/banshee-data/daq.pipeline/internal/httputil"
	"github.com/banshee-data/daq.pipeline/internal/monitoring"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
	"github.com/banshee-data/daq.pipeline/internal/registers"
	"github.com/banshee-data/daq.pipeline/internal/report"
)

// ANSI escape codes for the access log.
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	defaultLimit = 100
	maxLimit     = 10_000
	maxBodySize  = 64 * 1024
)

// Pipeline is the view of a running pipeline the API needs. *pipeline.Runner
// satisfies it.
type Pipeline interface {
	Status() pipeline.Status
	History() []pipeline.HistoryPoint
	RecentTriggers() []pipeline.TriggerRecord
	Submit(registers.Write) error
	ReadRegister(index int) (uint32, bool)
	RequestReset()
}

var _ Pipeline = (*pipeline.Runner)(nil)

// Options configures optional parts of the Server.
type Options struct {
	// DB enables the persisted history and runs endpoints.
	DB *db.DB
	// RunID selects the run the persisted endpoints read by default.
	RunID string
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

type Server struct {
	p        Pipeline
	db       *db.DB
	runID    string
	gatherer prometheus.Gatherer
}

func NewServer(p Pipeline, opts Options) *Server {
	g := opts.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{p: p, db: opts.DB, runID: opts.RunID, gatherer: g}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status and duration of every request.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/metrics", s.showMetrics)
	mux.HandleFunc("/api/metrics/history", s.showHistory)
	mux.HandleFunc("/api/buffer", s.showBuffer)
	mux.HandleFunc("/api/channels", s.showChannels)
	mux.HandleFunc("/api/registers", s.handleRegisters)
	mux.HandleFunc("/api/triggers", s.showTriggers)
	mux.HandleFunc("/api/report", s.showReport)
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/samples", s.showSamples)
	mux.HandleFunc("/api/reset", s.handleReset)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// AttachAdminRoutes adds the metrics dashboard under /debug/.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("pipeline-chart", "Pipeline metrics history", s.showChart)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.p.Status())
}

// metricsResponse is the monitor snapshot with warnings spelled out.
type metricsResponse struct {
	pipeline.HistoryPoint
	Warnings []string `json:"warnings"`
}

func (s *Server) showMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.p.Status()
	warnings := st.Metrics.Warnings()
	if warnings == nil {
		warnings = []string{}
	}
	httputil.WriteJSONOK(w, metricsResponse{
		HistoryPoint: pipeline.HistoryPoint{Time: time.Now().UTC(), Snapshot: st.Metrics},
		Warnings:     warnings,
	})
}

func (s *Server) showBuffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.p.Status().Buffer)
}

func (s *Server) showChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.p.Status()
	httputil.WriteJSONOK(w, map[string]interface{}{
		"channels":     st.Channels,
		"rr_pointer":   st.Pointer,
		"accumulators": st.Accumulators,
	})
}

// registerView is one register with its name.
type registerView struct {
	registers.Write
	Name string `json:"name"`
}

func (s *Server) handleRegisters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.showRegisters(w, r)
	case http.MethodPost:
		s.writeRegisters(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) showRegisters(w http.ResponseWriter, r *http.Request) {
	if idx := r.URL.Query().Get("index"); idx != "" {
		i, err := strconv.Atoi(idx)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'index' parameter")
			return
		}
		v, ok := s.p.ReadRegister(i)
		if !ok {
			httputil.NotFound(w, fmt.Sprintf("unknown register %d", i))
			return
		}
		httputil.WriteJSONOK(w, registerView{Write: registers.Write{Index: i, Value: v}, Name: registers.Name(i)})
		return
	}
	regs := s.p.Status().Registers
	out := make([]registerView, len(regs))
	for i, reg := range regs {
		out[i] = registerView{Write: reg, Name: registers.Name(reg.Index)}
	}
	httputil.WriteJSONOK(w, out)
}

// writeRegisters accepts one write object or an array of writes. Every write
// is validated before any is queued.
func (s *Server) writeRegisters(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := httputil.DecodeJSON(w, r, &raw, maxBodySize); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	var writes []registers.Write
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &writes); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid register writes: %v", err))
			return
		}
	} else {
		var one registers.Write
		if err := json.Unmarshal(raw, &one); err != nil {
			httputil.BadRequest(w, fmt.Sprintf("invalid register write: %v", err))
			return
		}
		writes = []registers.Write{one}
	}
	if len(writes) == 0 {
		httputil.BadRequest(w, "no register writes")
		return
	}
	for _, wr := range writes {
		if err := registers.Check(wr.Index, wr.Value); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	for i, wr := range writes {
		if err := s.p.Submit(wr); err != nil {
			if errors.Is(err, pipeline.ErrQueueFull) {
				httputil.ServiceUnavailable(w, fmt.Sprintf("%v (%d of %d queued)", err, i, len(writes)))
				return
			}
			httputil.BadRequest(w, err.Error())
			return
		}
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"queued": len(writes)})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.p.RequestReset()
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
}

// usePersisted reports whether the request asked for source=db. It writes
// an error response and returns ok=false when that is not possible.
func (s *Server) usePersisted(w http.ResponseWriter, r *http.Request) (runID string, persisted, ok bool) {
	q := r.URL.Query()
	switch q.Get("source") {
	case "", "memory":
		return "", false, true
	case "db":
	default:
		httputil.BadRequest(w, "Invalid 'source' parameter: use memory or db")
		return "", false, false
	}
	runID, ok = s.resolveRun(w, r)
	return runID, ok, ok
}

// resolveRun picks the run named by the run parameter, else the service's
// own run, else the latest recorded run.
func (s *Server) resolveRun(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.db == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return "", false
	}
	if id := r.URL.Query().Get("run"); id != "" {
		return id, true
	}
	if s.runID != "" {
		return s.runID, true
	}
	id, err := s.db.LatestRunID(r.Context())
	if err != nil {
		httputil.NotFound(w, err.Error())
		return "", false
	}
	return id, true
}

func parseLimit(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("Invalid 'limit' parameter")
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func (s *Server) showTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runID, persisted, ok := s.usePersisted(w, r)
	if !ok {
		return
	}
	var events []pipeline.TriggerRecord
	if persisted {
		events, err = s.db.TriggerEvents(r.Context(), runID, limit)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve trigger events: %v", err))
			return
		}
	} else {
		events = tail(s.p.RecentTriggers(), limit)
	}
	if events == nil {
		events = []pipeline.TriggerRecord{}
	}
	httputil.WriteJSONOK(w, events)
}

// showSamples lists drained samples of a run. Samples are only kept in the
// database, so there is no in-memory source.
func (s *Server) showSamples(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	ch := -1
	if v := r.URL.Query().Get("channel"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n >= channel.NumChannels {
			httputil.BadRequest(w, fmt.Sprintf("Invalid 'channel' parameter: use 0-%d", channel.NumChannels-1))
			return
		}
		ch = n
	}
	runID, ok := s.resolveRun(w, r)
	if !ok {
		return
	}
	samples, err := s.db.Samples(r.Context(), runID, ch, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve samples: %v", err))
		return
	}
	if samples == nil {
		samples = []pipeline.Sample{}
	}
	httputil.WriteJSONOK(w, samples)
}

// history returns the in-memory history, or the persisted history of runID
// when the request selects source=db.
func (s *Server) history(ctx context.Context, w http.ResponseWriter, r *http.Request) (points []pipeline.HistoryPoint, runID string, ok bool) {
	runID, persisted, ok := s.usePersisted(w, r)
	if !ok {
		return nil, "", false
	}
	if !persisted {
		return s.p.History(), "", true
	}

	since := time.Unix(0, 0)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httputil.BadRequest(w, "Invalid 'since' parameter: use RFC3339")
			return nil, "", false
		}
		since = t
	}
	limit := maxLimit
	if r.URL.Query().Get("limit") != "" {
		var err error
		if limit, err = parseLimit(r); err != nil {
			httputil.BadRequest(w, err.Error())
			return nil, "", false
		}
	}
	points, err := s.db.MetricsHistory(ctx, runID, since, limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve history: %v", err))
		return nil, "", false
	}
	return points, runID, true
}

func (s *Server) showHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	points, _, ok := s.history(r.Context(), w, r)
	if !ok {
		return
	}
	if points == nil {
		points = []pipeline.HistoryPoint{}
	}
	httputil.WriteJSONOK(w, points)
}

func (s *Server) showReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	points, runID, ok := s.history(r.Context(), w, r)
	if !ok {
		return
	}
	rep := report.Build(points)
	rep.RunID = runID
	if runID != "" {
		counts, err := s.db.TriggerCounts(r.Context(), runID)
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("Failed to count triggers: %v", err))
			return
		}
		rep.TriggersPerChannel = counts
	} else {
		rep.TriggersPerChannel = make(map[int]int)
		for _, t := range s.p.RecentTriggers() {
			rep.TriggersPerChannel[t.Channel]++
		}
	}
	httputil.WriteJSONOK(w, rep)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.ServiceUnavailable(w, "database disabled")
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	runs, err := s.db.Runs(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("Failed to retrieve runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	points, _, ok := s.history(r.Context(), w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderDashboard(w, points); err != nil {
		http.Error(w, fmt.Sprintf("Failed to render chart: %v", err), http.StatusInternalServerError)
	}
}

func tail[T any](s []T, n int) []T {
	if len(s) > n {
		return s[len(s)-n:]
	}
	return s
}
