// Package report summarises recorded monitor history: distribution
// statistics per metric, warning frequencies, a PNG plot for offline review
// and an HTML dashboard for the debug surface.
package report

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
)

// Summary describes the distribution of one metric.
type Summary struct {
	Name   string  `json:"name"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// Summarize computes a Summary of values. An empty input yields a zero
// Summary with only the name set.
func Summarize(name string, values []float64) Summary {
	s := Summary{Name: name, Count: len(values)}
	if len(values) == 0 {
		return s
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	s.Mean, s.StdDev = stat.MeanStdDev(sorted, nil)
	if math.IsNaN(s.StdDev) {
		s.StdDev = 0
	}
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.P50 = stat.Quantile(0.5, stat.Empirical, sorted, nil)
	s.P95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	return s
}

// Report is the summary of a recorded history.
type Report struct {
	RunID    string        `json:"run_id,omitempty"`
	Points   int           `json:"points"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`

	Metrics []Summary `json:"metrics"`

	// Warnings counts the snapshots on which each flag was asserted.
	Warnings map[string]int `json:"warnings"`
	// TriggersPerChannel is filled by the caller when trigger events are
	// available.
	TriggersPerChannel map[int]int `json:"triggers_per_channel,omitempty"`

	SamplesTotal  uint64 `json:"samples_total"`
	TriggersTotal uint64 `json:"triggers_total"`
	ADCTimeouts   uint64 `json:"adc_timeouts"`
	Overflows     uint64 `json:"overflow_attempts"`
}

// metric extracts one figure from a snapshot.
type metric struct {
	name string
	get  func(perfmon.Snapshot) float64
}

var metrics = []metric{
	{"throughput_sps", func(s perfmon.Snapshot) float64 { return float64(s.ThroughputSPS) }},
	{"avg_latency_ns", func(s perfmon.Snapshot) float64 { return float64(s.AvgLatencyNs) }},
	{"max_latency_ns", func(s perfmon.Snapshot) float64 { return float64(s.MaxLatencyNs) }},
	{"fifo_utilization_pct", func(s perfmon.Snapshot) float64 { return float64(s.FIFOUtilizationPct) }},
	{"instant_fifo_pct", func(s perfmon.Snapshot) float64 { return float64(s.InstantFIFOPct) }},
	{"trigger_rate_ppm", func(s perfmon.Snapshot) float64 { return float64(s.TriggerRatePPM) }},
}

// Build summarises points, which must be in time order.
func Build(points []pipeline.HistoryPoint) Report {
	r := Report{Points: len(points), Warnings: make(map[string]int)}
	if len(points) == 0 {
		for _, m := range metrics {
			r.Metrics = append(r.Metrics, Summary{Name: m.name})
		}
		return r
	}
	r.Start = points[0].Time
	r.End = points[len(points)-1].Time
	r.Duration = r.End.Sub(r.Start)

	values := make([]float64, len(points))
	for _, m := range metrics {
		for i, p := range points {
			values[i] = m.get(p.Snapshot)
		}
		r.Metrics = append(r.Metrics, Summarize(m.name, values))
	}

	for _, p := range points {
		for _, name := range p.Warnings() {
			r.Warnings[name]++
		}
	}

	last := points[len(points)-1].Snapshot
	r.SamplesTotal = last.SamplesTotal
	r.TriggersTotal = last.TriggersTotal
	r.ADCTimeouts = last.ADCTimeouts
	r.Overflows = last.OverflowAttempts
	return r
}

// Metric returns the summary with the given name.
func (r Report) Metric(name string) (Summary, bool) {
	for _, s := range r.Metrics {
		if s.Name == name {
			return s, true
		}
	}
	return Summary{}, false
}

// WriteText writes r as aligned plain-text tables.
func (r Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if r.RunID != "" {
		fmt.Fprintf(tw, "run\t%s\n", r.RunID)
	}
	fmt.Fprintf(tw, "snapshots\t%d\n", r.Points)
	if r.Points > 0 {
		fmt.Fprintf(tw, "window\t%s .. %s (%s)\n",
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339), r.Duration.Round(time.Second))
	}
	fmt.Fprintf(tw, "samples\t%d\n", r.SamplesTotal)
	fmt.Fprintf(tw, "triggers\t%d\n", r.TriggersTotal)
	fmt.Fprintf(tw, "overflow attempts\t%d\n", r.Overflows)
	fmt.Fprintf(tw, "adc timeouts\t%d\n", r.ADCTimeouts)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "metric\tmean\tstddev\tmin\tp50\tp95\tmax")
	for _, s := range r.Metrics {
		fmt.Fprintf(tw, "%s\t%.1f\t%.1f\t%.0f\t%.0f\t%.0f\t%.0f\n",
			s.Name, s.Mean, s.StdDev, s.Min, s.P50, s.P95, s.Max)
	}

	if len(r.Warnings) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "warning\tsnapshots")
		for _, name := range perfmon.WarningNames {
			if n := r.Warnings[name]; n > 0 {
				fmt.Fprintf(tw, "%s\t%d\n", name, n)
			}
		}
	}

	if len(r.TriggersPerChannel) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "channel\ttriggers")
		chans := make([]int, 0, len(r.TriggersPerChannel))
		for ch := range r.TriggersPerChannel {
			chans = append(chans, ch)
		}
		sort.Ints(chans)
		for _, ch := range chans {
			fmt.Fprintf(tw, "%d\t%d\n", ch, r.TriggersPerChannel[ch])
		}
	}
	return tw.Flush()
}
