package perfmon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports monitor snapshots as Prometheus gauges.
type Metrics struct {
	Throughput     prometheus.Gauge
	AvgLatency     prometheus.Gauge
	MaxLatency     prometheus.Gauge
	FIFOUtil       prometheus.Gauge
	FIFOCount      prometheus.Gauge
	TriggerRate    prometheus.Gauge
	SamplesTotal   prometheus.Gauge
	TriggersTotal  prometheus.Gauge
	Warnings       *prometheus.GaugeVec
	WarningsRaised *prometheus.CounterVec

	prevFlags uint8
}

// NewMetrics registers the pipeline gauges with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Throughput: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_throughput_samples_per_second",
			Help: "Samples accepted in the last full one-second window",
		}),
		AvgLatency: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_latency_avg_nanoseconds",
			Help: "Average push-to-pop latency across all channels",
		}),
		MaxLatency: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_latency_max_nanoseconds",
			Help: "Largest push-to-pop latency seen on any channel",
		}),
		FIFOUtil: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_fifo_utilization_percent",
			Help: "Running average buffer utilisation",
		}),
		FIFOCount: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_fifo_instant_percent",
			Help: "Buffer utilisation at the last cycle",
		}),
		TriggerRate: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_trigger_rate_ppm",
			Help: "Triggers per million samples",
		}),
		SamplesTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_samples",
			Help: "Samples accepted since the last reset",
		}),
		TriggersTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "daq_triggers",
			Help: "Triggers raised since the last reset",
		}),
		Warnings: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "daq_warning_active",
			Help: "1 while the named warning flag is asserted",
		}, []string{"warning"}),
		WarningsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Name: "daq_warnings_raised_total",
			Help: "Number of observed transitions of a warning flag to asserted",
		}, []string{"warning"}),
	}
}

// Observe copies s into the gauges.
func (m *Metrics) Observe(s Snapshot) {
	m.Throughput.Set(float64(s.ThroughputSPS))
	m.AvgLatency.Set(float64(s.AvgLatencyNs))
	m.MaxLatency.Set(float64(s.MaxLatencyNs))
	m.FIFOUtil.Set(float64(s.FIFOUtilizationPct))
	m.FIFOCount.Set(float64(s.InstantFIFOPct))
	m.TriggerRate.Set(float64(s.TriggerRatePPM))
	m.SamplesTotal.Set(float64(s.SamplesTotal))
	m.TriggersTotal.Set(float64(s.TriggersTotal))

	for i, name := range WarningNames {
		bit := uint8(1) << i
		active := s.WarningFlags&bit != 0
		v := 0.0
		if active {
			v = 1
		}
		m.Warnings.WithLabelValues(name).Set(v)
		if active && m.prevFlags&bit == 0 {
			m.WarningsRaised.WithLabelValues(name).Inc()
		}
	}
	m.prevFlags = s.WarningFlags
}
