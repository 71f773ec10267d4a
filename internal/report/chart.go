package report

import (
	"fmt"
	"io"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/daq.pipeline/internal/pipeline"
)

// RenderDashboard writes an HTML page of line charts over points.
func RenderDashboard(w io.Writer, points []pipeline.HistoryPoint) error {
	x := make([]string, len(points))
	var (
		throughput = make([]opts.LineData, len(points))
		latency    = make([]opts.LineData, len(points))
		util       = make([]opts.LineData, len(points))
		instant    = make([]opts.LineData, len(points))
		rate       = make([]opts.LineData, len(points))
		warnings   = make([]opts.LineData, len(points))
	)
	for i, p := range points {
		x[i] = p.Time.Format("15:04:05")
		throughput[i] = opts.LineData{Value: p.ThroughputSPS}
		latency[i] = opts.LineData{Value: float64(p.AvgLatencyNs) / 1e3}
		util[i] = opts.LineData{Value: p.FIFOUtilizationPct}
		instant[i] = opts.LineData{Value: p.InstantFIFOPct}
		rate[i] = opts.LineData{Value: p.TriggerRatePPM}
		warnings[i] = opts.LineData{Value: len(p.Warnings())}
	}

	subtitle := fmt.Sprintf("%d snapshots", len(points))
	if len(points) > 0 {
		subtitle += " ending " + points[len(points)-1].Time.Format(time.RFC3339)
	}

	rates := newLine("Throughput", subtitle)
	rates.SetXAxis(x).
		AddSeries("samples/s", throughput).
		AddSeries("avg latency (us)", latency)

	buffer := newLine("Buffer utilisation (%)", subtitle)
	buffer.SetGlobalOptions(charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 100}))
	buffer.SetXAxis(x).
		AddSeries("running average", util).
		AddSeries("instantaneous", instant)

	triggers := newLine("Trigger rate and warnings", subtitle)
	triggers.SetXAxis(x).
		AddSeries("trigger ppm", rate).
		AddSeries("warnings asserted", warnings, charts.WithLineChartOpts(opts.LineChart{Step: "end"}))

	page := components.NewPage()
	page.PageTitle = "DAQ pipeline"
	page.AddCharts(rates, buffer, triggers)
	return page.Render(w)
}

func newLine(title, subtitle string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	return line
}
