package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/daq.pipeline/internal/pipeline"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("no history to plot")

var (
	throughputColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	utilisationColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	instantColor     = color.RGBA{R: 44, G: 160, B: 44, A: 255}
	latencyColor     = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// PlotHistory writes two PNGs for points: throughput and latency against
// elapsed seconds to throughput, and buffer utilisation to utilisation.
func PlotHistory(points []pipeline.HistoryPoint, throughput, utilisation io.Writer) error {
	if len(points) == 0 {
		return ErrNoData
	}
	start := points[0].Time

	rate := make(plotter.XYs, 0, len(points))
	latency := make(plotter.XYs, 0, len(points))
	util := make(plotter.XYs, 0, len(points))
	instant := make(plotter.XYs, 0, len(points))
	for _, p := range points {
		x := p.Time.Sub(start).Seconds()
		rate = append(rate, plotter.XY{X: x, Y: float64(p.ThroughputSPS)})
		latency = append(latency, plotter.XY{X: x, Y: float64(p.AvgLatencyNs) / 1e3})
		util = append(util, plotter.XY{X: x, Y: float64(p.FIFOUtilizationPct)})
		instant = append(instant, plotter.XY{X: x, Y: float64(p.InstantFIFOPct)})
	}

	pRate := plot.New()
	pRate.Title.Text = "Throughput and latency"
	pRate.X.Label.Text = "Elapsed (s)"
	pRate.Y.Label.Text = "samples/s | latency (us)"
	if err := addLine(pRate, "throughput (sps)", rate, throughputColor); err != nil {
		return err
	}
	if err := addLine(pRate, "avg latency (us)", latency, latencyColor); err != nil {
		return err
	}

	pUtil := plot.New()
	pUtil.Title.Text = "Buffer utilisation"
	pUtil.X.Label.Text = "Elapsed (s)"
	pUtil.Y.Label.Text = "%"
	pUtil.Y.Min = 0
	pUtil.Y.Max = 100
	if err := addLine(pUtil, "running average", util, utilisationColor); err != nil {
		return err
	}
	if err := addLine(pUtil, "instantaneous", instant, instantColor); err != nil {
		return err
	}

	for _, p := range []*plot.Plot{pRate, pUtil} {
		p.Legend.Top = true
		p.Legend.Left = false
		p.Legend.XOffs = -10
		p.Legend.YOffs = -10
	}

	if err := writePNG(pRate, throughput); err != nil {
		return fmt.Errorf("failed to write throughput plot: %w", err)
	}
	if err := writePNG(pUtil, utilisation); err != nil {
		return fmt.Errorf("failed to write utilisation plot: %w", err)
	}
	return nil
}

func writePNG(p *plot.Plot, w io.Writer) error {
	wt, err := p.WriterTo(12*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

func addLine(p *plot.Plot, name string, pts plotter.XYs, c color.Color) error {
	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	line.Color = c
	line.Width = vg.Points(1)
	p.Add(line)
	p.Legend.Add(name, line)
	return nil
}
