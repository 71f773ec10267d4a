// Command metrics-report summarises a recorded acquisition run. It reads the
// monitor history either from a SQLite database written by daq or from a
// running daq instance over HTTP, prints a text report and optionally writes
// PNG plots and an HTML dashboard.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/daq.pipeline/internal/db"
	"github.com/banshee-data/daq.pipeline/internal/fsutil"
	"github.com/banshee-data/daq.pipeline/internal/httputil"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
	"github.com/banshee-data/daq.pipeline/internal/report"
)

// Config holds the tool's options.
type Config struct {
	DBPath    string
	RunID     string
	URL       string
	OutputDir string
	HTML      bool
	Limit     int
	Timeout   time.Duration
}

func main() {
	var cfg Config
	flag.StringVar(&cfg.DBPath, "db", "", "SQLite database written by daq")
	flag.StringVar(&cfg.RunID, "run", "", "Run ID (default: latest run)")
	flag.StringVar(&cfg.URL, "url", "", "Base URL of a running daq, e.g. http://localhost:8080")
	flag.StringVar(&cfg.OutputDir, "out", "", "Directory for PNG plots (and dashboard.html with -html)")
	flag.BoolVar(&cfg.HTML, "html", false, "Also write an HTML dashboard to -out")
	flag.IntVar(&cfg.Limit, "limit", 10_000, "Maximum snapshots to read")
	flag.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Timeout for reading the history")
	flag.Parse()

	if err := run(cfg, httputil.NewStandardClient(&http.Client{}), fsutil.OSFileSystem{}, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(cfg Config, client httputil.HTTPClient, fsys fsutil.FileSystem, out io.Writer) error {
	if (cfg.DBPath == "") == (cfg.URL == "") {
		return errors.New("exactly one of -db or -url is required")
	}
	if cfg.HTML && cfg.OutputDir == "" {
		return errors.New("-html requires -out")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	var (
		points []pipeline.HistoryPoint
		rep    report.Report
		err    error
	)
	if cfg.DBPath != "" {
		points, rep, err = fromDB(ctx, cfg)
	} else {
		points, rep, err = fromHTTP(ctx, cfg, client)
	}
	if err != nil {
		return err
	}

	if err := rep.WriteText(out); err != nil {
		return err
	}

	if cfg.OutputDir == "" {
		return nil
	}
	if err := fsys.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return err
	}
	throughput := filepath.Join(cfg.OutputDir, "throughput.png")
	utilisation := filepath.Join(cfg.OutputDir, "utilisation.png")
	tw, err := fsys.Create(throughput)
	if err != nil {
		return err
	}
	defer tw.Close()
	uw, err := fsys.Create(utilisation)
	if err != nil {
		return err
	}
	defer uw.Close()
	if err := report.PlotHistory(points, tw, uw); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := uw.Close(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\nwrote %s\nwrote %s\n", throughput, utilisation)

	if cfg.HTML {
		path := filepath.Join(cfg.OutputDir, "dashboard.html")
		if err := writeFile(fsys, path, func(w io.Writer) error {
			return report.RenderDashboard(w, points)
		}); err != nil {
			return err
		}
		fmt.Fprintf(out, "wrote %s\n", path)
	}
	return nil
}

func writeFile(fsys fsutil.FileSystem, path string, write func(io.Writer) error) error {
	f, err := fsys.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func fromDB(ctx context.Context, cfg Config) ([]pipeline.HistoryPoint, report.Report, error) {
	d, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, report.Report{}, err
	}
	defer d.Close()

	runID := cfg.RunID
	if runID == "" {
		if runID, err = d.LatestRunID(ctx); err != nil {
			return nil, report.Report{}, err
		}
	}
	points, err := d.MetricsHistory(ctx, runID, time.Unix(0, 0), cfg.Limit)
	if err != nil {
		return nil, report.Report{}, err
	}
	rep := report.Build(points)
	rep.RunID = runID
	if rep.TriggersPerChannel, err = d.TriggerCounts(ctx, runID); err != nil {
		return nil, report.Report{}, err
	}
	return points, rep, nil
}

func fromHTTP(ctx context.Context, cfg Config, client httputil.HTTPClient) ([]pipeline.HistoryPoint, report.Report, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, report.Report{}, fmt.Errorf("invalid -url: %w", err)
	}
	q := url.Values{}
	if cfg.RunID != "" {
		q.Set("source", "db")
		q.Set("run", cfg.RunID)
	}

	historyURL := base.JoinPath("/api/metrics/history")
	hq := url.Values{}
	for k, v := range q {
		hq[k] = v
	}
	if cfg.RunID != "" {
		hq.Set("limit", fmt.Sprint(cfg.Limit))
	}
	historyURL.RawQuery = hq.Encode()

	var points []pipeline.HistoryPoint
	if err := httputil.GetJSON(ctx, client, historyURL.String(), &points); err != nil {
		return nil, report.Report{}, err
	}

	reportURL := base.JoinPath("/api/report")
	reportURL.RawQuery = q.Encode()
	var rep report.Report
	if err := httputil.GetJSON(ctx, client, reportURL.String(), &rep); err != nil {
		return nil, report.Report{}, err
	}
	return points, rep, nil
}
