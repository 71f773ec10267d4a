// Command daq runs the acquisition pipeline against the simulated ADC,
// serving its status over HTTP, gRPC health and an optional serial host link.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/daq.pipeline/internal/api"
	"github.com/banshee-data/daq.pipeline/internal/config"
	"github.com/banshee-data/daq.pipeline/internal/db"
	"github.com/banshee-data/daq.pipeline/internal/device"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
	"github.com/banshee-data/daq.pipeline/internal/serialmux"
	"github.com/banshee-data/daq.pipeline/internal/version"
)

var (
	listen         = flag.String("listen", "", "HTTP listen address (overrides DAQ_LISTEN)")
	grpcListen     = flag.String("grpc-listen", "", "gRPC health listen address; \"off\" disables it")
	port           = flag.String("port", "", "Serial port for the host link; \"mock\" replays a demo script")
	baudRate       = flag.Int("baud", 0, "Serial baud rate")
	dbPath         = flag.String("db-path", "", "SQLite database path")
	disableDB      = flag.Bool("disable-db", false, "Run without persisting samples")
	pipelineConfig = flag.String("config", "", "Pipeline config JSON (default "+config.DefaultConfigPath+")")
	devMode        = flag.Bool("dev", false, "Run in dev mode with the mock host link")
)

// mockHostScript is replayed by the "mock" host link.
var mockHostScript = []string{
	"# demo host",
	"S",
	"R 2",
	"W 2 1",
	"D",
	"S",
	"W 2 0",
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "migrate":
			if err := runMigrate(os.Args[2:], os.Stdout); err != nil {
				log.Fatalf("migrate: %v", err)
			}
			return
		case "version":
			fmt.Println(version.String())
			return
		case "ports":
			if err := listPorts(serialmux.ListPorts, os.Stdout); err != nil {
				log.Fatalf("ports: %v", err)
			}
			return
		}
	}
	flag.Parse()

	cfg, err := config.LoadServiceConfig()
	if err != nil {
		log.Fatal(err)
	}
	applyFlags(cfg)

	pcfg, err := loadPipelineConfig(cfg.PipelineConfig)
	if err != nil {
		log.Fatalf("failed to load pipeline config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, pcfg); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// applyFlags overrides environment settings with any flags that were set.
func applyFlags(cfg *config.ServiceConfig) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			cfg.Listen = *listen
		case "grpc-listen":
			cfg.GRPCListen = *grpcListen
		case "port":
			cfg.SerialPort = *port
		case "baud":
			cfg.BaudRate = *baudRate
		case "db-path":
			cfg.DBPath = *dbPath
		case "disable-db":
			cfg.DisableDB = *disableDB
		case "config":
			cfg.PipelineConfig = *pipelineConfig
		case "dev":
			cfg.DevMode = *devMode
		}
	})
	if cfg.DevMode && cfg.SerialPort == "" {
		cfg.SerialPort = "mock"
	}
}

func loadPipelineConfig(path string) (*config.PipelineConfig, error) {
	if path == "" {
		path = config.DefaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			log.Printf("%s not found, using built-in defaults", path)
			return config.EmptyPipelineConfig(), nil
		}
	}
	pcfg, err := config.LoadPipelineConfig(path)
	if err != nil {
		return nil, err
	}
	log.Printf("loaded pipeline config %s", path)
	return pcfg, nil
}

func runMigrate(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	path := fs.String("db-path", "", "SQLite database path (default DAQ_DB_PATH)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		cfg, err := config.LoadServiceConfig()
		if err != nil {
			return err
		}
		*path = cfg.DBPath
	}
	return db.RunMigrateCommand(fs.Args(), *path, out)
}

// listPorts prints the serial ports available for -port, one per line.
func listPorts(list func() ([]string, error), out io.Writer) error {
	ports, err := list()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(out, "no serial ports found")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintln(out, p)
	}
	return nil
}

// newHostLink opens the serial host link described by cfg.
func newHostLink(cfg *config.ServiceConfig) (serialmux.SerialMuxInterface, error) {
	switch cfg.SerialPort {
	case "":
		return serialmux.NewDisabledSerialMux(), nil
	case "mock":
		m := serialmux.NewMockSerialMux(mockHostScript, time.Second)
		m.SetBanner(version.String())
		return m, nil
	default:
		m, err := serialmux.NewRealSerialMux(cfg.SerialPort, serialmux.PortOptions{BaudRate: cfg.BaudRate, Framing: cfg.SerialFraming})
		if err != nil {
			return nil, err
		}
		m.SetBanner(version.String())
		return m, nil
	}
}

// newRunner builds the simulated device, controller and runner for pcfg and
// queues the initial register writes.
func newRunner(pcfg *config.PipelineConfig, sink pipeline.Sink, metrics *perfmon.Metrics) (*pipeline.Runner, error) {
	if err := pcfg.Validate(); err != nil {
		return nil, err
	}
	dev := device.New(pcfg.GetDevice())
	ctrl := pipeline.NewController(dev, pipeline.Options{
		ClockHz: pcfg.GetClockHz(),
		Limits:  pcfg.GetLimits(),
	})
	cfg := pipeline.RunnerConfig{
		Controller:    ctrl,
		Source:        dev,
		Metrics:       metrics,
		TickInterval:  pcfg.GetTickInterval(),
		CyclesPerTick: pcfg.GetCyclesPerTick(),
		DrainEvery:    pcfg.GetDrainEvery(),
		SnapshotEvery: pcfg.GetSnapshotEvery(),
		HistorySize:   pcfg.GetHistorySize(),
		QueueSize:     pcfg.GetWriteQueueSize(),
	}
	if sink != nil {
		cfg.Sink = sink
	}
	r := pipeline.NewRunner(cfg)
	for _, w := range pcfg.GetInitialRegisters() {
		if err := r.Submit(w); err != nil {
			return nil, fmt.Errorf("initial register %s: %w", w, err)
		}
	}
	return r, nil
}

func run(ctx context.Context, cfg *config.ServiceConfig, pcfg *config.PipelineConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := perfmon.NewMetrics(reg)

	var (
		database *db.DB
		recorder *db.Recorder
		runID    string
	)
	if !cfg.DisableDB {
		var err error
		database, err = db.NewDB(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		source := "sim"
		if cfg.SerialPort != "" {
			source = "sim+host:" + cfg.SerialPort
		}
		runID, err = database.StartRun(ctx, db.RunInfo{ClockHz: pcfg.GetClockHz(), Source: source, Config: pcfg}, time.Now())
		if err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
		recorder = database.Recorder(runID)
		log.Printf("recording run %s to %s", runID, cfg.DBPath)
	}

	var sink pipeline.Sink
	if recorder != nil {
		sink = recorder
	}
	runner, err := newRunner(pcfg, sink, metrics)
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}

	health := api.NewHealthReporter()
	runner.Observe(health.Observe)
	if cfg.GRPCListen != "" && cfg.GRPCListen != "off" {
		if err := health.Start(cfg.GRPCListen); err != nil {
			return fmt.Errorf("failed to start health server: %w", err)
		}
	}
	defer health.Stop()

	hostLink, err := newHostLink(cfg)
	if err != nil {
		return fmt.Errorf("failed to open host link: %w", err)
	}
	defer hostLink.Close()
	if err := hostLink.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize host link: %w", err)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			log.Printf("pipeline runner error: %v", err)
		}
		log.Print("pipeline routine terminated")
	}()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hostLink.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := serialmux.Serve(ctx, hostLink, runner); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("host link error: %v", err)
		}
		log.Print("host link routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		srv := api.NewServer(runner, api.Options{DB: database, RunID: runID, Gatherer: reg})
		mux := srv.ServeMux()
		srv.AttachAdminRoutes(mux)
		hostLink.AttachAdminRoutes(mux)
		if database != nil {
			database.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           api.LoggingMiddleware(mux),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("HTTP server listening on %s", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if database != nil {
		if err := database.FinishRun(context.Background(), runID, time.Now()); err != nil {
			log.Printf("failed to finish run %s: %v", runID, err)
		}
	}
	return nil
}
