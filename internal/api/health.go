package api

import (
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/daq.pipeline/internal/monitoring"
	"github.com/banshee-data/daq.pipeline/internal/perfmon"
	"github.com/banshee-data/daq.pipeline/internal/pipeline"
)

// HealthService is the service name reported by the gRPC health server.
const HealthService = "daq.pipeline.Acquisition"

var healthLog = monitoring.Component("Health")

// HealthReporter exposes the standard gRPC health protocol. The acquisition
// service is NOT_SERVING while the system is disabled or the overload
// warning is asserted.
type HealthReporter struct {
	*health.Server

	mu       sync.Mutex
	last     healthpb.HealthCheckResponse_ServingStatus
	server   *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

func NewHealthReporter() *HealthReporter {
	h := &HealthReporter{Server: health.NewServer()}
	h.Server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.Server.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	h.last = healthpb.HealthCheckResponse_NOT_SERVING
	return h
}

// Observe updates the serving status from a published pipeline status. It
// is meant to be registered with Runner.Observe.
func (h *HealthReporter) Observe(st pipeline.Status) {
	status := healthpb.HealthCheckResponse_SERVING
	if !st.Enabled || st.Metrics.WarningFlags&perfmon.WarnOverload != 0 {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.mu.Lock()
	changed := status != h.last
	h.last = status
	h.mu.Unlock()
	if !changed {
		return
	}
	healthLog("%s now %s (cycle %d, warnings %v)", HealthService, status, st.Cycle, st.Warnings)
	h.Server.SetServingStatus(HealthService, status)
}

// Start serves the health service on addr in the background.
func (h *HealthReporter) Start(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.server != nil {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis
	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.Server)

	srv := h.server
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		healthLog("gRPC health server listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			healthLog("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (h *HealthReporter) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (h *HealthReporter) Stop() {
	h.Server.Shutdown()

	h.mu.Lock()
	srv := h.server
	h.server = nil
	h.listener = nil
	h.mu.Unlock()
	if srv == nil {
		return
	}
	srv.GracefulStop()
	h.wg.Wait()
	healthLog("gRPC health server stopped")
}
