// Package health provides liveness and readiness surfaces for the broker:
// HTTP endpoints for ingress probes and a standard gRPC health service for
// infrastructure that checks over gRPC.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/jimpames/RENTAHAL-FOUNDATION/internal/store"
)

// HealthCheck manages liveness and readiness state. Readiness reflects
// shard store connectivity, refreshed on a fixed cadence.
type HealthCheck struct {
	stores *store.Set
	logger *zap.Logger

	mu        sync.RWMutex
	ready     bool
	lastError string

	grpcServer  *grpc.Server
	grpcHealth  *grpchealth.Server
	checkPeriod time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewHealthCheck creates a HealthCheck and starts its background store probe.
func NewHealthCheck(stores *store.Set, logger *zap.Logger) *HealthCheck {
	hc := &HealthCheck{
		stores:      stores,
		logger:      logger,
		checkPeriod: 5 * time.Second,
		stopCh:      make(chan struct{}),
		grpcHealth:  grpchealth.NewServer(),
	}
	hc.refresh()
	go hc.loop()
	return hc
}

func (hc *HealthCheck) loop() {
	ticker := time.NewTicker(hc.checkPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-hc.stopCh:
			return
		case <-ticker.C:
			hc.refresh()
		}
	}
}

func (hc *HealthCheck) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := hc.stores.Ping(ctx)

	hc.mu.Lock()
	wasReady := hc.ready
	hc.ready = err == nil
	if err != nil {
		hc.lastError = err.Error()
	} else {
		hc.lastError = ""
	}
	hc.mu.Unlock()

	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	hc.grpcHealth.SetServingStatus("", status)

	if wasReady && err != nil {
		hc.logger.Warn("Readiness check failed", zap.Error(err))
	} else if !wasReady && err == nil {
		hc.logger.Info("Readiness check recovered")
	}
}

// LivenessHandler handles GET /health. It returns 200 while the process runs.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// readinessResponse is the body of GET /ready.
type readinessResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// ReadinessHandler handles GET /ready. It returns 200 only while every
// shard store answers pings.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	hc.mu.RLock()
	ready := hc.ready
	lastError := hc.lastError
	hc.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(readinessResponse{Status: "ready"})
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(readinessResponse{Status: "not_ready", Error: lastError})
}

// ServeGRPC starts the standard gRPC health service on the given port and
// blocks until the listener fails or Stop is called.
func (hc *HealthCheck) ServeGRPC(port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on grpc health port %d: %w", port, err)
	}

	hc.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(hc.grpcServer, hc.grpcHealth)

	hc.logger.Info("gRPC health service listening", zap.Int("port", port))
	return hc.grpcServer.Serve(lis)
}

// Stop halts the background probe and the gRPC health service.
func (hc *HealthCheck) Stop() {
	hc.stopOnce.Do(func() {
		close(hc.stopCh)
		if hc.grpcServer != nil {
			hc.grpcServer.GracefulStop()
		}
	})
}
