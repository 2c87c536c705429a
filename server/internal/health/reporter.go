// Package health publishes telemetry reachability through the standard gRPC
// health service. The refresh scheduler reports after every cycle.
package health

import (
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TelemetryService is the health service name that tracks the metrics provider.
const TelemetryService = "kwranking.telemetry"

// Reporter maps refresh outcomes onto gRPC serving statuses.
type Reporter struct {
	srv *health.Server

	mu      sync.Mutex
	serving bool
	known   bool
}

// NewReporter returns a Reporter whose overall status is SERVING and whose
// telemetry status is UNKNOWN until the first report.
func NewReporter() *Reporter {
	srv := health.NewServer()
	srv.SetServingStatus(TelemetryService, healthpb.HealthCheckResponse_UNKNOWN)
	return &Reporter{srv: srv}
}

// Register attaches the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// Server returns the underlying health server.
func (r *Reporter) Server() healthpb.HealthServer { return r.srv }

// ReportTelemetry records whether the last cycle could acquire the provider.
// Transitions are logged; repeated reports of the same state are not.
func (r *Reporter) ReportTelemetry(ok bool) {
	r.mu.Lock()
	changed := !r.known || r.serving != ok
	r.serving, r.known = ok, true
	r.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(TelemetryService, status)
	if changed {
		slog.Info("health: telemetry status", "status", status.String())
	}
}

// Shutdown marks every service NOT_SERVING.
func (r *Reporter) Shutdown() { r.srv.Shutdown() }
