package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/quizapp/orchestrator/transport"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DefaultReportInterval is how often GRPCReporter refreshes its status.
const DefaultReportInterval = 10 * time.Second

// GRPCReporter mirrors a Registry into a grpc.health.v1 server. The empty
// service name and the registry's service name carry the same status.
type GRPCReporter struct {
	registry *Registry
	server   *grpchealth.Server
	interval time.Duration
	logger   *slog.Logger
}

// NewGRPCReporter creates a reporter that refreshes every interval.
func NewGRPCReporter(registry *Registry, interval time.Duration) *GRPCReporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &GRPCReporter{
		registry: registry,
		server:   grpchealth.NewServer(),
		interval: interval,
		logger:   transport.Logger("health>grpc"),
	}
}

// Register adds the health service to s.
func (g *GRPCReporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, g.server)
}

// Update runs the registry checks once and publishes the result.
func (g *GRPCReporter) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	report := g.registry.Check(ctx)
	status := healthpb.HealthCheckResponse_SERVING
	if report.Status == transport.HealthStatusUnhealthy {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		g.logger.Warn("service not serving", "reason", report.Message)
	}
	g.server.SetServingStatus("", status)
	g.server.SetServingStatus(g.registry.Service(), status)
	return status
}

// Run updates immediately and then every interval until ctx ends, after
// which every service reports NOT_SERVING.
func (g *GRPCReporter) Run(ctx context.Context) {
	g.Update(ctx)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			g.server.Shutdown()
			return
		case <-ticker.C:
			g.Update(ctx)
		}
	}
}
