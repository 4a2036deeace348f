package healthcheck

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// InferenceService is the health service name reported for the remote
// inference dependency. The empty name reports overall status.
const InferenceService = "miniminds.inference"

// Pinger probes a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor periodically probes the inference service and publishes the
// result on a gRPC health server.
type Monitor struct {
	pinger   Pinger
	server   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// NewMonitor creates a monitor. Both services start as NOT_SERVING until the
// first probe succeeds.
func NewMonitor(pinger Pinger, server *health.Server, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		pinger:   pinger,
		server:   server,
		interval: interval,
		timeout:  5 * time.Second,
		logger:   logger.Named("healthcheck"),
		last:     healthpb.HealthCheckResponse_UNKNOWN,
	}
	m.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Probe pings once and updates the published status.
func (m *Monitor) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := m.pinger.Ping(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		m.logger.Warn("inference service unreachable", zap.Error(err))
	}
	m.set(status)
	return status
}

// Run probes immediately and then on every interval until ctx is done,
// at which point the server is shut down.
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

func (m *Monitor) set(status healthpb.HealthCheckResponse_ServingStatus) {
	m.mu.Lock()
	changed := m.last != status
	m.last = status
	m.mu.Unlock()

	m.server.SetServingStatus(InferenceService, status)
	m.server.SetServingStatus("", status)
	if changed {
		m.logger.Info("health status changed", zap.String("status", status.String()))
	}
}
