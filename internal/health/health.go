// ============================================================================
// Peer-Broker Health Service - gRPC health checking bound to host status
// ============================================================================
//
// Package: internal/health
// File: health.go
// Purpose: Exposes the standard grpc.health.v1 service so orchestrators can
//          probe the broker without speaking the broker wire protocol
//
// Status Mapping:
//   HostUnknown (-1), HostZombie (0)   → NOT_SERVING
//   HostMaster, HostIdle, HostBusy     → SERVING
//
// Update Flow:
//   Run(ctx) polls the status source every PollInterval and pushes changes
//   into the health server. Watch streams see every transition.
//   When ctx ends, every service is marked NOT_SERVING.
//
// ============================================================================

package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.uber.org/atomic"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ChuLiYu/peer-broker/pkg/types"
)

// ServiceName is the service name clients pass in HealthCheckRequest
const ServiceName = "peer-broker"

// DefaultPollInterval is used when Config.PollInterval is zero
const DefaultPollInterval = time.Second

// StatusSource reports the local host status
type StatusSource interface {
	HostStatus() types.HostStatus
}

// Server serves grpc.health.v1 for the broker
type Server struct {
	grpc     *grpc.Server
	health   *grpchealth.Server
	source   StatusSource
	interval time.Duration
	logger   *slog.Logger

	last *atomic.Int64
}

// NewServer creates a health server following source. The initial status is
// NOT_SERVING until the first Sync.
func NewServer(source StatusSource, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.With("component", "health")
	}

	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpc:     gs,
		health:   hs,
		source:   source,
		interval: interval,
		logger:   logger,
		last:     atomic.NewInt64(int64(types.HostUnknown)),
	}
}

// ServingStatus maps a host status onto the health protocol
func ServingStatus(s types.HostStatus) healthpb.HealthCheckResponse_ServingStatus {
	switch s {
	case types.HostMaster, types.HostIdle, types.HostBusy:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// Sync reads the source once and publishes its status
func (s *Server) Sync() types.HostStatus {
	status := s.source.HostStatus()
	serving := ServingStatus(status)
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(ServiceName, serving)

	if prev := types.HostStatus(s.last.Swap(int64(status))); prev != status {
		s.logger.Info("host status changed", "from", prev, "to", status, "serving", serving)
	}
	return status
}

// Run syncs immediately and then on every tick until ctx is done
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sync()
	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// Serve accepts health RPCs on lis until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("health service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the gRPC server
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
