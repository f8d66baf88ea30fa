package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/events"
	"github.com/voxlabs/voxstack/internal/middleware"
	"github.com/voxlabs/voxstack/internal/probe"
	"github.com/voxlabs/voxstack/internal/runtime"
)

// Server is the routing tier: one stable listener per routed service plus
// an admin listener. It owns the route table; scale events from the admin
// API, the event stream, or a config reload all land in Scale.
type Server struct {
	cfg        *config.Config
	engine     runtime.Engine
	table      *RouteTable
	prober     *probe.Prober
	checker    *HealthChecker
	subscriber *events.Subscriber
	logger     *zap.Logger

	// scaleMu serializes scale operations across the admin API, the
	// event stream and config reloads: engine sweeps must not
	// interleave, and spec.Replicas is read and written under it.
	scaleMu sync.Mutex

	servers []*http.Server
}

func NewServer(cfg *config.Config, engine runtime.Engine, prober *probe.Prober, logger *zap.Logger) *Server {
	hc := cfg.Gateway.HealthCheck
	table := NewRouteTable(hc.FailureThreshold, hc.RecoveryTimeout)

	s := &Server{
		cfg:    cfg,
		engine: engine,
		table:  table,
		prober: prober,
		logger: logger,
	}
	if hc.Enabled {
		s.checker = NewHealthChecker(table, cfg.RoutedServices(), prober, hc, logger)
	}
	return s
}

// SetSubscriber makes the server apply scale events from the event stream.
func (s *Server) SetSubscriber(sub *events.Subscriber) {
	s.subscriber = sub
}

// Table exposes the route table for reports and tests.
func (s *Server) Table() *RouteTable {
	return s.table
}

// Run populates the table from the running stack, starts every listener
// and blocks until ctx is cancelled, then drains with the configured
// shutdown grace.
func (s *Server) Run(ctx context.Context) error {
	if err := s.refreshTable(ctx); err != nil {
		return err
	}

	for _, svc := range s.cfg.RoutedServices() {
		handler := middleware.Logger(s.logger)(newProxy(svc.Name, s.table, s.cfg.Gateway.RetryBodyLimit, s.logger))
		s.servers = append(s.servers, &http.Server{
			Addr:         fmt.Sprintf(":%d", svc.GatewayPort),
			Handler:      handler,
			ReadTimeout:  s.cfg.Gateway.ReadTimeout,
			WriteTimeout: s.cfg.Gateway.WriteTimeout,
			IdleTimeout:  s.cfg.Gateway.IdleTimeout,
		})
		s.logger.Info("Routing service",
			zap.String("service", svc.Name),
			zap.Int("port", svc.GatewayPort),
			zap.Int("backends", len(s.table.Backends(svc.Name))))
	}

	s.servers = append(s.servers, &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Gateway.AdminPort),
		Handler:      s.adminRouter(),
		ReadTimeout:  s.cfg.Gateway.ReadTimeout,
		WriteTimeout: s.cfg.Gateway.WriteTimeout,
		IdleTimeout:  s.cfg.Gateway.IdleTimeout,
	})

	errCh := make(chan error, len(s.servers))
	for _, srv := range s.servers {
		go func(srv *http.Server) {
			s.logger.Info("Gateway listener starting", zap.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listener %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	if s.checker != nil {
		go s.checker.Start(ctx)
	}
	if s.subscriber != nil {
		go s.consumeEvents(ctx)
	}

	select {
	case err := <-errCh:
		s.shutdown()
		return err
	case <-ctx.Done():
		s.shutdown()
		return nil
	}
}

// Scale errors the admin API distinguishes: bad requests versus engine
// failures.
var (
	ErrUnknownService  = errors.New("unknown service")
	ErrInvalidReplicas = errors.New("replicas must be at least 1")
)

// Scale brings a service to the requested replica count and swaps its
// route-table entry in one step. In-flight requests on removed replicas
// drain from the old snapshot.
func (s *Server) Scale(ctx context.Context, service string, replicas int) ([]runtime.Backend, error) {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()
	return s.scaleLocked(ctx, service, replicas)
}

func (s *Server) scaleLocked(ctx context.Context, service string, replicas int) ([]runtime.Backend, error) {
	spec := s.cfg.Service(service)
	if spec == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	if replicas < 1 {
		return nil, fmt.Errorf("service %q: %w", service, ErrInvalidReplicas)
	}

	backends, err := s.engine.Scale(ctx, *spec, replicas)
	if err != nil {
		return nil, fmt.Errorf("scaling %s to %d replicas: %w", service, replicas, err)
	}
	spec.Replicas = replicas

	if spec.GatewayPort > 0 {
		s.table.Swap(service, backends)
	}

	s.logger.Info("Service scaled",
		zap.String("service", service),
		zap.Int("replicas", replicas))
	return backends, nil
}

// ApplyReplicaCounts reconciles a reloaded config against the live table,
// scaling services whose replica count changed. Other config edits need a
// restart; replica counts are the operator's routine knob.
func (s *Server) ApplyReplicaCounts(ctx context.Context, next *config.Config) {
	s.scaleMu.Lock()
	defer s.scaleMu.Unlock()

	for _, svc := range next.Services {
		current := s.cfg.Service(svc.Name)
		if current == nil || current.Replicas == svc.Replicas {
			continue
		}
		if _, err := s.scaleLocked(ctx, svc.Name, svc.Replicas); err != nil {
			s.logger.Warn("Config reload scale failed",
				zap.String("service", svc.Name), zap.Error(err))
		}
	}
}

func (s *Server) refreshTable(ctx context.Context) error {
	for _, svc := range s.cfg.RoutedServices() {
		backends, err := s.engine.ListBackends(ctx, svc)
		if err != nil {
			return fmt.Errorf("listing %s backends: %w", svc.Name, err)
		}
		s.table.Swap(svc.Name, backends)
	}
	return nil
}

func (s *Server) consumeEvents(ctx context.Context) {
	err := s.subscriber.Run(ctx, func(event events.Event) {
		replicas, ok := event.ScaleReplicas()
		if !ok {
			return
		}
		if _, err := s.Scale(ctx, event.Service, replicas); err != nil {
			s.logger.Warn("Scale event failed",
				zap.String("service", event.Service), zap.Error(err))
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("Event subscription ended", zap.Error(err))
	}
}

func (s *Server) shutdown() {
	s.logger.Info("Shutting down gateway...")
	if s.checker != nil {
		s.checker.Stop()
	}

	grace := s.cfg.Gateway.GracefulShutdown
	if grace <= 0 {
		grace = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("Listener forced to shutdown",
				zap.String("address", srv.Addr), zap.Error(err))
		}
	}
	s.logger.Info("Gateway shutdown complete")
}
