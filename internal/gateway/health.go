package gateway

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/probe"
)

// HealthChecker periodically checks every backend in the route table and
// feeds the per-backend breakers. A backend that keeps failing checks is
// skipped by selection until a check passes again; the table itself is
// never mutated by health state, only by scale events.
type HealthChecker struct {
	table    *RouteTable
	specs    map[string]config.ServiceSpec
	prober   *probe.Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewHealthChecker(table *RouteTable, services []config.ServiceSpec, prober *probe.Prober, cfg config.HealthCheckConfig, logger *zap.Logger) *HealthChecker {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	specs := make(map[string]config.ServiceSpec, len(services))
	for _, svc := range services {
		specs[svc.Name] = svc
	}

	return &HealthChecker{
		table:    table,
		specs:    specs,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start blocks running checks until ctx is cancelled or Stop is called.
func (hc *HealthChecker) Start(ctx context.Context) {
	hc.logger.Info("Starting backend health checker",
		zap.Duration("interval", hc.interval))

	hc.runAllChecks(ctx)

	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			hc.logger.Info("Health checker stopped")
			return
		case <-hc.stopCh:
			hc.logger.Info("Health checker stopped")
			return
		case <-ticker.C:
			hc.runAllChecks(ctx)
		}
	}
}

func (hc *HealthChecker) Stop() {
	hc.stopOnce.Do(func() { close(hc.stopCh) })
}

// runAllChecks checks every routed backend concurrently and joins before
// the next tick.
func (hc *HealthChecker) runAllChecks(ctx context.Context) {
	type target struct {
		service string
		backend *Backend
	}

	var targets []target
	for _, service := range hc.table.Services() {
		for _, backend := range hc.table.Backends(service) {
			targets = append(targets, target{service: service, backend: backend})
		}
	}
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(targets))
	for _, t := range targets {
		go func(t target) {
			defer wg.Done()
			hc.checkBackend(ctx, t.service, t.backend)
		}(t)
	}
	wg.Wait()
}

func (hc *HealthChecker) checkBackend(ctx context.Context, service string, backend *Backend) {
	spec, ok := hc.specs[service]
	if !ok {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	err := hc.prober.Check(checkCtx, spec.ProbeURL(backend.Addr))
	if err != nil {
		backend.breaker.RecordFailure()
		backendUp.WithLabelValues(service, backend.Name).Set(0)
		hc.logger.Debug("Backend health check failed",
			zap.String("service", service),
			zap.String("backend", backend.Name),
			zap.Error(err))
		return
	}

	backend.breaker.RecordSuccess()
	backendUp.WithLabelValues(service, backend.Name).Set(1)
}
