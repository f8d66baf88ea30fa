package bootstrap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
	"github.com/voxlabs/voxstack/internal/events"
	"github.com/voxlabs/voxstack/internal/probe"
	"github.com/voxlabs/voxstack/internal/provision"
	"github.com/voxlabs/voxstack/internal/runtime"
)

// ModelProvisioner makes models present on the model host.
type ModelProvisioner interface {
	EnsureAll(ctx context.Context, reqs []config.ModelRequirement) []provision.Result
}

// RunRecorder persists finished runs.
type RunRecorder interface {
	Record(ctx context.Context, result *Result) error
}

// Orchestrator drives a bootstrap run: network, builds, replicas, model
// provisioning, readiness. Step failures degrade the run instead of
// aborting it; only a missing network is fatal.
type Orchestrator struct {
	cfg         *config.Config
	engine      runtime.Engine
	prober      *probe.Prober
	provisioner ModelProvisioner
	bus         *events.Publisher
	recorder    RunRecorder
	logger      *zap.Logger
}

func New(cfg *config.Config, engine runtime.Engine, prober *probe.Prober, provisioner ModelProvisioner, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		engine:      engine,
		prober:      prober,
		provisioner: provisioner,
		logger:      logger,
	}
}

// SetEventPublisher enables lifecycle events on the bus.
func (o *Orchestrator) SetEventPublisher(bus *events.Publisher) {
	o.bus = bus
}

// SetRunRecorder enables run history persistence.
func (o *Orchestrator) SetRunRecorder(recorder RunRecorder) {
	o.recorder = recorder
}

// Run executes a full bootstrap and always returns a Result; inspect
// Result.Overall and the per-service outcomes for what happened.
func (o *Orchestrator) Run(ctx context.Context) *Result {
	result := &Result{
		RunID:     uuid.New().String(),
		StartedAt: time.Now(),
		Services:  make(map[string]*ServiceResult),
	}
	for _, svc := range o.cfg.Services {
		result.order = append(result.order, svc.Name)
		result.Services[svc.Name] = &ServiceResult{Name: svc.Name}
	}

	o.logger.Info("Bootstrap run starting",
		zap.String("run_id", result.RunID),
		zap.Int("services", len(o.cfg.Services)))
	o.publish(ctx, events.Event{
		Type: events.TypeRunStarted,
		Data: map[string]interface{}{"run_id": result.RunID},
	})

	if o.ensureNetwork(ctx, result) {
		o.buildImages(ctx, result)
		o.startServices(ctx, result)
		o.provisionModels(ctx, result)
		o.probeRemaining(ctx, result)
		o.aggregate(result)
	} else {
		o.failEverything(ctx, result, "network unavailable")
		result.Overall = OverallFailed
	}

	o.finish(ctx, result)
	return result
}

func (o *Orchestrator) ensureNetwork(ctx context.Context, result *Result) bool {
	start := time.Now()
	err := o.engine.EnsureNetwork(ctx)
	record := StepRecord{
		Step:    StepNetwork,
		Status:  StepOK,
		Elapsed: time.Since(start),
	}
	if err != nil {
		record.Status = StepFailed
		record.Detail = err.Error()
		o.logger.Error("Network step failed", zap.Error(err))
	}
	result.Steps = append(result.Steps, record)
	return err == nil
}

func (o *Orchestrator) buildImages(ctx context.Context, result *Result) {
	for _, svc := range o.cfg.Services {
		if !svc.NeedsBuild() {
			result.Steps = append(result.Steps, StepRecord{
				Step:    StepBuild,
				Service: svc.Name,
				Status:  StepSkipped,
				Detail:  "image " + svc.Image,
			})
			continue
		}

		start := time.Now()
		err := o.engine.BuildImage(ctx, svc)
		record := StepRecord{
			Step:    StepBuild,
			Service: svc.Name,
			Status:  StepOK,
			Elapsed: time.Since(start),
		}
		if err != nil {
			record.Status = StepFailed
			record.Detail = err.Error()
			o.markFailed(ctx, result, svc.Name, err)
		}
		result.Steps = append(result.Steps, record)
	}
}

func (o *Orchestrator) startServices(ctx context.Context, result *Result) {
	for _, svc := range o.cfg.Services {
		sr := result.Services[svc.Name]
		if sr.Outcome == ServiceFailed {
			result.Steps = append(result.Steps, StepRecord{
				Step:    StepStart,
				Service: svc.Name,
				Status:  StepSkipped,
				Detail:  "build failed",
			})
			continue
		}

		start := time.Now()
		backends, err := o.engine.StartReplicas(ctx, svc)
		sr.Backends = backends

		record := StepRecord{
			Step:    StepStart,
			Service: svc.Name,
			Status:  StepOK,
			Detail:  fmt.Sprintf("%d replicas", len(backends)),
			Elapsed: time.Since(start),
		}
		if err != nil {
			record.Status = StepFailed
			record.Detail = err.Error()
			o.markFailed(ctx, result, svc.Name, err)
		}
		result.Steps = append(result.Steps, record)
	}
}

// provisionModels waits for the model host with its own (typically
// extended) budget, then fetches every distinct model. The host's
// readiness outcome is decided here; later probing skips it.
func (o *Orchestrator) provisionModels(ctx context.Context, result *Result) {
	reqs := o.cfg.Models.Requirements()
	if len(reqs) == 0 {
		result.Steps = append(result.Steps, StepRecord{
			Step:   StepModels,
			Status: StepSkipped,
			Detail: "no models configured",
		})
		return
	}

	hostName := o.cfg.Models.Service
	svc := o.cfg.Service(hostName)
	sr := result.Services[hostName]
	if svc == nil || sr == nil {
		result.Steps = append(result.Steps, StepRecord{
			Step:   StepModels,
			Status: StepFailed,
			Detail: fmt.Sprintf("model host %q not configured", hostName),
		})
		return
	}

	if sr.Outcome == ServiceFailed {
		result.Models = failAllModels(reqs, "model host failed to start")
		result.Steps = append(result.Steps, StepRecord{
			Step:    StepModels,
			Service: hostName,
			Status:  StepFailed,
			Detail:  "model host failed to start",
		})
		return
	}

	start := time.Now()
	probeRes := o.probeService(ctx, *svc, sr.Backends)
	sr.Probe = &probeRes

	if !probeRes.Ready() {
		sr.Outcome = ServiceTimedOut
		o.publishOutcome(ctx, result.RunID, hostName, events.TypeServiceTimeout, probeRes)
		result.Models = failAllModels(reqs, "model host not ready within budget")
		result.Steps = append(result.Steps, StepRecord{
			Step:    StepModels,
			Service: hostName,
			Status:  StepFailed,
			Detail:  "model host not ready within budget",
			Elapsed: time.Since(start),
		})
		return
	}

	sr.Outcome = ServiceReady
	o.publishOutcome(ctx, result.RunID, hostName, events.TypeServiceReady, probeRes)

	result.Models = o.provisioner.EnsureAll(ctx, reqs)

	record := StepRecord{
		Step:    StepModels,
		Service: hostName,
		Status:  StepOK,
		Detail:  fmt.Sprintf("%d distinct models", len(result.Models)),
		Elapsed: time.Since(start),
	}
	for _, m := range result.Models {
		eventType := events.TypeModelFetched
		if m.Failed() {
			eventType = events.TypeModelFailed
			record.Status = StepFailed
			record.Detail = "model fetches failed"
		}
		o.publish(ctx, events.Event{
			Type:    eventType,
			Service: hostName,
			Data: map[string]interface{}{
				"run_id": result.RunID,
				"model":  m.Model,
				"status": string(m.Status),
			},
		})
	}
	result.Steps = append(result.Steps, record)
}

// probeRemaining resolves readiness for every service that has no outcome
// yet, each on its own goroutine so one slow service never delays another.
func (o *Orchestrator) probeRemaining(ctx context.Context, result *Result) {
	type pendingProbe struct {
		svc config.ServiceSpec
		sr  *ServiceResult
	}

	var pending []pendingProbe
	for _, svc := range o.cfg.Services {
		sr := result.Services[svc.Name]
		if sr.Outcome == "" {
			pending = append(pending, pendingProbe{svc: svc, sr: sr})
		}
	}
	if len(pending) == 0 {
		return
	}

	probeResults := make([]probe.Result, len(pending))

	var wg sync.WaitGroup
	wg.Add(len(pending))
	for i, p := range pending {
		go func(i int, p pendingProbe) {
			defer wg.Done()
			probeResults[i] = o.probeService(ctx, p.svc, p.sr.Backends)
		}(i, p)
	}
	wg.Wait()

	for i, p := range pending {
		res := probeResults[i]
		p.sr.Probe = &res

		record := StepRecord{
			Step:    StepProbe,
			Service: p.svc.Name,
			Status:  StepOK,
			Detail:  fmt.Sprintf("%d attempts", res.Attempts),
			Elapsed: res.Elapsed,
		}
		if res.Ready() {
			p.sr.Outcome = ServiceReady
			o.publishOutcome(ctx, result.RunID, p.svc.Name, events.TypeServiceReady, res)
		} else {
			p.sr.Outcome = ServiceTimedOut
			record.Status = StepFailed
			record.Detail = fmt.Sprintf("not ready after %s", res.Elapsed.Round(time.Millisecond))
			o.publishOutcome(ctx, result.RunID, p.svc.Name, events.TypeServiceTimeout, res)
			o.logger.Warn("Service not ready within budget, continuing",
				zap.String("service", p.svc.Name),
				zap.Int("attempts", res.Attempts))
		}
		result.Steps = append(result.Steps, record)
	}
}

// probeService returns as soon as one replica answers: the service is
// usable on the first ready replica, so the remaining probes are cancelled.
func (o *Orchestrator) probeService(ctx context.Context, svc config.ServiceSpec, backends []runtime.Backend) probe.Result {
	if len(backends) == 0 {
		return probe.Result{
			Name:      svc.Name,
			Outcome:   probe.OutcomeTimedOut,
			LastError: "no backends running",
		}
	}

	targets := make([]probe.Target, len(backends))
	for i, b := range backends {
		targets[i] = probe.Target{
			Name:     b.Name,
			URL:      svc.ProbeURL(b.Addr),
			Interval: svc.ProbeInterval,
			Budget:   svc.ReadyTimeout,
		}
	}

	if len(targets) == 1 {
		res := o.prober.Probe(ctx, targets[0])
		res.Name = svc.Name
		return res
	}

	// Race the replicas: the first ready one decides the outcome, and
	// cancelling the rest keeps a stuck replica from consuming its full
	// budget after the service is already usable.
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan probe.Result, len(targets))
	for _, t := range targets {
		go func(t probe.Target) {
			results <- o.prober.Probe(raceCtx, t)
		}(t)
	}

	var fallback probe.Result
	for i := 0; i < len(targets); i++ {
		res := <-results
		if res.Ready() {
			res.Name = svc.Name
			return res
		}
		if i == 0 {
			fallback = res
		}
	}
	fallback.Name = svc.Name
	return fallback
}

func (o *Orchestrator) aggregate(result *Result) {
	overall := OverallReady
	for _, name := range result.order {
		sr := result.Services[name]
		if sr.Outcome != ServiceReady {
			overall = OverallDegraded
		}
	}
	for _, m := range result.Models {
		if m.Failed() {
			overall = OverallDegraded
		}
	}
	result.Overall = overall
}

func (o *Orchestrator) finish(ctx context.Context, result *Result) {
	result.FinishedAt = time.Now()

	o.logger.Info("Bootstrap run finished",
		zap.String("run_id", result.RunID),
		zap.String("overall", string(result.Overall)),
		zap.Duration("duration", result.Duration()),
		zap.Strings("degraded", result.DegradedServices()))

	o.publish(ctx, events.Event{
		Type: events.TypeRunFinished,
		Data: map[string]interface{}{
			"run_id":   result.RunID,
			"overall":  string(result.Overall),
			"degraded": result.DegradedServices(),
		},
	})

	if o.recorder != nil {
		recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.recorder.Record(recordCtx, result); err != nil {
			o.logger.Warn("Failed to persist run history", zap.Error(err))
		}
	}
}

func (o *Orchestrator) markFailed(ctx context.Context, result *Result, service string, err error) {
	sr := result.Services[service]
	sr.Outcome = ServiceFailed
	sr.Error = err.Error()

	o.logger.Error("Service failed",
		zap.String("service", service), zap.Error(err))
	o.publish(ctx, events.Event{
		Type:    events.TypeServiceFailed,
		Service: service,
		Data:    map[string]interface{}{"run_id": result.RunID, "error": err.Error()},
	})
}

func (o *Orchestrator) failEverything(ctx context.Context, result *Result, reason string) {
	for _, name := range result.order {
		sr := result.Services[name]
		sr.Outcome = ServiceFailed
		sr.Error = reason
	}
	o.logger.Error("Bootstrap failed", zap.String("reason", reason))
}

func (o *Orchestrator) publishOutcome(ctx context.Context, runID, service string, eventType events.Type, res probe.Result) {
	if o.bus == nil {
		return
	}
	_ = o.bus.PublishServiceOutcome(ctx, runID, service, eventType, map[string]interface{}{
		"attempts":   res.Attempts,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, event events.Event) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, event)
}

func failAllModels(reqs []config.ModelRequirement, reason string) []provision.Result {
	demands := config.DistinctModels(reqs)
	results := make([]provision.Result, len(demands))
	for i, d := range demands {
		results[i] = provision.Result{
			Model:  d.Model,
			Roles:  d.Roles,
			Status: provision.StatusFetchFailed,
			Error:  reason,
		}
	}
	return results
}
