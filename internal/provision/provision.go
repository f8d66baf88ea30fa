package provision

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
)

// Status of one model after provisioning.
type Status string

const (
	StatusFetched        Status = "fetched"
	StatusAlreadyPresent Status = "already_present"
	StatusFetchFailed    Status = "fetch_failed"
)

// Result records what happened to one distinct model and which roles it
// serves. A failed fetch is an outcome, not an error: the caller decides
// whether to retry a later run.
type Result struct {
	Model   string
	Roles   []string
	Status  Status
	Elapsed time.Duration
	Error   string
}

func (r Result) Failed() bool {
	return r.Status == StatusFetchFailed
}

type Provisioner struct {
	client *Client
	logger *zap.Logger
}

func NewProvisioner(client *Client, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		client: client,
		logger: logger,
	}
}

// Ensure makes one model present on the host: already installed short-
// circuits, otherwise the model is pulled. An unreachable inventory counts
// as a failed fetch; nothing here retries.
func (p *Provisioner) Ensure(ctx context.Context, demand config.ModelDemand) Result {
	start := time.Now()
	result := Result{
		Model: demand.Model,
		Roles: demand.Roles,
	}

	installed, err := p.client.List(ctx)
	if err != nil {
		result.Status = StatusFetchFailed
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		p.logger.Warn("Model inventory unreachable",
			zap.String("model", demand.Model), zap.Error(err))
		return result
	}

	for _, name := range installed {
		if matchesModel(name, demand.Model) {
			result.Status = StatusAlreadyPresent
			result.Elapsed = time.Since(start)
			p.logger.Info("Model already present",
				zap.String("model", demand.Model),
				zap.Strings("roles", demand.Roles))
			return result
		}
	}

	p.logger.Info("Fetching model",
		zap.String("model", demand.Model),
		zap.Strings("roles", demand.Roles))

	if err := p.client.Pull(ctx, demand.Model); err != nil {
		result.Status = StatusFetchFailed
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		p.logger.Warn("Model fetch failed",
			zap.String("model", demand.Model), zap.Error(err))
		return result
	}

	result.Status = StatusFetched
	result.Elapsed = time.Since(start)
	p.logger.Info("Model fetched",
		zap.String("model", demand.Model),
		zap.Duration("elapsed", result.Elapsed))
	return result
}

// EnsureAll provisions every distinct model behind the requirements,
// fetching concurrently. Shared models collapse to one fetch; results come
// back in first-seen role order.
func (p *Provisioner) EnsureAll(ctx context.Context, reqs []config.ModelRequirement) []Result {
	demands := config.DistinctModels(reqs)
	if len(demands) == 0 {
		return nil
	}

	results := make([]Result, len(demands))

	var wg sync.WaitGroup
	wg.Add(len(demands))

	for i, demand := range demands {
		go func(i int, demand config.ModelDemand) {
			defer wg.Done()
			results[i] = p.Ensure(ctx, demand)
		}(i, demand)
	}

	wg.Wait()
	return results
}

// matchesModel treats an untagged name and its :latest form as the same
// model, the way the host normalizes tags.
func matchesModel(installed, requested string) bool {
	if installed == requested {
		return true
	}
	if !strings.Contains(requested, ":") && installed == requested+":latest" {
		return true
	}
	if !strings.Contains(installed, ":") && requested == installed+":latest" {
		return true
	}
	return false
}
