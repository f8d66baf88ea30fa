package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Outcome of one bounded readiness wait.
type Outcome string

const (
	OutcomeReady    Outcome = "ready"
	OutcomeTimedOut Outcome = "timed_out"
)

// Target is one endpoint to wait on. The URL scheme picks the check:
// http/https endpoints are ready on any 2xx or 3xx GET response, redis
// endpoints on a successful PING.
type Target struct {
	Name     string
	URL      string
	Interval time.Duration
	Budget   time.Duration
}

// Result records how a wait ended. LastError keeps the most recent check
// failure for the operator report; it is informational, not fatal.
type Result struct {
	Name      string
	Outcome   Outcome
	Attempts  int
	Elapsed   time.Duration
	LastError string
}

func (r Result) Ready() bool {
	return r.Outcome == OutcomeReady
}

type Prober struct {
	client *http.Client
	logger *zap.Logger
}

func New(logger *zap.Logger) *Prober {
	return &Prober{
		// Per-attempt deadlines come from the probe loop; the transport
		// timeout is a backstop against wedged connections.
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Probe polls the target until it answers healthy or the budget runs out.
// The first check fires immediately, later ones at the target interval.
// It never blocks past the budget.
func (p *Prober) Probe(ctx context.Context, t Target) Result {
	start := time.Now()
	result := Result{Name: t.Name}

	budgetCtx, cancel := context.WithTimeout(ctx, t.Budget)
	defer cancel()

	p.logger.Debug("Waiting for readiness",
		zap.String("target", t.Name),
		zap.String("url", t.URL),
		zap.Duration("budget", t.Budget))

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		result.Attempts++
		err := p.Check(budgetCtx, t.URL)
		if err == nil {
			result.Outcome = OutcomeReady
			result.Elapsed = time.Since(start)
			p.logger.Debug("Target ready",
				zap.String("target", t.Name),
				zap.Int("attempts", result.Attempts),
				zap.Duration("elapsed", result.Elapsed))
			return result
		}
		result.LastError = err.Error()

		select {
		case <-budgetCtx.Done():
			result.Outcome = OutcomeTimedOut
			result.Elapsed = time.Since(start)
			p.logger.Debug("Target did not become ready in time",
				zap.String("target", t.Name),
				zap.Int("attempts", result.Attempts),
				zap.Duration("elapsed", result.Elapsed))
			return result
		case <-ticker.C:
		}
	}
}

// ProbeAll waits on every target concurrently and returns all outcomes,
// keyed by target name. It blocks until the slowest wait resolves, which
// the per-target budgets bound.
func (p *Prober) ProbeAll(ctx context.Context, targets []Target) map[string]Result {
	results := make([]Result, len(targets))

	var wg sync.WaitGroup
	wg.Add(len(targets))

	for i, t := range targets {
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = p.Probe(ctx, t)
		}(i, t)
	}

	wg.Wait()

	byName := make(map[string]Result, len(targets))
	for _, r := range results {
		byName[r.Name] = r
	}
	return byName
}

// Check performs a single readiness check against the URL.
func (p *Prober) Check(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid probe url %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return p.checkHTTP(ctx, rawURL)
	case "redis", "rediss":
		return p.checkRedis(ctx, rawURL)
	default:
		return fmt.Errorf("unsupported probe scheme %q", u.Scheme)
	}
}

func (p *Prober) checkHTTP(ctx context.Context, rawURL string) error {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 400 {
		return nil
	}
	return fmt.Errorf("unhealthy status %d", resp.StatusCode)
}

func (p *Prober) checkRedis(ctx context.Context, rawURL string) error {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)
	defer client.Close()

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return client.Ping(checkCtx).Err()
}
