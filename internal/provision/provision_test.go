package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voxlabs/voxstack/internal/config"
)

// fakeModelHost imitates the host's /api/tags and /api/pull endpoints and
// records every pull it serves.
type fakeModelHost struct {
	mu        sync.Mutex
	installed []string
	pulled    []string
	pullDelay time.Duration
	failPull  map[string]string
}

func (f *fakeModelHost) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		type model struct {
			Name string `json:"name"`
		}
		var models []model
		for _, name := range f.installed {
			models = append(models, model{Name: name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"models": models})
	})

	mux.HandleFunc("/api/pull", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if f.pullDelay > 0 {
			time.Sleep(f.pullDelay)
		}

		f.mu.Lock()
		f.pulled = append(f.pulled, req.Name)
		failMsg := ""
		if f.failPull != nil {
			failMsg = f.failPull[req.Name]
		}
		if failMsg == "" {
			f.installed = append(f.installed, req.Name)
		}
		f.mu.Unlock()

		if failMsg != "" {
			fmt.Fprintf(w, "{\"error\":%q}\n", failMsg)
			return
		}
		fmt.Fprintln(w, `{"status":"pulling manifest"}`)
		fmt.Fprintln(w, `{"status":"success"}`)
	})

	return mux
}

func (f *fakeModelHost) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pulled)
}

func newTestProvisioner(t *testing.T, host *fakeModelHost) *Provisioner {
	server := httptest.NewServer(host.handler())
	t.Cleanup(server.Close)
	return NewProvisioner(NewClient(server.URL), zap.NewNop())
}

func TestEnsureFetchesMissingModel(t *testing.T) {
	host := &fakeModelHost{}
	p := newTestProvisioner(t, host)

	result := p.Ensure(context.Background(), config.ModelDemand{
		Model: "qwen2.5:7b",
		Roles: []string{"chat"},
	})

	assert.Equal(t, StatusFetched, result.Status)
	assert.False(t, result.Failed())
	assert.Equal(t, 1, host.pullCount())
}

func TestEnsureIsIdempotent(t *testing.T) {
	host := &fakeModelHost{installed: []string{"qwen2.5:7b"}}
	p := newTestProvisioner(t, host)

	demand := config.ModelDemand{Model: "qwen2.5:7b", Roles: []string{"chat"}}

	first := p.Ensure(context.Background(), demand)
	second := p.Ensure(context.Background(), demand)

	assert.Equal(t, StatusAlreadyPresent, first.Status)
	assert.Equal(t, StatusAlreadyPresent, second.Status)
	assert.Equal(t, 0, host.pullCount())
}

func TestEnsureMatchesLatestTag(t *testing.T) {
	host := &fakeModelHost{installed: []string{"llava:latest"}}
	p := newTestProvisioner(t, host)

	result := p.Ensure(context.Background(), config.ModelDemand{
		Model: "llava",
		Roles: []string{"vision"},
	})

	assert.Equal(t, StatusAlreadyPresent, result.Status)
	assert.Equal(t, 0, host.pullCount())
}

func TestEnsureUnreachableHost(t *testing.T) {
	p := NewProvisioner(NewClient("http://127.0.0.1:1"), zap.NewNop())

	result := p.Ensure(context.Background(), config.ModelDemand{
		Model: "qwen2.5:7b",
		Roles: []string{"chat"},
	})

	assert.Equal(t, StatusFetchFailed, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestEnsureReportsPullError(t *testing.T) {
	host := &fakeModelHost{failPull: map[string]string{"missing:7b": "model not found"}}
	p := newTestProvisioner(t, host)

	result := p.Ensure(context.Background(), config.ModelDemand{
		Model: "missing:7b",
		Roles: []string{"chat"},
	})

	assert.Equal(t, StatusFetchFailed, result.Status)
	assert.Contains(t, result.Error, "model not found")
}

func TestEnsureAllDeduplicatesSharedModels(t *testing.T) {
	host := &fakeModelHost{}
	p := newTestProvisioner(t, host)

	reqs := []config.ModelRequirement{
		{Role: "chat", Model: "m1"},
		{Role: "vision", Model: "m1"},
		{Role: "documents", Model: "m2"},
	}

	results := p.EnsureAll(context.Background(), reqs)

	require.Len(t, results, 2)
	assert.Equal(t, 2, host.pullCount())

	assert.Equal(t, "m1", results[0].Model)
	assert.Equal(t, []string{"chat", "vision"}, results[0].Roles)
	assert.Equal(t, StatusFetched, results[0].Status)

	assert.Equal(t, "m2", results[1].Model)
	assert.Equal(t, []string{"documents"}, results[1].Roles)
}

func TestEnsureAllFetchesConcurrently(t *testing.T) {
	delay := 200 * time.Millisecond
	host := &fakeModelHost{pullDelay: delay}
	p := newTestProvisioner(t, host)

	reqs := []config.ModelRequirement{
		{Role: "chat", Model: "m1"},
		{Role: "documents", Model: "m2"},
	}

	start := time.Now()
	results := p.EnsureAll(context.Background(), reqs)
	elapsed := time.Since(start)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StatusFetched, r.Status)
	}
	// Two sequential pulls would need at least 2x the delay.
	assert.Less(t, elapsed, 2*delay)
}

func TestEnsureAllEmpty(t *testing.T) {
	host := &fakeModelHost{}
	p := newTestProvisioner(t, host)

	assert.Nil(t, p.EnsureAll(context.Background(), nil))
	assert.Equal(t, 0, host.pullCount())
}

func TestMatchesModel(t *testing.T) {
	tests := []struct {
		installed string
		requested string
		want      bool
	}{
		{"qwen2.5:7b", "qwen2.5:7b", true},
		{"llava:latest", "llava", true},
		{"llava", "llava:latest", true},
		{"llava:7b", "llava", false},
		{"qwen2.5:7b", "llava:7b", false},
	}

	for _, tt := range tests {
		t.Run(tt.installed+"/"+tt.requested, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesModel(tt.installed, tt.requested))
		})
	}
}
