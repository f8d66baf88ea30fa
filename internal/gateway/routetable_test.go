package gateway

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxlabs/voxstack/internal/runtime"
)

func makeBackends(service string, n int) []runtime.Backend {
	backends := make([]runtime.Backend, n)
	for i := range backends {
		backends[i] = runtime.Backend{
			Service: service,
			Name:    fmt.Sprintf("%s-%d", service, i+1),
			Addr:    fmt.Sprintf("127.0.0.1:%d", 18000+i),
			Replica: i + 1,
		}
	}
	return backends
}

func TestPickRoundRobinFairness(t *testing.T) {
	table := NewRouteTable(3, time.Minute)

	const replicas = 3
	const requests = 100
	table.Swap("stt", makeBackends("stt", replicas))

	counts := make(map[string]int)
	for i := 0; i < requests; i++ {
		backend, ok := table.Pick("stt")
		require.True(t, ok)
		counts[backend.Name]++
	}

	require.Len(t, counts, replicas)
	// ceil(100/3)=34, floor=33
	for name, count := range counts {
		assert.GreaterOrEqual(t, count, 33, "backend %s starved", name)
		assert.LessOrEqual(t, count, 34, "backend %s overloaded", name)
	}
}

func TestPickEmptyService(t *testing.T) {
	table := NewRouteTable(3, time.Minute)

	_, ok := table.Pick("missing")
	assert.False(t, ok)
}

func TestPickSkipsDownBackends(t *testing.T) {
	table := NewRouteTable(1, time.Minute)
	table.Swap("tts", makeBackends("tts", 2))

	backends := table.Backends("tts")
	backends[0].breaker.RecordFailure()

	for i := 0; i < 10; i++ {
		picked, ok := table.Pick("tts")
		require.True(t, ok)
		assert.Equal(t, "tts-2", picked.Name)
	}
}

func TestPickNoneAvailable(t *testing.T) {
	table := NewRouteTable(1, time.Minute)
	table.Swap("tts", makeBackends("tts", 2))

	for _, b := range table.Backends("tts") {
		b.breaker.RecordFailure()
	}

	_, ok := table.Pick("tts")
	assert.False(t, ok)
}

func TestSequenceOrdersAvailableFirst(t *testing.T) {
	table := NewRouteTable(1, time.Minute)
	table.Swap("llm", makeBackends("llm", 3))

	table.Backends("llm")[1].breaker.RecordFailure()

	seq := table.Sequence("llm")
	require.Len(t, seq, 3)
	assert.True(t, seq[0].Available())
	assert.True(t, seq[1].Available())
	assert.False(t, seq[2].Available())
}

func TestSwapKeepsBreakerState(t *testing.T) {
	table := NewRouteTable(1, time.Minute)
	table.Swap("stt", makeBackends("stt", 2))

	table.Backends("stt")[0].breaker.RecordFailure()

	// Scale up; stt-1 keeps its open breaker across the swap.
	table.Swap("stt", makeBackends("stt", 3))

	assert.False(t, table.Backends("stt")[0].Available())
	assert.True(t, table.Backends("stt")[1].Available())
	assert.True(t, table.Backends("stt")[2].Available())
}

// TestSwapIsAtomic hammers the table with readers while a writer flips the
// backend set between two sizes. Every read must see a complete generation:
// all old backends or all new, never a mix and never an empty slice.
func TestSwapIsAtomic(t *testing.T) {
	table := NewRouteTable(3, time.Minute)

	oldGen := makeBackends("api", 2)
	newGen := make([]runtime.Backend, 5)
	for i := range newGen {
		newGen[i] = runtime.Backend{
			Service: "api",
			Name:    fmt.Sprintf("api-new-%d", i+1),
			Addr:    fmt.Sprintf("127.0.0.1:%d", 19000+i),
			Replica: i + 1,
		}
	}
	table.Swap("api", oldGen)

	stop := make(chan struct{})
	var violations sync.Map

	var wg sync.WaitGroup
	for reader := 0; reader < 8; reader++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				backends := table.Backends("api")
				if len(backends) != len(oldGen) && len(backends) != len(newGen) {
					violations.Store(fmt.Sprintf("reader %d: size %d", reader, len(backends)), true)
					return
				}
				isNew := strings.HasPrefix(backends[0].Name, "api-new")
				for _, b := range backends {
					if strings.HasPrefix(b.Name, "api-new") != isNew {
						violations.Store(fmt.Sprintf("reader %d: mixed generations", reader), true)
						return
					}
				}
			}
		}(reader)
	}

	for i := 0; i < 500; i++ {
		if i%2 == 0 {
			table.Swap("api", newGen)
		} else {
			table.Swap("api", oldGen)
		}
	}
	close(stop)
	wg.Wait()

	violations.Range(func(key, _ interface{}) bool {
		t.Errorf("atomicity violation: %v", key)
		return true
	})
}
