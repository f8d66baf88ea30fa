package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxlabs/voxstack/internal/runtime"
	"github.com/voxlabs/voxstack/pkg/circuitbreaker"
)

// Backend is one routable replica together with its health breaker.
type Backend struct {
	runtime.Backend
	breaker *circuitbreaker.Breaker
}

// Available reports whether the backend should receive new requests.
func (b *Backend) Available() bool {
	return !b.breaker.IsOpen()
}

// RouteTable maps logical services to their live backends. Readers grab an
// immutable snapshot per request; scale events replace the whole snapshot
// in one pointer swap, so a reader never sees a half-updated table.
// Round-robin counters and breaker state live outside the snapshot and
// survive swaps.
type RouteTable struct {
	snapshot atomic.Pointer[map[string][]*Backend]
	breakers *circuitbreaker.Registry

	mu       sync.Mutex // serializes writers; readers never take it
	counters sync.Map   // service name -> *atomic.Uint64
}

func NewRouteTable(failureThreshold int, recoveryTimeout time.Duration) *RouteTable {
	t := &RouteTable{
		breakers: circuitbreaker.NewRegistry(failureThreshold, recoveryTimeout),
	}
	empty := map[string][]*Backend{}
	t.snapshot.Store(&empty)
	return t
}

// Swap replaces the backend set of one service. Backends kept across the
// swap retain their breaker history; in-flight requests holding the old
// snapshot drain against the backends they already picked.
func (t *RouteTable) Swap(service string, backends []runtime.Backend) {
	wrapped := make([]*Backend, len(backends))
	for i, b := range backends {
		wrapped[i] = &Backend{
			Backend: b,
			breaker: t.breakers.Get(b.Name),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old := *t.snapshot.Load()
	next := make(map[string][]*Backend, len(old)+1)
	for svc, bs := range old {
		next[svc] = bs
	}
	next[service] = wrapped
	t.snapshot.Store(&next)
}

// Backends returns the current backend slice of a service. The slice is
// immutable; callers must not modify it.
func (t *RouteTable) Backends(service string) []*Backend {
	return (*t.snapshot.Load())[service]
}

// Services lists every service in the table.
func (t *RouteTable) Services() []string {
	snap := *t.snapshot.Load()
	names := make([]string, 0, len(snap))
	for svc := range snap {
		names = append(names, svc)
	}
	return names
}

// Sequence returns the service's backends in this request's try order:
// round-robin rotation with unavailable backends pushed to the back. The
// first entry is the pick; the rest are the failover order.
func (t *RouteTable) Sequence(service string) []*Backend {
	backends := t.Backends(service)
	if len(backends) == 0 {
		return nil
	}

	start := t.counter(service).Add(1) - 1

	seq := make([]*Backend, 0, len(backends))
	var down []*Backend
	for i := range backends {
		b := backends[(int(start)+i)%len(backends)]
		if b.Available() {
			seq = append(seq, b)
		} else {
			down = append(down, b)
		}
	}
	return append(seq, down...)
}

// Pick selects the next backend round-robin, skipping unavailable ones.
func (t *RouteTable) Pick(service string) (*Backend, bool) {
	seq := t.Sequence(service)
	if len(seq) == 0 || !seq[0].Available() {
		return nil, false
	}
	return seq[0], true
}

func (t *RouteTable) counter(service string) *atomic.Uint64 {
	if c, ok := t.counters.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := t.counters.LoadOrStore(service, &atomic.Uint64{})
	return c.(*atomic.Uint64)
}
