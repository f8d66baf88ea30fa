package circuitbreaker

import (
	"sync"
	"time"
)

// Breaker tracks consecutive failures for one backend and takes it out of
// rotation once a threshold is reached. After the cooldown the backend is
// offered traffic again; one success closes the breaker fully.
type Breaker struct {
	mu          sync.Mutex
	failures    int
	lastFailure time.Time
	open        bool

	threshold int
	cooldown  time.Duration
}

func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// IsOpen reports whether the backend should be skipped. An open breaker
// half-closes after the cooldown so the backend gets probed with traffic.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}
	if time.Since(b.lastFailure) > b.cooldown {
		b.open = false
		b.failures = 0
		return false
	}
	return true
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.open = false
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.threshold {
		b.open = true
	}
}

// State returns the breaker position for reporting.
func (b *Breaker) State() (open bool, failures int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.failures
}

// Registry hands out one breaker per backend name. Breakers persist across
// route-table swaps so a flapping backend does not reset its history by
// being re-added.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker

	threshold int
	cooldown  time.Duration
}

func NewRegistry(threshold int, cooldown time.Duration) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	breaker, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return breaker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if breaker, ok = r.breakers[name]; ok {
		return breaker
	}
	breaker = New(r.threshold, r.cooldown)
	r.breakers[name] = breaker
	return breaker
}

// States reports every known breaker, keyed by backend name.
func (r *Registry) States() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]bool, len(r.breakers))
	for name, breaker := range r.breakers {
		open, _ := breaker.State()
		states[name] = open
	}
	return states
}
