package resilience

import (
	"sync"
)

// Store persists breaker snapshots across restarts. Implementations must be
// safe for concurrent use; persistence is best effort and never fatal.
type Store interface {
	Save(snap Snapshot) error
	Load(name string) (Snapshot, bool, error)
}

// Registry holds named breakers. Constructed once at process start and
// injected into collaborators; tests build a fresh registry per case.
type Registry struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
	store    Store
	opts     []BreakerOption
}

// NewRegistry creates a breaker registry. store may be nil.
func NewRegistry(cfg BreakerConfig, store Store, opts ...BreakerOption) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
		store:    store,
		opts:     opts,
	}
}

// Get returns the breaker for name, creating it on first use. A persisted
// snapshot, when present, is restored into the new breaker.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}

	opts := r.opts
	if r.store != nil {
		opts = append(opts[:len(opts):len(opts)], WithTransitionHook(func(snap Snapshot) {
			// Best effort; a dead store must not block breaker transitions.
			_ = r.store.Save(snap)
		}))
	}

	b = NewBreaker(name, r.cfg, opts...)
	if r.store != nil {
		if snap, found, err := r.store.Load(name); err == nil && found {
			b.Restore(snap)
		}
	}
	r.breakers[name] = b
	return b
}

// Snapshots returns the current state of every registered breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
