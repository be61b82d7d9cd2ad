package breakerx

import (
	"sort"
	"sync"

	"match-event-delivery/shared/logx"
)

// Registry owns one independent breaker per dependency name.
type Registry struct {
	settings Settings
	logger   logx.Logger
	opts     []Option

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewRegistry(settings Settings, logger logx.Logger, opts ...Option) *Registry {
	return &Registry{
		settings: settings,
		logger:   logger,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with the registry settings.
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
	b = New(name, r.settings, r.logger, r.opts...)
	r.breakers[name] = b
	return b
}

func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// State backs the health probe. Unknown names report false.
func (r *Registry) State(name string) (State, bool) {
	b, ok := r.Lookup(name)
	if !ok {
		return "", false
	}
	return b.State(), true
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
