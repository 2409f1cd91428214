package jobs

import "sync"

// Registry maps dispatch names to job definitions. Registration is
// idempotent: a name is registered at most once.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]Definition
	order []string
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds defs, skipping names that are already registered. It
// reports whether every definition was new.
func (r *Registry) Register(defs ...Definition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	added := true
	for _, def := range defs {
		if _, ok := r.defs[def.Name()]; ok {
			added = false
			continue
		}
		r.defs[def.Name()] = def
		r.order = append(r.order, def.Name())
	}
	return added
}

// Resolve returns the definition registered under name
func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, &UnknownJobError{Name: name}
	}
	return def, nil
}

// All returns the definitions in registration order
func (r *Registry) All() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.defs[name])
	}
	return out
}

// Queues returns the distinct queues referenced by registered definitions
func (r *Registry) Queues(defaultQueue string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, def := range r.All() {
		q := queueOf(def, defaultQueue)
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out
}

func queueOf(def Definition, defaultQueue string) string {
	if q := def.Queue(); q != "" {
		return q
	}
	return defaultQueue
}
