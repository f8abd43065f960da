package viewer

import (
	"sync"

	"github.com/promptcalc/artifacthost/internal/infrastructure/logging"
	"github.com/promptcalc/artifacthost/internal/infrastructure/monitoring"
	"github.com/promptcalc/artifacthost/internal/shared/id"
)

// Registry owns the live viewer instances. Each viewer has its own load
// attempt lineage; nothing (tokens, watchdogs, limiters) is shared between
// them.
type Registry struct {
	cfg     Config
	policy  string
	log     *logging.Logger
	metrics *monitoring.Metrics
	ids     *id.Generator

	mu      sync.RWMutex
	viewers map[string]*Viewer
}

// NewRegistry creates an empty viewer registry.
func NewRegistry(cfg Config, policy string, log *logging.Logger, metrics *monitoring.Metrics) *Registry {
	return &Registry{
		cfg:     cfg,
		policy:  policy,
		log:     log,
		metrics: metrics,
		ids:     id.Default(),
		viewers: make(map[string]*Viewer),
	}
}

// Create spins up a new viewer instance and returns it.
func (r *Registry) Create() *Viewer {
	v := New(r.ids.NewViewerID().String(), r.cfg, r.policy, r.log, r.metrics)

	r.mu.Lock()
	r.viewers[v.ID()] = v
	r.mu.Unlock()
	return v
}

// Get returns a viewer by ID.
func (r *Registry) Get(viewerID string) (*Viewer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.viewers[viewerID]
	return v, ok
}

// Remove tears down a viewer and forgets it.
func (r *Registry) Remove(viewerID string) bool {
	r.mu.Lock()
	v, ok := r.viewers[viewerID]
	delete(r.viewers, viewerID)
	r.mu.Unlock()

	if ok {
		v.Close()
	}
	return ok
}

// List returns the IDs of all live viewers.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.viewers))
	for viewerID := range r.viewers {
		ids = append(ids, viewerID)
	}
	return ids
}

// Count returns the number of live viewers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.viewers)
}

// Close drains every viewer. Used on graceful shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	viewers := make([]*Viewer, 0, len(r.viewers))
	for viewerID, v := range r.viewers {
		viewers = append(viewers, v)
		delete(r.viewers, viewerID)
	}
	r.mu.Unlock()

	for _, v := range viewers {
		v.Close()
	}
}
