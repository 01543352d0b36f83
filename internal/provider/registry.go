package provider

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"taskdeck/internal/logging"
)

// Registry is the directory of adapters. It is constructed explicitly and
// owned by one orchestration context, never ambient module state.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[string]Adapter
	defaultID string
}

// NewRegistry creates a registry whose fallback adapter is defaultID.
func NewRegistry(defaultID string) *Registry {
	return &Registry{
		adapters:  make(map[string]Adapter),
		defaultID: defaultID,
	}
}

// Register adds an adapter under its own id.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter registered under id.
func (r *Registry) Get(id string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns the registered provider ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	return ids
}

// Resolve walks the candidates in priority order: the query's explicit
// override, then the task setting, then the project setting. A candidate
// is skipped when it is empty, unregistered, or reports itself
// unavailable. When every candidate is rejected the default adapter is
// returned, available or not, so the caller gets a concrete error from
// Query rather than a nil adapter.
func (r *Registry) Resolve(queryOverride, taskSetting, projectSetting string) Adapter {
	for _, id := range []string{queryOverride, taskSetting, projectSetting} {
		if id == "" {
			continue
		}
		a, ok := r.Get(id)
		if !ok {
			logging.Get(logging.CategoryProvider).Debugf(
				"provider %q not registered, trying next candidate", id)
			continue
		}
		if err := a.Available(); err != nil {
			logging.Get(logging.CategoryProvider).Debugf(
				"provider %q unavailable (%v), trying next candidate", id, err)
			continue
		}
		return a
	}

	a, _ := r.Get(r.defaultID)
	return a
}

// Info is the availability/capability snapshot served to the UI.
type Info struct {
	ID           string       `json:"id"`
	Available    bool         `json:"available"`
	Error        string       `json:"error,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
	Models       []Model      `json:"models,omitempty"`
	Default      bool         `json:"default"`
}

// ListWithInfo probes each adapter's availability and model catalog
// concurrently. Purely a side introspection path for UI consumption; it
// never sits on a query's critical path.
func (r *Registry) ListWithInfo(ctx context.Context) []Info {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	defaultID := r.defaultID
	r.mu.RUnlock()

	infos := make([]Info, len(adapters))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range adapters {
		g.Go(func() error {
			info := Info{
				ID:           a.ID(),
				Capabilities: a.Capabilities(),
				Default:      a.ID() == defaultID,
			}
			if err := a.Available(); err != nil {
				info.Error = err.Error()
			} else {
				info.Available = true
				if models, err := a.Models(gctx); err == nil {
					info.Models = models
				}
			}
			infos[i] = info
			return nil
		})
	}
	_ = g.Wait()
	return infos
}
