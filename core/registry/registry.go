// Package registry holds the set of adapters available to the orchestrator,
// indexed by layer and name.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/miesc-hq/miesc/core/adapter"
	"github.com/miesc-hq/miesc/core/tool"
)

// Registry is a read-mostly index of adapters. Registration happens during
// startup (registerAdapters in cmd/miesc-mcp); after a run begins the registry is only
// read, guarded by an RWMutex against concurrent tool invocations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
	byLayer  map[int][]string
	logger   *slog.Logger
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		adapters: make(map[string]adapter.Adapter),
		byLayer:  make(map[int][]string),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds an adapter under its metadata's name and layer. Registering
// a name that already exists replaces the previous entry and rebuilds the
// layer index rather than incrementally patching it.
func (r *Registry) Register(a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Metadata().Name
	r.adapters[name] = a
	r.rebuildLayerIndex()
	r.logger.Debug("adapter registered", "tool", name, "layer", a.Metadata().Layer)
}

func (r *Registry) rebuildLayerIndex() {
	r.byLayer = make(map[int][]string)
	for name, a := range r.adapters {
		layer := a.Metadata().Layer
		r.byLayer[layer] = append(r.byLayer[layer], name)
	}
	for layer := range r.byLayer {
		sort.Strings(r.byLayer[layer])
	}
}

// Lookup resolves an adapter by exact name.
func (r *Registry) Lookup(name string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// ForLayer returns the adapters registered to a layer, sorted by name for
// deterministic iteration order (parallel scheduling still fans them out
// concurrently; only the slice order is deterministic).
func (r *Registry) ForLayer(layer int) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.byLayer[layer]
	out := make([]adapter.Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}

// ForCapability returns adapters whose detection_types include the given
// tag, across all layers, sorted by (layer, name).
func (r *Registry) ForCapability(capability string) []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matches []adapter.Adapter
	for _, a := range r.adapters {
		for _, dt := range a.Metadata().DetectionTypes {
			if dt == capability {
				matches = append(matches, a)
				break
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		mi, mj := matches[i].Metadata(), matches[j].Metadata()
		if mi.Layer != mj.Layer {
			return mi.Layer < mj.Layer
		}
		return mi.Name < mj.Name
	})
	return matches
}

// All returns every registered adapter sorted by (layer, name).
func (r *Registry) All() []adapter.Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]adapter.Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].Metadata(), out[j].Metadata()
		if mi.Layer != mj.Layer {
			return mi.Layer < mj.Layer
		}
		return mi.Name < mj.Name
	})
	return out
}

// Layers returns the sorted set of layer numbers that have at least one
// registered adapter.
func (r *Registry) Layers() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	layers := make([]int, 0, len(r.byLayer))
	for l := range r.byLayer {
		layers = append(layers, l)
	}
	sort.Ints(layers)
	return layers
}

// ErrUnknownAdapter is returned by operations that require a registered
// adapter name that isn't present.
type ErrUnknownAdapter struct {
	Name string
}

func (e *ErrUnknownAdapter) Error() string {
	return fmt.Sprintf("registry: unknown adapter %q", e.Name)
}

// StatusSnapshot reports every registered adapter's tool.Metadata and the
// cached tool.StatusReport, for building the run's tool_status[] summary.
type StatusSnapshot struct {
	Metadata tool.Metadata
	Status   tool.StatusReport
}

// Snapshot resolves status for every registered adapter. Status probing is
// bounded per-adapter by tool.ProbeTimeout via each adapter's own Status
// implementation; callers that want a run-wide deadline should pass a
// context with their own timeout.
func (r *Registry) Snapshot(ctx context.Context) []StatusSnapshot {
	all := r.All()
	out := make([]StatusSnapshot, 0, len(all))
	for _, a := range all {
		out = append(out, StatusSnapshot{Metadata: a.Metadata(), Status: a.Status(ctx)})
	}
	return out
}
