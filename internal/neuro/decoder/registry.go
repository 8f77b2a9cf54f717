package decoder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/parietal-data/decode.stream/internal/monitoring"
)

// Registry is the process-wide decoder catalog. It is read-mostly:
// registration happens at startup (builtins) and on user submission;
// lookups happen on every activation.
type Registry struct {
	mu       sync.RWMutex
	emaAlpha float64
	decoders map[string]*Descriptor
}

// Info is a summary of a registered decoder for listing endpoints.
type Info struct {
	ID    string        `json:"id"`
	Name  string        `json:"name"`
	Kind  ExecutionKind `json:"kind"`
	Stats StatsSnapshot `json:"stats"`
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[string]*Descriptor)}
}

// SetEMAAlpha sets the latency EMA smoothing factor attached to
// decoders registered from now on. Zero keeps the stats default.
func (r *Registry) SetEMAAlpha(alpha float64) {
	r.mu.Lock()
	r.emaAlpha = alpha
	r.mu.Unlock()
}

// Register inserts a descriptor. If the ID is already present the
// existing descriptor is overwritten and a warning is logged — this
// supports save-as-update during iterative editing of custom decoders.
// Source syntax is deliberately not validated here; compilation errors
// surface at activation time instead.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("register decoder: %w", err)
	}
	r.mu.Lock()
	if d.Stats == nil {
		d.Stats = NewRunningStats(r.emaAlpha)
	}
	_, replaced := r.decoders[d.ID]
	r.decoders[d.ID] = d
	r.mu.Unlock()

	if replaced {
		monitoring.Logf("decoder registry: overwrote existing decoder %q", d.ID)
	} else {
		monitoring.Logf("decoder registry: registered %s decoder %q", d.Kind, d.ID)
	}
	return nil
}

// Get retrieves a descriptor by ID. Returns false if not found.
func (r *Registry) Get(id string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decoders[id]
	return d, ok
}

// ListByKind returns summaries of all decoders of the given execution
// kind, sorted by ID for deterministic output. An empty kind lists all.
func (r *Registry) ListByKind(kind ExecutionKind) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.decoders))
	for _, d := range r.decoders {
		if kind != "" && d.Kind != kind {
			continue
		}
		infos = append(infos, Info{
			ID:    d.ID,
			Name:  d.Name,
			Kind:  d.Kind,
			Stats: d.Stats.Snapshot(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Remove deletes a descriptor by ID. Returns true if one was removed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.decoders[id]
	delete(r.decoders, id)
	return ok
}
