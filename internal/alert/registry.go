package alert

import (
	"fmt"
	"sort"

	"github.com/trackhaus/fleetd/internal/rule"
)

// Registry maps module keys to registered modules. Registration happens at
// startup; lookups afterwards are read-only and need no locking.
type Registry struct {
	modules map[string]Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module, rejecting duplicate keys.
func (r *Registry) Register(m Module) error {
	key := m.Definition().Key
	if key == "" {
		return fmt.Errorf("alert: module has empty key")
	}
	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("alert: module %q already registered", key)
	}
	r.modules[key] = m
	return nil
}

// Get returns the module for a key.
func (r *Registry) Get(key string) (Module, bool) {
	m, ok := r.modules[key]
	return m, ok
}

// All returns every module sorted by key.
func (r *Registry) All() []Module {
	out := make([]Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Definition().Key < out[j].Definition().Key
	})
	return out
}

// NewDefaultRegistry registers the built-in module set. Geofence lookups go
// through the supplied source; custom rules share one compile cache. Panics
// on conflicting registrations, which can only be a programming error.
func NewDefaultRegistry(geofences GeofenceSource) *Registry {
	r := NewRegistry()
	for _, m := range []Module{
		NewSpeedingModule(),
		NewIdlingModule(),
		NewTowingModule(),
		NewGeofenceModule(geofences),
		NewMaintenanceModule(),
		NewOfflineModule(),
		NewCustomRuleModule(rule.NewCache()),
	} {
		if err := r.Register(m); err != nil {
			panic(err)
		}
	}
	return r
}
