// Package alert implements the rule engine: self-describing alert modules
// with per-device hysteresis state, schedule gating, and a periodic sweep
// for time-triggered modules.
package alert

import (
	"context"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// KeyCustom is the reserved module key for user-supplied expression rules.
const KeyCustom = "__custom__"

// Field describes one configurable module parameter for the frontend.
type Field struct {
	Key      string  `json:"key"`
	Label    string  `json:"label"`
	Type     string  `json:"type"` // "number", "text", "select"
	Unit     string  `json:"unit,omitempty"`
	Default  any     `json:"default,omitempty"`
	Min      float64 `json:"min,omitempty"`
	Max      float64 `json:"max,omitempty"`
	Required bool    `json:"required,omitempty"`
	Help     string  `json:"help,omitempty"`
	Options  []string `json:"options,omitempty"`
}

// Definition is the static metadata a module exposes to the engine and the
// frontend.
type Definition struct {
	Key         string         `json:"key"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Icon        string         `json:"icon,omitempty"`
	Severity    model.Severity `json:"severity"`
	// Hidden modules are excluded from the add-alert dropdown (managed
	// through their own UI, e.g. geofences).
	Hidden    bool     `json:"hidden,omitempty"`
	StateKeys []string `json:"state_keys,omitempty"`
	Fields    []Field  `json:"fields,omitempty"`
}

// Env is the evaluation environment handed to a module. Position is nil for
// sweep-time (CheckDevice) evaluation. State mutations are persisted by the
// engine after the evaluation cycle.
type Env struct {
	Now      time.Time
	Position *model.NormalizedPosition
	Device   *model.Device
	State    *model.DeviceState
	Params   Params
}

// Module is one registered alert rule unit.
type Module interface {
	Definition() Definition
	// Check evaluates the rule for one position. A nil event means the rule
	// did not fire; modules record hysteresis in env.State.
	Check(ctx context.Context, env *Env) (*model.AlertEvent, error)
}

// ManyChecker is implemented by modules that can yield several events per
// position (geofences). The engine prefers it over Check when present.
type ManyChecker interface {
	CheckMany(ctx context.Context, env *Env) ([]model.AlertEvent, error)
}

// DeviceChecker is implemented by time-triggered modules evaluated by the
// periodic sweep rather than the position path.
type DeviceChecker interface {
	CheckDevice(ctx context.Context, env *Env) (*model.AlertEvent, error)
}

// stateTime reads an RFC3339 hysteresis timestamp, zero when absent or
// unparseable.
func stateTime(st *model.DeviceState, key string) time.Time {
	raw := st.StateString(key)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func setStateTime(st *model.DeviceState, key string, t time.Time) {
	st.SetState(key, t.UTC().Format(time.RFC3339))
}
