package alert

import (
	"context"
	"fmt"

	"github.com/trackhaus/fleetd/internal/model"
)

// SpeedingModule fires when speed stays above the limit continuously for the
// configured duration. The verification window is measured on device time so
// buffered (store-and-forward) positions behave correctly.
type SpeedingModule struct{}

func NewSpeedingModule() *SpeedingModule { return &SpeedingModule{} }

func (m *SpeedingModule) Definition() Definition {
	return Definition{
		Key:         "speed_tolerance",
		Label:       "Speed Limit Alert",
		Description: "Alert when speed exceeds the limit continuously for the verification window.",
		Icon:        "speed",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"speeding_since", "speeding_alerted"},
		Fields: []Field{
			{Key: "speed_limit", Label: "Speed Limit", Type: "number", Unit: "km/h",
				Default: 100, Min: 0, Max: 300, Required: true},
			{Key: "duration_seconds", Label: "Verification Window", Type: "number", Unit: "seconds",
				Default: 30, Min: 0, Max: 600,
				Help: "Speed must stay above the limit this long before the alert fires."},
		},
	}
}

func (m *SpeedingModule) Check(_ context.Context, env *Env) (*model.AlertEvent, error) {
	pos, st := env.Position, env.State
	limit := env.Params.Float("speed_limit", 100)
	window := env.Params.Float("duration_seconds", 30)

	if pos.Speed <= limit {
		st.SetState("speeding_since", "")
		st.SetState("speeding_alerted", false)
		return nil, nil
	}
	if st.StateBool("speeding_alerted") {
		return nil, nil
	}

	since := stateTime(st, "speeding_since")
	if since.IsZero() {
		setStateTime(st, "speeding_since", pos.DeviceTime)
		return nil, nil
	}
	elapsed := pos.DeviceTime.Sub(since).Seconds()
	if elapsed < window {
		return nil, nil
	}

	st.SetState("speeding_alerted", true)
	return &model.AlertEvent{
		Type:     "speeding",
		Severity: model.SeverityWarning,
		Message: fmt.Sprintf("Speeding: %.1f km/h (limit %.0f km/h) for %ds.",
			pos.Speed, limit, int(elapsed)),
		Metadata: map[string]any{
			"speed":      pos.Speed,
			"limit":      limit,
			"duration":   int(elapsed),
			"config_key": "speed_tolerance",
		},
	}, nil
}
