package alert

import (
	"context"
	"fmt"

	"github.com/trackhaus/fleetd/internal/model"
)

// IdlingModule fires when the engine idles: ignition on and speed at or
// below the threshold continuously for the configured timeout.
type IdlingModule struct{}

func NewIdlingModule() *IdlingModule { return &IdlingModule{} }

func (m *IdlingModule) Definition() Definition {
	return Definition{
		Key:         "idle_timeout_minutes",
		Label:       "Idle Timeout Alert",
		Description: "Alert when the vehicle idles (ignition on, not moving) longer than the timeout.",
		Icon:        "parking",
		Severity:    model.SeverityInfo,
		StateKeys:   []string{"idling_since", "idling_alerted"},
		Fields: []Field{
			{Key: "timeout_minutes", Label: "Idle Timeout", Type: "number", Unit: "minutes",
				Default: 10, Min: 1, Max: 120, Required: true},
			{Key: "speed_threshold", Label: "Speed Threshold", Type: "number", Unit: "km/h",
				Default: 1.5, Min: 0, Max: 10,
				Help: "Speeds at or below this count as stationary."},
		},
	}
}

func (m *IdlingModule) Check(_ context.Context, env *Env) (*model.AlertEvent, error) {
	pos, st := env.Position, env.State
	timeout := env.Params.Float("timeout_minutes", 10)
	threshold := env.Params.Float("speed_threshold", 1.5)

	ignitionOn := pos.Ignition != nil && *pos.Ignition
	if !ignitionOn || pos.Speed > threshold {
		st.SetState("idling_since", "")
		st.SetState("idling_alerted", false)
		return nil, nil
	}

	since := stateTime(st, "idling_since")
	if since.IsZero() {
		setStateTime(st, "idling_since", pos.DeviceTime)
		return nil, nil
	}
	elapsedMin := pos.DeviceTime.Sub(since).Minutes()
	if elapsedMin < timeout || st.StateBool("idling_alerted") {
		return nil, nil
	}

	st.SetState("idling_alerted", true)
	return &model.AlertEvent{
		Type:     "idling",
		Severity: model.SeverityInfo,
		Message:  fmt.Sprintf("Idle Alert: vehicle stationary with ignition on for %d minutes.", int(elapsedMin)),
		Metadata: map[string]any{
			"duration_minutes": int(elapsedMin),
			"config_key":       "idle_timeout_minutes",
		},
	}, nil
}
