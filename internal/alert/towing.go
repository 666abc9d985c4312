package alert

import (
	"context"
	"fmt"

	"github.com/trackhaus/fleetd/internal/geo"
	"github.com/trackhaus/fleetd/internal/model"
)

// TowingModule anchors the vehicle where the ignition went off and fires
// when a later fix moves beyond the threshold while still off.
type TowingModule struct{}

func NewTowingModule() *TowingModule { return &TowingModule{} }

func (m *TowingModule) Definition() Definition {
	return Definition{
		Key:         "towing_threshold_meters",
		Label:       "Towing Alert",
		Description: "Alert when the vehicle moves away from its parked position with ignition off.",
		Icon:        "tow-truck",
		Severity:    model.SeverityCritical,
		StateKeys:   []string{"towing_anchor_lat", "towing_anchor_lon", "towing_alerted"},
		Fields: []Field{
			{Key: "threshold_meters", Label: "Distance Threshold", Type: "number", Unit: "meters",
				Default: 100, Min: 10, Max: 1000, Required: true},
			{Key: "reset_on_ignition", Label: "Reset on Ignition", Type: "select",
				Default: true, Help: "Clear the parked anchor whenever the ignition turns on."},
		},
	}
}

func (m *TowingModule) Check(_ context.Context, env *Env) (*model.AlertEvent, error) {
	pos, st := env.Position, env.State
	threshold := env.Params.Float("threshold_meters", 100)
	resetOnIgnition := env.Params.Bool("reset_on_ignition", true)

	if pos.Ignition != nil && *pos.Ignition {
		if resetOnIgnition {
			st.ClearState("towing_anchor_lat")
			st.ClearState("towing_anchor_lon")
			st.SetState("towing_alerted", false)
		}
		return nil, nil
	}

	anchorLat, okLat := st.StateFloat("towing_anchor_lat")
	anchorLon, okLon := st.StateFloat("towing_anchor_lon")
	if !okLat || !okLon {
		// First fix after parking becomes the anchor.
		st.SetState("towing_anchor_lat", pos.Latitude)
		st.SetState("towing_anchor_lon", pos.Longitude)
		return nil, nil
	}

	meters := geo.HaversineKm(anchorLat, anchorLon, pos.Latitude, pos.Longitude) * 1000
	if meters <= threshold || st.StateBool("towing_alerted") {
		return nil, nil
	}

	st.SetState("towing_alerted", true)
	return &model.AlertEvent{
		Type:     "towing",
		Severity: model.SeverityCritical,
		Message: fmt.Sprintf("Towing Alert: vehicle moved %dm from its parked position (limit %dm).",
			int(meters), int(threshold)),
		Metadata: map[string]any{
			"distance_meters": int(meters),
			"threshold":       threshold,
			"config_key":      "towing_threshold_meters",
		},
	}, nil
}
