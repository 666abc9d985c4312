package alert

import (
	"context"
	"fmt"

	"github.com/trackhaus/fleetd/internal/geo"
	"github.com/trackhaus/fleetd/internal/model"
)

// GeofenceSource supplies the active geofences visible to a device
// (device-scoped plus global).
type GeofenceSource interface {
	GeofencesForDevice(ctx context.Context, deviceID int64) ([]model.Geofence, error)
}

// GeofenceModule fires enter/exit events on polygon crossings, one event per
// fence and direction, debounced on per-fence latches.
type GeofenceModule struct {
	source GeofenceSource
}

func NewGeofenceModule(source GeofenceSource) *GeofenceModule {
	return &GeofenceModule{source: source}
}

func (m *GeofenceModule) Definition() Definition {
	return Definition{
		Key:         "geofence_alert",
		Label:       "Geofence",
		Description: "Fires on geofence enter/exit crossings (zones are managed on the Geofences tab).",
		Icon:        "map-marker",
		Severity:    model.SeverityWarning,
		Hidden:      true,
		Fields: []Field{
			{Key: "geofence_id", Label: "Geofence", Type: "number",
				Help: "Restrict to one zone; unset watches every zone visible to the device."},
			{Key: "event_type", Label: "Event", Type: "select", Default: "both",
				Options: []string{"enter", "exit", "both"}},
		},
	}
}

// Check is unused: geofences can produce several events per position, so the
// engine calls CheckMany.
func (m *GeofenceModule) Check(context.Context, *Env) (*model.AlertEvent, error) {
	return nil, nil
}

func (m *GeofenceModule) CheckMany(ctx context.Context, env *Env) ([]model.AlertEvent, error) {
	pos, st := env.Position, env.State
	onlyID := int64(env.Params.Int("geofence_id", 0))
	eventType := env.Params.String("event_type", "both")
	wantEnter := eventType == "enter" || eventType == "both"
	wantExit := eventType == "exit" || eventType == "both"

	fences, err := m.source.GeofencesForDevice(ctx, env.Device.ID)
	if err != nil {
		return nil, fmt.Errorf("alert: geofence lookup: %w", err)
	}

	var events []model.AlertEvent
	for _, g := range fences {
		if onlyID != 0 && g.ID != onlyID {
			continue
		}
		enterKey := fmt.Sprintf("geofence_%d_enter", g.ID)
		exitKey := fmt.Sprintf("geofence_%d_exit", g.ID)

		inside := geo.PointInPolygon(pos.Longitude, pos.Latitude, g.Polygon)
		wasInside := st.StateBool(enterKey)

		switch {
		case inside && !wasInside:
			st.SetState(enterKey, true)
			st.SetState(exitKey, false)
			if wantEnter && g.AlertOnEnter {
				events = append(events, model.AlertEvent{
					Type:     "geofence_enter",
					Severity: model.SeverityWarning,
					Message:  fmt.Sprintf("Geofence Alert: entered zone %q.", g.Name),
					Metadata: map[string]any{
						"geofence_id":   g.ID,
						"geofence_name": g.Name,
						"event":         "enter",
					},
				})
			}
		case inside:
			// Still inside: exit can fire again once we leave.
			st.SetState(exitKey, false)
		case wasInside:
			st.SetState(enterKey, false)
			if !st.StateBool(exitKey) {
				st.SetState(exitKey, true)
				if wantExit && g.AlertOnExit {
					events = append(events, model.AlertEvent{
						Type:     "geofence_exit",
						Severity: model.SeverityWarning,
						Message:  fmt.Sprintf("Geofence Alert: exited zone %q.", g.Name),
						Metadata: map[string]any{
							"geofence_id":   g.ID,
							"geofence_name": g.Name,
							"event":         "exit",
						},
					})
				}
			}
		}
	}
	return events, nil
}
