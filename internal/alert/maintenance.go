package alert

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/trackhaus/fleetd/internal/model"
)

// MaintenanceModule reminds when the odometer approaches a service interval.
// It fires once inside each warning window and re-arms after the interval
// rolls over.
type MaintenanceModule struct{}

func NewMaintenanceModule() *MaintenanceModule { return &MaintenanceModule{} }

func (m *MaintenanceModule) Definition() Definition {
	return Definition{
		Key:         "maintenance_alert",
		Label:       "Maintenance Due",
		Description: "Alert when a maintenance interval is approaching on the odometer.",
		Icon:        "wrench",
		Severity:    model.SeverityInfo,
		Hidden:      true,
		Fields: []Field{
			{Key: "maintenance_type", Label: "Type", Type: "select", Default: "oil_change",
				Options: []string{"oil_change", "tire_rotation", "inspection", "custom"}},
			{Key: "interval_km", Label: "Interval", Type: "number", Unit: "km",
				Default: 10000, Min: 100, Max: 100000, Required: true},
			{Key: "warning_km", Label: "Warn Before", Type: "number", Unit: "km",
				Default: 100, Min: 1, Max: 5000},
			{Key: "custom_label", Label: "Label", Type: "text",
				Help: "Shown in the alert message when the type is custom."},
		},
	}
}

func (m *MaintenanceModule) Check(_ context.Context, env *Env) (*model.AlertEvent, error) {
	st := env.State
	maintType := env.Params.String("maintenance_type", "oil_change")
	interval := env.Params.Float("interval_km", 0)
	warning := env.Params.Float("warning_km", 100)
	if interval <= 0 {
		return nil, nil
	}

	alertedKey := fmt.Sprintf("maint_%s_alerted", maintType)
	remaining := interval - math.Mod(st.TotalOdometerKm, interval)

	if remaining <= 0 || remaining > warning {
		st.SetState(alertedKey, false)
		return nil, nil
	}
	if st.StateBool(alertedKey) {
		return nil, nil
	}

	label := env.Params.String("custom_label", "")
	if label == "" {
		label = strings.ReplaceAll(maintType, "_", " ")
	}

	st.SetState(alertedKey, true)
	return &model.AlertEvent{
		Type:     "maintenance",
		Severity: model.SeverityInfo,
		Message:  fmt.Sprintf("Maintenance Reminder: %s due in %d km.", label, int(remaining)),
		Metadata: map[string]any{
			"maintenance_type": maintType,
			"km_remaining":     int(remaining),
			"config_key":       "maintenance_alert",
		},
	}, nil
}
