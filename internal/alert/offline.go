package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// OfflineModule is time-triggered: the periodic sweep calls CheckDevice,
// never the position path. A device that reports again resets the latch
// through the same sweep path once its last_update is fresh.
type OfflineModule struct{}

func NewOfflineModule() *OfflineModule { return &OfflineModule{} }

func (m *OfflineModule) Definition() Definition {
	return Definition{
		Key:         "offline_detection",
		Label:       "Offline Detection",
		Description: "Alert when the device has not reported for the configured number of hours.",
		Icon:        "signal-off",
		Severity:    model.SeverityWarning,
		StateKeys:   []string{"offline_alerted"},
		Fields: []Field{
			{Key: "timeout_hours", Label: "Offline Timeout", Type: "number", Unit: "hours",
				Default: 24, Min: 1, Max: 720, Required: true},
		},
	}
}

// Check is a no-op: this module only runs from the sweep.
func (m *OfflineModule) Check(context.Context, *Env) (*model.AlertEvent, error) {
	return nil, nil
}

func (m *OfflineModule) CheckDevice(_ context.Context, env *Env) (*model.AlertEvent, error) {
	st := env.State
	timeoutHours := env.Params.Float("timeout_hours", 24)

	if st.LastUpdate == nil {
		return nil, nil
	}
	elapsed := env.Now.Sub(*st.LastUpdate)
	if elapsed < time.Duration(timeoutHours*float64(time.Hour)) {
		st.SetState("offline_alerted", false)
		return nil, nil
	}
	if st.StateBool("offline_alerted") {
		return nil, nil
	}

	st.SetState("offline_alerted", true)
	return &model.AlertEvent{
		Type:     "offline",
		Severity: model.SeverityWarning,
		Message:  fmt.Sprintf("Device offline: no data for over %.0f hours.", timeoutHours),
		Metadata: map[string]any{
			"last_update":   st.LastUpdate.UTC().Format(time.RFC3339),
			"timeout_hours": timeoutHours,
			"config_key":    "offline_detection",
		},
	}, nil
}
