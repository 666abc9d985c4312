package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
	"github.com/trackhaus/fleetd/internal/rule"
)

// CustomRuleModule evaluates user-supplied expressions against live
// telemetry. Hysteresis keys are namespaced by a slug of the rule text so
// several custom rows coexist on one device. Malformed rules never fire and
// never surface an error to the user.
type CustomRuleModule struct {
	cache *rule.Cache
}

func NewCustomRuleModule(cache *rule.Cache) *CustomRuleModule {
	return &CustomRuleModule{cache: cache}
}

func (m *CustomRuleModule) Definition() Definition {
	return Definition{
		Key:         KeyCustom,
		Label:       "Custom Rule",
		Description: "Fires when a user-defined expression over live telemetry evaluates true.",
		Icon:        "flash",
		Severity:    model.SeverityWarning,
		Hidden:      true,
		Fields: []Field{
			{Key: "name", Label: "Rule Name", Type: "text", Required: true},
			{Key: "rule", Label: "Condition", Type: "text", Required: true,
				Help: `Expression such as "speed > 80 and ignition", optionally "... for 30 seconds".`},
			{Key: "duration", Label: "Sustain", Type: "number", Unit: "seconds",
				Help: "Condition must hold this long before firing. Overridden by a sustain clause in the rule."},
		},
	}
}

func (m *CustomRuleModule) Check(_ context.Context, env *Env) (*model.AlertEvent, error) {
	pos, st := env.Position, env.State
	ruleStr := env.Params.String("rule", "")
	ruleName := env.Params.String("name", "Custom Alert")
	channels := env.Params.Strings("channels")
	if ruleStr == "" {
		return nil, nil
	}

	prog, err := m.cache.Get(ruleStr)
	if err != nil {
		// Malformed rules are silently skipped.
		return nil, nil
	}
	sustain := prog.Sustain
	if sustain == 0 {
		sustain = time.Duration(env.Params.Float("duration", 0) * float64(time.Second))
	}

	slug := rule.Slug(ruleStr)
	firedKey := "c_fired_" + slug
	sinceKey := "c_since_" + slug

	ctx := map[string]any{
		"speed":    pos.Speed,
		"ignition": pos.Ignition,
	}
	for k, v := range pos.Sensors {
		ctx[k] = v
	}

	met, err := prog.Eval(ctx)
	if err != nil {
		// Evaluation errors (unknown sensor, type mismatch) behave like a
		// skipped rule and leave hysteresis untouched.
		return nil, nil
	}

	if !met {
		st.SetState(firedKey, false)
		st.SetState(sinceKey, "")
		return nil, nil
	}
	if st.StateBool(firedKey) {
		return nil, nil
	}

	if sustain > 0 {
		since := stateTime(st, sinceKey)
		if since.IsZero() {
			setStateTime(st, sinceKey, pos.DeviceTime)
			return nil, nil
		}
		if pos.DeviceTime.Sub(since) < sustain {
			return nil, nil
		}
	}

	st.SetState(firedKey, true)
	st.SetState(sinceKey, "")

	message := ruleName
	if sustain > 0 {
		message = fmt.Sprintf("%s (sustained for %ds)", ruleName, int(sustain.Seconds()))
	}
	return &model.AlertEvent{
		Type:     "custom",
		Severity: model.SeverityWarning,
		Message:  message,
		Metadata: map[string]any{
			"rule_name":         ruleName,
			"rule_condition":    ruleStr,
			"selected_channels": channels,
			"duration_seconds":  int(sustain.Seconds()),
		},
	}, nil
}
