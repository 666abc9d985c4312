package alert

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/trackhaus/fleetd/internal/metrics"
	"github.com/trackhaus/fleetd/internal/model"
)

// StateStore is the slice of persistence the engine needs.
type StateStore interface {
	SaveAlertStates(ctx context.Context, deviceID int64, states map[string]any) error
	ActiveDevices(ctx context.Context) ([]model.Device, error)
	LoadOrCreateState(ctx context.Context, deviceID int64) (*model.DeviceState, error)
	MarkOffline(ctx context.Context, deviceID int64) error
}

// Dispatcher receives every fired alert event. It owns per-user history
// rows, notification delivery and the single real-time broadcast.
type Dispatcher interface {
	DispatchAlert(ctx context.Context, device *model.Device, event *model.AlertEvent)
}

// Config configures the engine.
type Config struct {
	Logger     *slog.Logger
	Registry   *Registry
	Store      StateStore
	Dispatcher Dispatcher
	Clock      clockwork.Clock

	// SweepInterval is the period of the time-triggered module sweep.
	SweepInterval time.Duration
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("alert: logger is required")
	}
	if c.Registry == nil {
		return errors.New("alert: registry is required")
	}
	if c.Store == nil {
		return errors.New("alert: store is required")
	}
	if c.Dispatcher == nil {
		return errors.New("alert: dispatcher is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	return nil
}

// Engine dispatches alert rows against incoming positions and runs the
// periodic sweep for time-triggered modules.
type Engine struct {
	log        *slog.Logger
	registry   *Registry
	store      StateStore
	dispatcher Dispatcher
	clock      clockwork.Clock
	sweepEvery time.Duration
}

// NewEngine builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		log:        cfg.Logger,
		registry:   cfg.Registry,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		clock:      cfg.Clock,
		sweepEvery: cfg.SweepInterval,
	}, nil
}

// rowParams builds the module parameter bag for a row. Custom rows carry
// name/rule/channels at the top level rather than in Params.
func rowParams(row *model.AlertRow) Params {
	if row.AlertKey == KeyCustom {
		return Params{
			"name":     row.Name,
			"rule":     row.Rule,
			"channels": row.Channels,
			"duration": paramOrNil(row.Params, "duration"),
		}
	}
	return Params(row.Params)
}

func paramOrNil(params map[string]any, key string) any {
	if params == nil {
		return nil
	}
	return params[key]
}

// ProcessPosition evaluates every scheduled alert row against one position.
// The caller guarantees per-device serialization; the mutated alert_states
// map is persisted exactly once after all rows ran.
func (e *Engine) ProcessPosition(ctx context.Context, pos *model.NormalizedPosition, device *model.Device, state *model.DeviceState) {
	now := e.clock.Now().UTC()
	env := &Env{Now: now, Position: pos, Device: device, State: state}

	var fired []model.AlertEvent
	for i := range device.Config.AlertRows {
		row := &device.Config.AlertRows[i]
		module, ok := e.registry.Get(row.AlertKey)
		if !ok {
			continue
		}
		if !row.Schedule.Active(now) {
			continue
		}
		env.Params = rowParams(row)

		events, err := e.checkMany(ctx, module, env)
		if err != nil {
			e.log.Warn("alert module failed",
				"module", row.AlertKey, "device", device.IMEI, "error", err)
			continue
		}
		fired = append(fired, events...)
	}

	if err := e.store.SaveAlertStates(ctx, device.ID, state.AlertStates); err != nil {
		e.log.Warn("persisting alert states failed", "device", device.IMEI, "error", err)
	}

	for i := range fired {
		event := &fired[i]
		if event.Latitude == nil {
			lat, lon := pos.Latitude, pos.Longitude
			event.Latitude, event.Longitude = &lat, &lon
		}
		metrics.AlertsFired.WithLabelValues(event.Type).Inc()
		e.dispatcher.DispatchAlert(ctx, device, event)
	}
}

// checkMany prefers the multi-event path and falls back to wrapping Check.
func (e *Engine) checkMany(ctx context.Context, module Module, env *Env) ([]model.AlertEvent, error) {
	if many, ok := module.(ManyChecker); ok {
		return many.CheckMany(ctx, env)
	}
	event, err := module.Check(ctx, env)
	if err != nil || event == nil {
		return nil, err
	}
	return []model.AlertEvent{*event}, nil
}

// Run executes the periodic sweep until the context is canceled. Per-device
// errors are logged and never abort the loop.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("alert sweep started", "interval", e.sweepEvery)
	ticker := e.clock.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.Info("alert sweep stopped")
			return ctx.Err()
		case <-ticker.Chan():
			e.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of the time-triggered modules over all active
// devices.
func (e *Engine) Sweep(ctx context.Context) {
	devices, err := e.store.ActiveDevices(ctx)
	if err != nil {
		e.log.Warn("sweep: listing devices failed", "error", err)
		return
	}
	for i := range devices {
		device := &devices[i]
		if err := e.sweepDevice(ctx, device); err != nil {
			e.log.Warn("sweep: device failed", "device", device.IMEI, "error", err)
		}
	}
}

func (e *Engine) sweepDevice(ctx context.Context, device *model.Device) error {
	state, err := e.store.LoadOrCreateState(ctx, device.ID)
	if err != nil {
		return err
	}
	now := e.clock.Now().UTC()

	for i := range device.Config.AlertRows {
		row := &device.Config.AlertRows[i]
		module, ok := e.registry.Get(row.AlertKey)
		if !ok {
			continue
		}
		checker, ok := module.(DeviceChecker)
		if !ok {
			continue
		}
		if !row.Schedule.Active(now) {
			continue
		}

		env := &Env{Now: now, Device: device, State: state, Params: rowParams(row)}
		event, err := checker.CheckDevice(ctx, env)
		if err != nil {
			e.log.Warn("sweep: module failed",
				"module", row.AlertKey, "device", device.IMEI, "error", err)
			continue
		}
		// A module may set or clear hysteresis without firing; persist
		// after every call.
		if err := e.store.SaveAlertStates(ctx, device.ID, state.AlertStates); err != nil {
			e.log.Warn("sweep: persisting alert states failed", "device", device.IMEI, "error", err)
		}
		if event != nil {
			metrics.AlertsFired.WithLabelValues(event.Type).Inc()
			e.dispatcher.DispatchAlert(ctx, device, event)
			// A fired offline alert also flips the live flag.
			if event.Type == "offline" && state.IsOnline {
				state.IsOnline = false
				if err := e.store.MarkOffline(ctx, device.ID); err != nil {
					e.log.Warn("sweep: marking device offline failed",
						"device", device.IMEI, "error", err)
				}
			}
		}
	}
	return nil
}
