// Package ingest is the position processor: device lookup, odometer and trip
// accounting, state persistence, alert evaluation and the real-time publish,
// serialized per device through a mailbox actor.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/trackhaus/fleetd/internal/bus"
	"github.com/trackhaus/fleetd/internal/geo"
	"github.com/trackhaus/fleetd/internal/metrics"
	"github.com/trackhaus/fleetd/internal/model"
	"github.com/trackhaus/fleetd/internal/store"
)

// movingSpeedKmh is the is_moving threshold.
const movingSpeedKmh = 1.0

// PositionStore is the slice of persistence the processor needs.
type PositionStore interface {
	DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error)
	LoadOrCreateState(ctx context.Context, deviceID int64) (*model.DeviceState, error)
	SaveState(ctx context.Context, st *model.DeviceState) error
	InsertPosition(ctx context.Context, deviceID int64, pos *model.NormalizedPosition) (int64, error)
	OpenTrip(ctx context.Context, deviceID int64, start time.Time, lat, lon float64) (int64, error)
	CloseTrip(ctx context.Context, trip *model.Trip) error
	UpdateTripProgress(ctx context.Context, tripID int64, distanceKm, speed float64) error
}

// AlertEngine is the downstream rule evaluator.
type AlertEngine interface {
	ProcessPosition(ctx context.Context, pos *model.NormalizedPosition, device *model.Device, state *model.DeviceState)
}

// Publisher is the real-time broadcast sink.
type Publisher interface {
	Publish(topic, kind string, payload any)
}

// PositionBroadcast is the payload of a position_update bus message.
type PositionBroadcast struct {
	DeviceID        int64                     `json:"device_id"`
	Position        *model.NormalizedPosition `json:"position"`
	IsMoving        bool                      `json:"is_moving"`
	TotalOdometerKm float64                   `json:"total_odometer_km"`
	ActiveTripID    *int64                    `json:"active_trip_id,omitempty"`
}

// Config configures the processor.
type Config struct {
	Logger *slog.Logger
	Store  PositionStore
	Alerts AlertEngine
	Bus    Publisher

	// DeviceCacheTTL bounds how long a device identity lookup is reused.
	DeviceCacheTTL time.Duration
	// MailboxSize is each device actor's queue depth; enqueue blocks when
	// full so per-connection ordering is preserved.
	MailboxSize int
	// ProcessTimeout bounds one position's database work.
	ProcessTimeout time.Duration
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("ingest: logger is required")
	}
	if c.Store == nil {
		return errors.New("ingest: store is required")
	}
	if c.Alerts == nil {
		return errors.New("ingest: alert engine is required")
	}
	if c.Bus == nil {
		return errors.New("ingest: bus is required")
	}
	if c.DeviceCacheTTL == 0 {
		c.DeviceCacheTTL = time.Minute
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = 64
	}
	if c.ProcessTimeout == 0 {
		c.ProcessTimeout = 30 * time.Second
	}
	return nil
}

// Processor routes each device's positions through a single goroutine so
// state mutations and trip transitions never race, per-device, while
// different devices proceed in parallel.
type Processor struct {
	log            *slog.Logger
	store          PositionStore
	alerts         AlertEngine
	bus            Publisher
	devices        *ttlcache.Cache[string, *model.Device]
	mailboxSize    int
	processTimeout time.Duration

	mu        sync.Mutex
	mailboxes map[int64]chan work
	closed    bool
	wg        sync.WaitGroup
}

// work pairs a position with the device snapshot it was resolved against, so
// a config change picked up by the TTL cache applies from that position on.
type work struct {
	device *model.Device
	pos    *model.NormalizedPosition
}

// NewProcessor builds a processor.
func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	devices := ttlcache.New(
		ttlcache.WithTTL[string, *model.Device](cfg.DeviceCacheTTL),
		ttlcache.WithDisableTouchOnHit[string, *model.Device](),
	)
	go devices.Start()

	return &Processor{
		log:            cfg.Logger,
		store:          cfg.Store,
		alerts:         cfg.Alerts,
		bus:            cfg.Bus,
		devices:        devices,
		mailboxSize:    cfg.MailboxSize,
		processTimeout: cfg.ProcessTimeout,
		mailboxes:      make(map[int64]chan work),
	}, nil
}

// Close drains every device actor and stops the cache janitor.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, mb := range p.mailboxes {
		close(mb)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.devices.Stop()
}

// HandlePosition validates, resolves the device and enqueues the position on
// its actor. It blocks when the actor's mailbox is full, preserving arrival
// order, and returns early only on context cancellation.
func (p *Processor) HandlePosition(ctx context.Context, protocol string, pos *model.NormalizedPosition) {
	pos.Sanitize()
	if !pos.Valid() {
		metrics.PositionsDropped.WithLabelValues("invalid").Inc()
		p.log.Warn("dropping out-of-range position", "imei", pos.IMEI, "protocol", protocol)
		return
	}
	device := p.device(ctx, pos.IMEI)
	if device == nil {
		metrics.PositionsDropped.WithLabelValues("unknown_imei").Inc()
		p.log.Warn("dropping position for unknown device", "imei", pos.IMEI, "protocol", protocol)
		return
	}

	mb := p.mailbox(device.ID)
	if mb == nil {
		return // closed
	}
	select {
	case mb <- work{device: device, pos: pos}:
		metrics.PositionsProcessed.WithLabelValues(protocol).Inc()
	case <-ctx.Done():
	}
}

func (p *Processor) device(ctx context.Context, imei string) *model.Device {
	if item := p.devices.Get(imei); item != nil {
		return item.Value()
	}
	device, err := p.store.DeviceByIMEI(ctx, imei)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.log.Warn("device lookup failed", "imei", imei, "error", err)
		}
		return nil
	}
	p.devices.Set(imei, device, ttlcache.DefaultTTL)
	return device
}

func (p *Processor) mailbox(deviceID int64) chan work {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	mb, ok := p.mailboxes[deviceID]
	if ok {
		return mb
	}
	mb = make(chan work, p.mailboxSize)
	p.mailboxes[deviceID] = mb
	p.wg.Add(1)
	go p.runActor(mb)
	return mb
}

func (p *Processor) runActor(mb chan work) {
	defer p.wg.Done()
	for w := range mb {
		ctx, cancel := context.WithTimeout(context.Background(), p.processTimeout)
		if err := p.process(ctx, w.device, w.pos); err != nil {
			p.log.Warn("processing position failed",
				"imei", w.device.IMEI, "device", w.device.ID, "error", err)
		}
		cancel()
	}
}

func (p *Processor) process(ctx context.Context, device *model.Device, pos *model.NormalizedPosition) error {
	state, err := p.store.LoadOrCreateState(ctx, device.ID)
	if err != nil {
		return err
	}

	// Odometer before the trip machine so a closing trip includes the final
	// leg.
	if state.HasPosition && pos.ValidFix {
		legKm := geo.HaversineKm(state.LastLatitude, state.LastLongitude, pos.Latitude, pos.Longitude)
		state.TotalOdometerKm += legKm
		if state.ActiveTripID != nil {
			state.TripOdometerKm += legKm
		}
	}

	if pos.Ignition != nil {
		p.transitionTrip(ctx, device, state, pos)
	}
	if state.ActiveTripID != nil {
		if err := p.store.UpdateTripProgress(ctx, *state.ActiveTripID, state.TripOdometerKm, pos.Speed); err != nil {
			p.log.Warn("trip progress update failed", "trip", *state.ActiveTripID, "error", err)
		}
	}

	p.applyPosition(state, pos)
	if err := p.store.SaveState(ctx, state); err != nil {
		return err
	}
	if _, err := p.store.InsertPosition(ctx, device.ID, pos); err != nil {
		return err
	}

	p.alerts.ProcessPosition(ctx, pos, device, state)

	p.bus.Publish(bus.DeviceTopic(device.ID), bus.KindPosition, PositionBroadcast{
		DeviceID:        device.ID,
		Position:        pos,
		IsMoving:        state.IsMoving,
		TotalOdometerKm: state.TotalOdometerKm,
		ActiveTripID:    state.ActiveTripID,
	})
	return nil
}

// transitionTrip runs the ignition-keyed trip state machine.
func (p *Processor) transitionTrip(ctx context.Context, device *model.Device, state *model.DeviceState, pos *model.NormalizedPosition) {
	ignition := *pos.Ignition
	switch {
	case ignition && !state.IgnitionOn:
		tripID, err := p.store.OpenTrip(ctx, device.ID, pos.DeviceTime, pos.Latitude, pos.Longitude)
		if err != nil {
			p.log.Warn("opening trip failed", "imei", device.IMEI, "error", err)
		} else {
			state.ActiveTripID = &tripID
			state.TripOdometerKm = 0
			metrics.TripsOpened.Inc()
		}
		on := pos.DeviceTime
		state.LastIgnitionOn = &on

	case !ignition && state.IgnitionOn:
		if state.ActiveTripID != nil {
			p.closeTrip(ctx, device, state, pos)
		}
		off := pos.DeviceTime
		state.LastIgnitionOff = &off
	}
	state.IgnitionOn = ignition
}

func (p *Processor) closeTrip(ctx context.Context, device *model.Device, state *model.DeviceState, pos *model.NormalizedPosition) {
	end := pos.DeviceTime
	lat, lon := pos.Latitude, pos.Longitude
	trip := model.Trip{
		ID:           *state.ActiveTripID,
		DeviceID:     device.ID,
		EndTime:      &end,
		EndLatitude:  &lat,
		EndLongitude: &lon,
		DistanceKm:   state.TripOdometerKm,
	}
	if state.LastIgnitionOn != nil {
		minutes := int(end.Sub(*state.LastIgnitionOn).Minutes())
		trip.DurationMinutes = &minutes
		if minutes > 0 {
			avg := trip.DistanceKm / float64(minutes) * 60
			trip.AvgSpeed = &avg
		}
	}

	if err := p.store.CloseTrip(ctx, &trip); err != nil {
		p.log.Warn("closing trip failed", "trip", trip.ID, "imei", device.IMEI, "error", err)
	} else {
		metrics.TripsClosed.Inc()
	}
	state.ActiveTripID = nil
	state.TripOdometerKm = 0
}

func (p *Processor) applyPosition(state *model.DeviceState, pos *model.NormalizedPosition) {
	if pos.ValidFix {
		state.LastLatitude = pos.Latitude
		state.LastLongitude = pos.Longitude
		state.LastAltitude = pos.Altitude
		state.LastCourse = pos.Course
		state.HasPosition = true
	}
	state.LastSpeed = pos.Speed
	state.Satellites = pos.Satellites
	state.IsMoving = pos.Speed > movingSpeedKmh
	state.IsOnline = true
	now := pos.ServerTime
	state.LastUpdate = &now
	deviceTime := pos.DeviceTime
	state.LastDeviceTime = &deviceTime
}
