package alert

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/trackhaus/fleetd/internal/model"
	"github.com/trackhaus/fleetd/internal/rule"
)

type fakeStore struct {
	mu      sync.Mutex
	saves   int
	devices []model.Device
	states  map[int64]*model.DeviceState
	offline []int64
}

func (f *fakeStore) SaveAlertStates(context.Context, int64, map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	return nil
}

func (f *fakeStore) ActiveDevices(context.Context) ([]model.Device, error) {
	return f.devices, nil
}

func (f *fakeStore) LoadOrCreateState(_ context.Context, deviceID int64) (*model.DeviceState, error) {
	return f.states[deviceID], nil
}

func (f *fakeStore) MarkOffline(_ context.Context, deviceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, deviceID)
	return nil
}

type fakeDispatcher struct {
	mu     sync.Mutex
	events []model.AlertEvent
}

func (f *fakeDispatcher) DispatchAlert(_ context.Context, _ *model.Device, event *model.AlertEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *event)
}

func (f *fakeDispatcher) fired() []model.AlertEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AlertEvent(nil), f.events...)
}

type fakeGeofences struct {
	fences []model.Geofence
}

func (f *fakeGeofences) GeofencesForDevice(context.Context, int64) ([]model.Geofence, error) {
	return f.fences, nil
}

func boolPtr(b bool) *bool { return &b }

var testEpoch = time.Date(2021, 3, 1, 12, 0, 0, 0, time.UTC) // a Monday

func testPosition(offset time.Duration, speed float64, ignition *bool) *model.NormalizedPosition {
	return &model.NormalizedPosition{
		IMEI:       "356307042441013",
		DeviceTime: testEpoch.Add(offset),
		ServerTime: testEpoch.Add(offset),
		Latitude:   10.0,
		Longitude:  20.0,
		Speed:      speed,
		Ignition:   ignition,
		ValidFix:   true,
	}
}

type engineFixture struct {
	engine     *Engine
	store      *fakeStore
	dispatcher *fakeDispatcher
	clock      *clockwork.FakeClock
	device     *model.Device
	state      *model.DeviceState
}

func newEngineFixture(t *testing.T, geofences GeofenceSource, rows ...model.AlertRow) *engineFixture {
	t.Helper()
	if geofences == nil {
		geofences = &fakeGeofences{}
	}
	device := &model.Device{
		ID:       1,
		IMEI:     "356307042441013",
		Protocol: "teltonika",
		Name:     "Truck 7",
		Config:   model.DeviceConfig{AlertRows: rows},
		UserIDs:  []int64{1},
	}
	state := &model.DeviceState{DeviceID: 1, AlertStates: map[string]any{}}
	st := &fakeStore{
		devices: []model.Device{*device},
		states:  map[int64]*model.DeviceState{1: state},
	}
	dispatcher := &fakeDispatcher{}
	clock := clockwork.NewFakeClockAt(testEpoch)

	engine, err := NewEngine(Config{
		Logger:     slog.Default(),
		Registry:   NewDefaultRegistry(geofences),
		Store:      st,
		Dispatcher: dispatcher,
		Clock:      clock,
	})
	require.NoError(t, err)
	return &engineFixture{engine: engine, store: st, dispatcher: dispatcher, clock: clock, device: device, state: state}
}

func (fx *engineFixture) process(pos *model.NormalizedPosition) {
	fx.engine.ProcessPosition(context.Background(), pos, fx.device, fx.state)
}

func TestAlert_Speeding_SustainedOverLimitFiresOnce(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "speed_tolerance",
		Params: map[string]any{"speed_limit": 80.0, "duration_seconds": 30.0},
	})

	fx.process(testPosition(0, 90, nil))                // starts the window
	fx.process(testPosition(25*time.Second, 90, nil))   // 25 s, under the window
	require.Empty(t, fx.dispatcher.fired())

	fx.process(testPosition(31*time.Second, 95, nil))   // 31 s sustained
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "speeding", fx.dispatcher.fired()[0].Type)

	// Still speeding: latched, no re-fire.
	fx.process(testPosition(40*time.Second, 95, nil))
	require.Len(t, fx.dispatcher.fired(), 1)

	// Drop below the limit, then exceed again long enough: fires again.
	fx.process(testPosition(60*time.Second, 50, nil))
	fx.process(testPosition(70*time.Second, 95, nil))
	fx.process(testPosition(101*time.Second, 95, nil))
	require.Len(t, fx.dispatcher.fired(), 2)
}

func TestAlert_Idling_FiresAfterTimeoutAndResetsOnMovement(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "idle_timeout_minutes",
		Params: map[string]any{"timeout_minutes": 10.0, "speed_threshold": 2.0},
	})
	on := boolPtr(true)

	fx.process(testPosition(0, 0.5, on))
	fx.process(testPosition(5*time.Minute, 0.5, on))
	require.Empty(t, fx.dispatcher.fired())

	fx.process(testPosition(10*time.Minute, 0.5, on))
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "idling", fx.dispatcher.fired()[0].Type)

	// Movement resets the since stamp; a fresh idle period is required.
	fx.process(testPosition(11*time.Minute, 3, on))
	fx.process(testPosition(12*time.Minute, 0.5, on))
	fx.process(testPosition(15*time.Minute, 0.5, on))
	require.Len(t, fx.dispatcher.fired(), 1)
	// Movement at 11 min cleared the stamp; it was re-seeded at 12 min.
	require.Equal(t, testEpoch.Add(12*time.Minute).Format(time.RFC3339),
		fx.state.StateString("idling_since"))
}

func TestAlert_Towing_FiresBeyondAnchorAndResetsOnIgnition(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "towing_threshold_meters",
		Params: map[string]any{"threshold_meters": 100.0},
	})
	off := boolPtr(false)

	// First fix with ignition off anchors the parked position.
	anchor := testPosition(0, 0, off)
	fx.process(anchor)
	require.Empty(t, fx.dispatcher.fired())

	// ~150 m north of the anchor.
	moved := testPosition(time.Minute, 0, off)
	moved.Latitude = 10.00135
	fx.process(moved)
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "towing", fx.dispatcher.fired()[0].Type)
	require.Equal(t, model.SeverityCritical, fx.dispatcher.fired()[0].Severity)

	// Latched: further drift does not re-fire.
	moved.DeviceTime = testEpoch.Add(2 * time.Minute)
	moved.Latitude = 10.003
	fx.process(moved)
	require.Len(t, fx.dispatcher.fired(), 1)

	// Ignition on clears anchor and latch.
	fx.process(testPosition(3*time.Minute, 10, boolPtr(true)))
	_, hasAnchor := fx.state.StateFloat("towing_anchor_lat")
	require.False(t, hasAnchor)
	require.False(t, fx.state.StateBool("towing_alerted"))
}

func TestAlert_Geofence_EnterOnceThenExitOnce(t *testing.T) {
	t.Parallel()

	fence := model.Geofence{
		ID: 9, Name: "Depot", IsActive: true,
		AlertOnEnter: true, AlertOnExit: true,
		Polygon: [][2]float64{{19.99, 9.99}, {20.01, 9.99}, {20.01, 10.01}, {19.99, 10.01}},
	}
	fx := newEngineFixture(t, &fakeGeofences{fences: []model.Geofence{fence}}, model.AlertRow{
		UID: "r1", AlertKey: "geofence_alert",
		Params: map[string]any{"event_type": "both"},
	})

	inside := testPosition(0, 20, nil) // (10.0, 20.0) is inside
	fx.process(inside)
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "geofence_enter", fx.dispatcher.fired()[0].Type)

	// Staying inside does not re-fire.
	fx.process(testPosition(time.Minute, 20, nil))
	require.Len(t, fx.dispatcher.fired(), 1)

	outside := testPosition(2*time.Minute, 20, nil)
	outside.Longitude = 20.02
	fx.process(outside)
	require.Len(t, fx.dispatcher.fired(), 2)
	require.Equal(t, "geofence_exit", fx.dispatcher.fired()[1].Type)

	// Re-entry fires enter again.
	fx.process(testPosition(3*time.Minute, 20, nil))
	require.Len(t, fx.dispatcher.fired(), 3)
	require.Equal(t, "geofence_enter", fx.dispatcher.fired()[2].Type)
}

func TestAlert_Maintenance_WarnsInsideWindowOnce(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "maintenance_alert",
		Params: map[string]any{"maintenance_type": "oil_change", "interval_km": 10000.0, "warning_km": 100.0},
	})

	fx.state.TotalOdometerKm = 9950 // 50 km remaining
	fx.process(testPosition(0, 40, nil))
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "maintenance", fx.dispatcher.fired()[0].Type)

	fx.state.TotalOdometerKm = 9980
	fx.process(testPosition(time.Minute, 40, nil))
	require.Len(t, fx.dispatcher.fired(), 1)

	// Past the rollover the latch re-arms for the next interval.
	fx.state.TotalOdometerKm = 10050
	fx.process(testPosition(2*time.Minute, 40, nil))
	require.False(t, fx.state.StateBool("maint_oil_change_alerted"))
}

func TestAlert_Custom_SustainedRuleFiresOnceAndResetsOnFalse(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: KeyCustom,
		Name: "Sustained speeding", Rule: "speed > 80 and ignition",
		Params: map[string]any{"duration": 30.0},
	})
	on := boolPtr(true)

	fx.process(testPosition(0, 90, on))
	fx.process(testPosition(20*time.Second, 90, on))
	require.Empty(t, fx.dispatcher.fired())

	fx.process(testPosition(35*time.Second, 90, on))
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "custom", fx.dispatcher.fired()[0].Type)

	// A single false position inside a fresh window resets the timer.
	fx.process(testPosition(60*time.Second, 40, on)) // clears latch + timer
	fx.process(testPosition(70*time.Second, 90, on))
	fx.process(testPosition(85*time.Second, 40, on)) // reset mid-window
	fx.process(testPosition(90*time.Second, 90, on))
	fx.process(testPosition(110*time.Second, 90, on)) // only 20 s sustained
	require.Len(t, fx.dispatcher.fired(), 1)
}

func TestAlert_Custom_MalformedRuleIsSilentlySkipped(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: KeyCustom,
		Name: "Broken", Rule: "speed >>> 80",
	})
	fx.process(testPosition(0, 200, boolPtr(true)))
	require.Empty(t, fx.dispatcher.fired())
}

func TestAlert_Offline_SweepFiresOnceAndLatchResets(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "offline_detection",
		Params: map[string]any{"timeout_hours": 24.0},
	})
	stale := testEpoch.Add(-25 * time.Hour)
	fx.state.LastUpdate = &stale
	fx.state.IsOnline = true

	fx.engine.Sweep(context.Background())
	require.Len(t, fx.dispatcher.fired(), 1)
	require.Equal(t, "offline", fx.dispatcher.fired()[0].Type)
	require.Equal(t, []int64{1}, fx.store.offline)
	require.False(t, fx.state.IsOnline)

	// Latched: the next sweep stays quiet.
	fx.engine.Sweep(context.Background())
	require.Len(t, fx.dispatcher.fired(), 1)

	// Fresh data resets the latch so a later outage fires again.
	fresh := testEpoch.Add(-time.Hour)
	fx.state.LastUpdate = &fresh
	fx.engine.Sweep(context.Background())
	require.False(t, fx.state.StateBool("offline_alerted"))
}

func TestAlert_ScheduleGating_SuppressesOutsideWindow(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "speed_tolerance",
		Params:   map[string]any{"speed_limit": 80.0, "duration_seconds": 0.0},
		Schedule: &model.Schedule{Days: []int{0, 1, 2, 3, 4}, HourStart: 8, HourEnd: 17},
	})
	// Saturday 10:00 UTC.
	fx.clock.Advance(time.Date(2021, 3, 6, 10, 0, 0, 0, time.UTC).Sub(testEpoch))

	fx.process(testPosition(0, 150, nil))
	fx.process(testPosition(time.Minute, 150, nil))
	require.Empty(t, fx.dispatcher.fired())
}

func TestAlert_Engine_PersistsStatesOncePerPosition(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil,
		model.AlertRow{UID: "r1", AlertKey: "speed_tolerance", Params: map[string]any{"speed_limit": 80.0}},
		model.AlertRow{UID: "r2", AlertKey: "idle_timeout_minutes", Params: map[string]any{"timeout_minutes": 10.0}},
	)
	fx.process(testPosition(0, 90, boolPtr(true)))
	require.Equal(t, 1, fx.store.saves)
}

func TestAlert_Engine_FillsEventCoordinates(t *testing.T) {
	t.Parallel()

	fx := newEngineFixture(t, nil, model.AlertRow{
		UID: "r1", AlertKey: "speed_tolerance",
		Params: map[string]any{"speed_limit": 80.0, "duration_seconds": 0.0},
	})

	fx.process(testPosition(0, 90, nil))
	fx.process(testPosition(time.Second, 90, nil))
	events := fx.dispatcher.fired()
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Latitude)
	require.Equal(t, 10.0, *events[0].Latitude)
	require.Equal(t, 20.0, *events[0].Longitude)
}

func TestAlert_Registry_DefaultSetAndDuplicates(t *testing.T) {
	t.Parallel()

	r := NewDefaultRegistry(&fakeGeofences{})
	for _, key := range []string{
		"speed_tolerance", "idle_timeout_minutes", "towing_threshold_meters",
		"geofence_alert", "maintenance_alert", "offline_detection", KeyCustom,
	} {
		_, ok := r.Get(key)
		require.True(t, ok, "module %s missing", key)
	}
	require.Len(t, r.All(), 7)

	require.Error(t, r.Register(NewSpeedingModule()))
}

func TestAlert_CustomRule_SustainClauseInRuleText(t *testing.T) {
	t.Parallel()

	m := NewCustomRuleModule(rule.NewCache())
	st := &model.DeviceState{AlertStates: map[string]any{}}
	env := &Env{
		State:  st,
		Params: Params{"rule": "speed > 100 for 30 seconds", "name": "Fast"},
	}

	env.Position = testPosition(0, 120, nil)
	event, err := m.Check(context.Background(), env)
	require.NoError(t, err)
	require.Nil(t, event)

	env.Position = testPosition(35*time.Second, 120, nil)
	event, err = m.Check(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Contains(t, event.Message, "sustained for 30s")
}
