package ingest

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/trackhaus/fleetd/internal/model"
	"github.com/trackhaus/fleetd/internal/store"
)

type fakePositionStore struct {
	mu        sync.Mutex
	devices   map[string]*model.Device
	states    map[int64]*model.DeviceState
	positions []model.NormalizedPosition
	trips     map[int64]*model.Trip
	nextTrip  int64
	lookups   int
}

func newFakePositionStore(devices ...*model.Device) *fakePositionStore {
	f := &fakePositionStore{
		devices: make(map[string]*model.Device),
		states:  make(map[int64]*model.DeviceState),
		trips:   make(map[int64]*model.Trip),
	}
	for _, d := range devices {
		f.devices[d.IMEI] = d
	}
	return f
}

func (f *fakePositionStore) DeviceByIMEI(_ context.Context, imei string) (*model.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	d, ok := f.devices[imei]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f *fakePositionStore) LoadOrCreateState(_ context.Context, deviceID int64) (*model.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[deviceID]
	if !ok {
		st = &model.DeviceState{DeviceID: deviceID, AlertStates: map[string]any{}}
		f.states[deviceID] = st
	}
	return st, nil
}

func (f *fakePositionStore) SaveState(_ context.Context, st *model.DeviceState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[st.DeviceID] = st
	return nil
}

func (f *fakePositionStore) InsertPosition(_ context.Context, _ int64, pos *model.NormalizedPosition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append(f.positions, *pos)
	return int64(len(f.positions)), nil
}

func (f *fakePositionStore) OpenTrip(_ context.Context, deviceID int64, start time.Time, lat, lon float64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTrip++
	f.trips[f.nextTrip] = &model.Trip{
		ID: f.nextTrip, DeviceID: deviceID, StartTime: start,
		StartLatitude: lat, StartLongitude: lon,
	}
	return f.nextTrip, nil
}

func (f *fakePositionStore) CloseTrip(_ context.Context, trip *model.Trip) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.trips[trip.ID]
	stored.EndTime = trip.EndTime
	stored.EndLatitude = trip.EndLatitude
	stored.EndLongitude = trip.EndLongitude
	stored.DistanceKm = trip.DistanceKm
	stored.AvgSpeed = trip.AvgSpeed
	stored.DurationMinutes = trip.DurationMinutes
	return nil
}

func (f *fakePositionStore) UpdateTripProgress(_ context.Context, tripID int64, distanceKm, speed float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	trip := f.trips[tripID]
	trip.DistanceKm = distanceKm
	if trip.MaxSpeed == nil || speed > *trip.MaxSpeed {
		s := speed
		trip.MaxSpeed = &s
	}
	return nil
}

type recordingEngine struct {
	mu        sync.Mutex
	positions []model.NormalizedPosition
}

func (r *recordingEngine) ProcessPosition(_ context.Context, pos *model.NormalizedPosition, _ *model.Device, _ *model.DeviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, *pos)
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []struct {
		Topic, Kind string
		Payload     any
	}
}

func (r *recordingPublisher) Publish(topic, kind string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, struct {
		Topic, Kind string
		Payload     any
	}{topic, kind, payload})
}

var ingestEpoch = time.Date(2021, 3, 1, 8, 0, 0, 0, time.UTC)

func ingestPosition(offset time.Duration, lat float64, speed float64, ignition *bool) *model.NormalizedPosition {
	return &model.NormalizedPosition{
		IMEI:       "356307042441013",
		DeviceTime: ingestEpoch.Add(offset),
		ServerTime: ingestEpoch.Add(offset),
		Latitude:   lat,
		Longitude:  20.0,
		Speed:      speed,
		Ignition:   ignition,
		ValidFix:   true,
	}
}

func testDevice() *model.Device {
	return &model.Device{ID: 5, IMEI: "356307042441013", Protocol: "teltonika", Name: "Van 5"}
}

func newTestProcessor(t *testing.T, st *fakePositionStore) (*Processor, *recordingEngine, *recordingPublisher) {
	t.Helper()
	engine := &recordingEngine{}
	pub := &recordingPublisher{}
	p, err := NewProcessor(Config{
		Logger: slog.Default(),
		Store:  st,
		Alerts: engine,
		Bus:    pub,
	})
	require.NoError(t, err)
	return p, engine, pub
}

func TestIngest_Processor_TripLifecycle(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, _, _ := newTestProcessor(t, st)
	on, off := true, false

	// off, off, on, on, on, off, off: exactly one trip.
	sequence := []struct {
		offset   time.Duration
		lat      float64
		speed    float64
		ignition *bool
	}{
		{0, 10.00, 0, &off},
		{1 * time.Minute, 10.00, 0, &off},
		{2 * time.Minute, 10.00, 0, &on},
		{12 * time.Minute, 10.09, 60, &on},
		{22 * time.Minute, 10.18, 60, &on},
		{32 * time.Minute, 10.27, 0, &off},
		{33 * time.Minute, 10.27, 0, &off},
	}
	for _, step := range sequence {
		p.HandlePosition(context.Background(), "teltonika", ingestPosition(step.offset, step.lat, step.speed, step.ignition))
	}
	p.Close()

	require.Len(t, st.trips, 1)
	trip := st.trips[1]
	require.Equal(t, ingestEpoch.Add(2*time.Minute), trip.StartTime)
	require.NotNil(t, trip.EndTime)
	require.Equal(t, ingestEpoch.Add(32*time.Minute), *trip.EndTime)
	require.Equal(t, 10.27, *trip.EndLatitude)

	// 0.27 degrees of latitude is about 30 km over the 30-minute trip.
	require.InDelta(t, 30.0, trip.DistanceKm, 0.5)
	require.Equal(t, 30, *trip.DurationMinutes)
	require.InDelta(t, 60.0, *trip.AvgSpeed, 1.5)
	require.InDelta(t, 60.0, *trip.MaxSpeed, 0.01)

	state := st.states[5]
	require.Nil(t, state.ActiveTripID)
	require.False(t, state.IgnitionOn)
	require.InDelta(t, 30.0, state.TotalOdometerKm, 0.5)
}

func TestIngest_Processor_OdometerAccumulatesOutsideTrips(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, _, _ := newTestProcessor(t, st)

	// ~11.1 km per 0.1 degree of latitude, no ignition reported.
	p.HandlePosition(context.Background(), "teltonika", ingestPosition(0, 10.0, 50, nil))
	p.HandlePosition(context.Background(), "teltonika", ingestPosition(time.Minute, 10.1, 50, nil))
	p.HandlePosition(context.Background(), "teltonika", ingestPosition(2*time.Minute, 10.2, 50, nil))
	p.Close()

	require.Empty(t, st.trips)
	require.InDelta(t, 22.24, st.states[5].TotalOdometerKm, 0.1)
	require.Equal(t, float64(0), st.states[5].TripOdometerKm)
}

func TestIngest_Processor_UnknownIMEIDropped(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore() // no devices
	p, engine, pub := newTestProcessor(t, st)

	p.HandlePosition(context.Background(), "gt06", ingestPosition(0, 10.0, 50, nil))
	p.Close()

	require.Empty(t, st.positions)
	require.Empty(t, engine.positions)
	require.Empty(t, pub.messages)
}

func TestIngest_Processor_InvalidPositionDropped(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, _, _ := newTestProcessor(t, st)

	bad := ingestPosition(0, 95.0, 50, nil) // latitude out of range
	p.HandlePosition(context.Background(), "teltonika", bad)
	p.Close()

	require.Empty(t, st.positions)
	require.Zero(t, st.lookups)
}

func TestIngest_Processor_GlitchSpeedKeptWithSpeedNulled(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, engine, pub := newTestProcessor(t, st)

	p.HandlePosition(context.Background(), "teltonika", ingestPosition(0, 10.0, 320, nil))
	p.Close()

	// The fix survives; only the speed reading is dropped.
	require.Len(t, st.positions, 1)
	require.True(t, st.positions[0].SpeedUnknown)
	require.Zero(t, st.positions[0].Speed)
	require.Len(t, engine.positions, 1)
	require.Len(t, pub.messages, 1)

	state := st.states[5]
	require.False(t, state.IsMoving)
	require.Zero(t, state.LastSpeed)
	require.Equal(t, 10.0, state.LastLatitude)
}

func TestIngest_Processor_PersistsThenEvaluatesThenPublishes(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, engine, pub := newTestProcessor(t, st)

	p.HandlePosition(context.Background(), "teltonika", ingestPosition(0, 10.0, 72, nil))
	p.Close()

	require.Len(t, st.positions, 1)
	require.Len(t, engine.positions, 1)
	require.Len(t, pub.messages, 1)
	require.Equal(t, "device:5", pub.messages[0].Topic)
	require.Equal(t, "position_update", pub.messages[0].Kind)

	payload := pub.messages[0].Payload.(PositionBroadcast)
	require.Equal(t, int64(5), payload.DeviceID)
	require.True(t, payload.IsMoving)

	state := st.states[5]
	require.True(t, state.IsOnline)
	require.True(t, state.IsMoving)
	require.Equal(t, 72.0, state.LastSpeed)
	require.Equal(t, ingestEpoch, state.LastUpdate.UTC())
}

func TestIngest_Processor_DeviceLookupIsCached(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, _, _ := newTestProcessor(t, st)

	for i := 0; i < 5; i++ {
		p.HandlePosition(context.Background(), "teltonika", ingestPosition(time.Duration(i)*time.Minute, 10.0, 0, nil))
	}
	p.Close()

	require.Equal(t, 1, st.lookups)
	require.Len(t, st.positions, 5)
}

func TestIngest_Processor_PerDeviceOrderPreserved(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, engine, _ := newTestProcessor(t, st)

	for i := 0; i < 50; i++ {
		p.HandlePosition(context.Background(), "teltonika", ingestPosition(time.Duration(i)*time.Second, 10.0, float64(i), nil))
	}
	p.Close()

	require.Len(t, engine.positions, 50)
	for i, pos := range engine.positions {
		require.Equal(t, float64(i), pos.Speed)
	}
}

func TestIngest_Processor_NoTransitionWithoutIgnition(t *testing.T) {
	t.Parallel()

	st := newFakePositionStore(testDevice())
	p, _, _ := newTestProcessor(t, st)
	on := true

	p.HandlePosition(context.Background(), "teltonika", ingestPosition(0, 10.0, 0, &on))
	// nil ignition must not close the open trip.
	p.HandlePosition(context.Background(), "teltonika", ingestPosition(time.Minute, 10.0, 30, nil))
	p.Close()

	require.Len(t, st.trips, 1)
	require.Nil(t, st.trips[1].EndTime)
	require.NotNil(t, st.states[5].ActiveTripID)
}
