package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/trackhaus/fleetd/internal/model"
)

// DeviceByIMEI resolves a device by its wire identity. Returns ErrNotFound
// for unknown or inactive devices.
func (s *Store) DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, imei, protocol, display_name, config
		FROM devices
		WHERE imei = $1 AND is_active`, imei)

	var d model.Device
	if err := row.Scan(&d.ID, &d.IMEI, &d.Protocol, &d.Name, &d.Config); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: device by imei: %w", err)
	}
	if err := s.attachUserIDs(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// ActiveDevices lists every active device with its owners, for the periodic
// sweep.
func (s *Store) ActiveDevices(ctx context.Context) ([]model.Device, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, imei, protocol, display_name, config
		FROM devices
		WHERE is_active
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: active devices: %w", err)
	}
	defer rows.Close()

	var devices []model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.IMEI, &d.Protocol, &d.Name, &d.Config); err != nil {
			return nil, fmt.Errorf("store: active devices: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: active devices: %w", err)
	}
	for i := range devices {
		if err := s.attachUserIDs(ctx, &devices[i]); err != nil {
			return nil, err
		}
	}
	return devices, nil
}

func (s *Store) attachUserIDs(ctx context.Context, d *model.Device) error {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM user_devices WHERE device_id = $1 ORDER BY user_id`, d.ID)
	if err != nil {
		return fmt.Errorf("store: device users: %w", err)
	}
	defer rows.Close()

	d.UserIDs = d.UserIDs[:0]
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("store: device users: %w", err)
		}
		d.UserIDs = append(d.UserIDs, id)
	}
	return rows.Err()
}

// User loads the slice of a user record the notifier consumes.
func (s *Store) User(ctx context.Context, id int64) (*model.User, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, username, notification_channels FROM users WHERE id = $1`, id)

	var u model.User
	if err := row.Scan(&u.ID, &u.Username, &u.Channels); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: user: %w", err)
	}
	return &u, nil
}

// LoadOrCreateState fetches the device's mutable state, creating the row on
// first contact.
func (s *Store) LoadOrCreateState(ctx context.Context, deviceID int64) (*model.DeviceState, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO device_states (device_id) VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING`, deviceID); err != nil {
		return nil, fmt.Errorf("store: create state: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT device_id, last_latitude, last_longitude, last_altitude, last_speed,
		       last_course, satellites, ignition_on, is_moving, is_online,
		       total_odometer_km, trip_odometer_km, active_trip_id,
		       last_ignition_on, last_ignition_off, last_update, last_device_time,
		       has_position, alert_states
		FROM device_states WHERE device_id = $1`, deviceID)

	var st model.DeviceState
	if err := row.Scan(
		&st.DeviceID, &st.LastLatitude, &st.LastLongitude, &st.LastAltitude, &st.LastSpeed,
		&st.LastCourse, &st.Satellites, &st.IgnitionOn, &st.IsMoving, &st.IsOnline,
		&st.TotalOdometerKm, &st.TripOdometerKm, &st.ActiveTripID,
		&st.LastIgnitionOn, &st.LastIgnitionOff, &st.LastUpdate, &st.LastDeviceTime,
		&st.HasPosition, &st.AlertStates,
	); err != nil {
		return nil, fmt.Errorf("store: load state: %w", err)
	}
	if st.AlertStates == nil {
		st.AlertStates = make(map[string]any)
	}
	return &st, nil
}

// SaveState writes the full mutable state row back.
func (s *Store) SaveState(ctx context.Context, st *model.DeviceState) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_states SET
			last_latitude = $2, last_longitude = $3, last_altitude = $4,
			last_speed = $5, last_course = $6, satellites = $7,
			ignition_on = $8, is_moving = $9, is_online = $10,
			total_odometer_km = $11, trip_odometer_km = $12, active_trip_id = $13,
			last_ignition_on = $14, last_ignition_off = $15,
			last_update = $16, last_device_time = $17,
			has_position = $18, alert_states = $19
		WHERE device_id = $1`,
		st.DeviceID, st.LastLatitude, st.LastLongitude, st.LastAltitude,
		st.LastSpeed, st.LastCourse, st.Satellites,
		st.IgnitionOn, st.IsMoving, st.IsOnline,
		st.TotalOdometerKm, st.TripOdometerKm, st.ActiveTripID,
		st.LastIgnitionOn, st.LastIgnitionOff,
		st.LastUpdate, st.LastDeviceTime,
		st.HasPosition, st.AlertStates)
	if err != nil {
		return fmt.Errorf("store: save state: %w", err)
	}
	return nil
}

// SaveAlertStates persists only the hysteresis map, used by the sweep which
// never touches the positional fields.
func (s *Store) SaveAlertStates(ctx context.Context, deviceID int64, states map[string]any) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device_states SET alert_states = $2 WHERE device_id = $1`,
		deviceID, states)
	if err != nil {
		return fmt.Errorf("store: save alert states: %w", err)
	}
	return nil
}

// MarkOffline clears the online flag, called when a connection unbinds.
func (s *Store) MarkOffline(ctx context.Context, deviceID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE device_states SET is_online = FALSE WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("store: mark offline: %w", err)
	}
	return nil
}
