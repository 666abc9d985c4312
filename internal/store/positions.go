package store

import (
	"context"
	"fmt"
	"time"

	"github.com/trackhaus/fleetd/internal/model"
)

// InsertPosition appends one position record and returns its id. Telemetry
// nulled by Sanitize is written as NULL, not zero.
func (s *Store) InsertPosition(ctx context.Context, deviceID int64, pos *model.NormalizedPosition) (int64, error) {
	sensors := pos.Sensors
	if sensors == nil {
		sensors = map[string]any{}
	}
	var speed, course any = pos.Speed, pos.Course
	if pos.SpeedUnknown {
		speed = nil
	}
	if pos.CourseUnknown {
		course = nil
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO position_records (
			device_id, device_time, server_time, latitude, longitude,
			altitude, speed, course, satellites, hdop, ignition, valid_fix, sensors
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`,
		deviceID, pos.DeviceTime, pos.ServerTime, pos.Latitude, pos.Longitude,
		pos.Altitude, speed, course, pos.Satellites, pos.HDOP,
		pos.Ignition, pos.ValidFix, sensors,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert position: %w", err)
	}
	return id, nil
}

// OpenTrip creates a trip row at ignition-on and returns its id.
func (s *Store) OpenTrip(ctx context.Context, deviceID int64, start time.Time, lat, lon float64) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trips (device_id, start_time, start_latitude, start_longitude)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		deviceID, start, lat, lon,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: open trip: %w", err)
	}
	return id, nil
}

// CloseTrip finalizes the trip opened at ignition-on.
func (s *Store) CloseTrip(ctx context.Context, trip *model.Trip) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trips SET
			end_time = $2, end_latitude = $3, end_longitude = $4,
			distance_km = $5,
			max_speed = GREATEST(COALESCE(max_speed, 0), COALESCE($6, 0)),
			avg_speed = $7, duration_minutes = $8
		WHERE id = $1`,
		trip.ID, trip.EndTime, trip.EndLatitude, trip.EndLongitude,
		trip.DistanceKm, trip.MaxSpeed, trip.AvgSpeed, trip.DurationMinutes)
	if err != nil {
		return fmt.Errorf("store: close trip: %w", err)
	}
	return nil
}

// UpdateTripProgress keeps distance and max speed current while a trip is
// open, so a crash never loses a whole trip.
func (s *Store) UpdateTripProgress(ctx context.Context, tripID int64, distanceKm, speed float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE trips SET
			distance_km = $2,
			max_speed = GREATEST(COALESCE(max_speed, 0), $3)
		WHERE id = $1`,
		tripID, distanceKm, speed)
	if err != nil {
		return fmt.Errorf("store: update trip: %w", err)
	}
	return nil
}

// Statistics is the aggregate snapshot exposed on the ops endpoint.
type Statistics struct {
	Devices       int64 `json:"devices"`
	OnlineDevices int64 `json:"online_devices"`
	Positions     int64 `json:"positions"`
	Trips         int64 `json:"trips"`
	OpenTrips     int64 `json:"open_trips"`
	Alerts        int64 `json:"alerts"`
}

// Stats returns pipeline-wide row counts.
func (s *Store) Stats(ctx context.Context) (Statistics, error) {
	var st Statistics
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM devices WHERE is_active),
			(SELECT COUNT(*) FROM device_states WHERE is_online),
			(SELECT COUNT(*) FROM position_records),
			(SELECT COUNT(*) FROM trips),
			(SELECT COUNT(*) FROM trips WHERE end_time IS NULL),
			(SELECT COUNT(*) FROM alert_history)`,
	).Scan(&st.Devices, &st.OnlineDevices, &st.Positions, &st.Trips, &st.OpenTrips, &st.Alerts)
	if err != nil {
		return Statistics{}, fmt.Errorf("store: stats: %w", err)
	}
	return st, nil
}

// TripStats is the per-device trip aggregate consumed by the REST layer.
type TripStats struct {
	Trips           int64    `json:"trips"`
	TotalDistanceKm float64  `json:"total_distance_km"`
	AvgSpeed        *float64 `json:"avg_speed,omitempty"`
	MaxSpeed        *float64 `json:"max_speed,omitempty"`
}

// DeviceTripStats aggregates the device's completed trips.
func (s *Store) DeviceTripStats(ctx context.Context, deviceID int64) (TripStats, error) {
	var st TripStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(distance_km), 0), AVG(avg_speed), MAX(max_speed)
		FROM trips
		WHERE device_id = $1 AND end_time IS NOT NULL`,
		deviceID,
	).Scan(&st.Trips, &st.TotalDistanceKm, &st.AvgSpeed, &st.MaxSpeed)
	if err != nil {
		return TripStats{}, fmt.Errorf("store: trip stats: %w", err)
	}
	return st, nil
}
