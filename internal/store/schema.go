package store

import (
	"context"
	"fmt"
)

// migrations run in order; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username VARCHAR(64) NOT NULL UNIQUE,
		notification_channels JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS devices (
		id BIGSERIAL PRIMARY KEY,
		imei VARCHAR(32) NOT NULL UNIQUE,
		protocol VARCHAR(32) NOT NULL,
		display_name VARCHAR(128) NOT NULL DEFAULT '',
		config JSONB NOT NULL DEFAULT '{}',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS user_devices (
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, device_id)
	)`,

	`CREATE TABLE IF NOT EXISTS device_states (
		device_id BIGINT PRIMARY KEY REFERENCES devices(id) ON DELETE CASCADE,
		last_latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_altitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		last_course DOUBLE PRECISION NOT NULL DEFAULT 0,
		satellites INT NOT NULL DEFAULT 0,
		ignition_on BOOLEAN NOT NULL DEFAULT FALSE,
		is_moving BOOLEAN NOT NULL DEFAULT FALSE,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		total_odometer_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		trip_odometer_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		active_trip_id BIGINT,
		last_ignition_on TIMESTAMPTZ,
		last_ignition_off TIMESTAMPTZ,
		last_update TIMESTAMPTZ,
		last_device_time TIMESTAMPTZ,
		has_position BOOLEAN NOT NULL DEFAULT FALSE,
		alert_states JSONB NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS position_records (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		device_time TIMESTAMPTZ NOT NULL,
		server_time TIMESTAMPTZ NOT NULL,
		latitude DOUBLE PRECISION NOT NULL,
		longitude DOUBLE PRECISION NOT NULL,
		altitude DOUBLE PRECISION NOT NULL DEFAULT 0,
		speed DOUBLE PRECISION NOT NULL DEFAULT 0,
		course DOUBLE PRECISION NOT NULL DEFAULT 0,
		satellites INT NOT NULL DEFAULT 0,
		hdop DOUBLE PRECISION NOT NULL DEFAULT 0,
		ignition BOOLEAN,
		valid_fix BOOLEAN NOT NULL DEFAULT TRUE,
		sensors JSONB NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_position_records_device_time
		ON position_records (device_id, device_time)`,

	`CREATE TABLE IF NOT EXISTS trips (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		start_latitude DOUBLE PRECISION NOT NULL,
		start_longitude DOUBLE PRECISION NOT NULL,
		end_latitude DOUBLE PRECISION,
		end_longitude DOUBLE PRECISION,
		distance_km DOUBLE PRECISION NOT NULL DEFAULT 0,
		max_speed DOUBLE PRECISION,
		avg_speed DOUBLE PRECISION,
		duration_minutes INT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trips_device_start
		ON trips (device_id, start_time)`,

	`CREATE TABLE IF NOT EXISTS geofences (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT REFERENCES devices(id) ON DELETE CASCADE,
		name VARCHAR(128) NOT NULL,
		polygon JSONB NOT NULL,
		alert_on_enter BOOLEAN NOT NULL DEFAULT TRUE,
		alert_on_exit BOOLEAN NOT NULL DEFAULT TRUE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS alert_history (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		alert_type VARCHAR(64) NOT NULL,
		severity VARCHAR(16) NOT NULL DEFAULT 'warning',
		message TEXT NOT NULL,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		metadata JSONB NOT NULL DEFAULT '{}',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_user_created
		ON alert_history (user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_device_created
		ON alert_history (device_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS command_queue (
		id BIGSERIAL PRIMARY KEY,
		device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		command_type VARCHAR(64) NOT NULL,
		payload TEXT NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 3,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		sent_at TIMESTAMPTZ,
		acked_at TIMESTAMPTZ,
		response TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_command_queue_device_status
		ON command_queue (device_id, status, created_at)`,
}

// Migrate creates the schema. Statements are idempotent so restarting the
// process against an existing database is safe.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store: migration %d: %w", i, err)
		}
	}
	s.log.Debug("migrations applied", "count", len(migrations))
	return nil
}
