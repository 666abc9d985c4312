package store

import (
	"context"
	"fmt"

	"github.com/trackhaus/fleetd/internal/model"
)

// GeofencesForDevice returns the active geofences scoped to the device plus
// the global ones (device_id IS NULL).
func (s *Store) GeofencesForDevice(ctx context.Context, deviceID int64) ([]model.Geofence, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, name, polygon, alert_on_enter, alert_on_exit, is_active
		FROM geofences
		WHERE is_active AND (device_id = $1 OR device_id IS NULL)
		ORDER BY id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: geofences: %w", err)
	}
	defer rows.Close()

	var fences []model.Geofence
	for rows.Next() {
		var g model.Geofence
		if err := rows.Scan(&g.ID, &g.DeviceID, &g.Name, &g.Polygon,
			&g.AlertOnEnter, &g.AlertOnExit, &g.IsActive); err != nil {
			return nil, fmt.Errorf("store: geofences: %w", err)
		}
		fences = append(fences, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: geofences: %w", err)
	}
	return fences, nil
}

// InsertAlertHistory appends one (user, alert-event) row and returns its id.
func (s *Store) InsertAlertHistory(ctx context.Context, h *model.AlertHistory) (int64, error) {
	metadata := h.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alert_history (
			user_id, device_id, alert_type, severity, message,
			latitude, longitude, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		h.UserID, h.DeviceID, h.AlertType, h.Severity, h.Message,
		h.Latitude, h.Longitude, metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: insert alert: %w", err)
	}
	return id, nil
}
