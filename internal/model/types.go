// Package model holds the wire-format-independent data types shared by the
// ingestion pipeline: normalized positions, device records and state, alert
// rows, trips, geofences, alert history and the downlink command queue.
package model

import (
	"time"
)

// NormalizedPosition is the decoder output every protocol converges on.
// Speed is km/h, coordinates are WGS84 decimal degrees, times are UTC.
type NormalizedPosition struct {
	IMEI       string         `json:"imei"`
	DeviceTime time.Time      `json:"device_time"`
	ServerTime time.Time      `json:"server_time"`
	Latitude   float64        `json:"latitude"`
	Longitude  float64        `json:"longitude"`
	Altitude   float64        `json:"altitude,omitempty"`
	Speed      float64        `json:"speed"`
	Course     float64        `json:"course,omitempty"`
	Satellites int            `json:"satellites,omitempty"`
	HDOP       float64        `json:"hdop,omitempty"`
	Ignition   *bool          `json:"ignition,omitempty"`
	Sensors    map[string]any `json:"sensors,omitempty"`
	ValidFix   bool           `json:"valid_fix"`
	RawData    map[string]any `json:"raw_data,omitempty"`

	// SpeedUnknown and CourseUnknown are set by Sanitize when a decoded
	// value is out of range; the zeroed field then persists as NULL.
	SpeedUnknown  bool `json:"speed_unknown,omitempty"`
	CourseUnknown bool `json:"course_unknown,omitempty"`
}

// Valid reports whether the coordinates are inside WGS84 bounds. Positions
// failing this are dropped whole.
func (p *NormalizedPosition) Valid() bool {
	if p.Latitude < -90 || p.Latitude > 90 {
		return false
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return false
	}
	return true
}

// Sanitize nulls out-of-range telemetry without discarding the fix. A speed
// above 300 km/h (or negative) is a sensor glitch, not motion: the reading
// is dropped and the position kept. Course outside [0, 360] likewise.
func (p *NormalizedPosition) Sanitize() {
	if p.Speed < 0 || p.Speed > 300 {
		p.Speed = 0
		p.SpeedUnknown = true
	}
	if p.Course < 0 || p.Course > 360 {
		p.Course = 0
		p.CourseUnknown = true
	}
}

// Schedule restricts an alert row to certain weekdays and hours (UTC, Mon=0).
// A nil schedule, or one with no days, is always active.
type Schedule struct {
	Days      []int `json:"days"`
	HourStart int   `json:"hour_start"`
	HourEnd   int   `json:"hour_end"`
}

// Active reports whether the schedule admits the given instant.
// Overnight windows (HourEnd < HourStart) are not supported.
func (s *Schedule) Active(now time.Time) bool {
	if s == nil || len(s.Days) == 0 {
		return true
	}
	now = now.UTC()
	weekday := (int(now.Weekday()) + 6) % 7 // Mon=0 ... Sun=6
	found := false
	for _, d := range s.Days {
		if d == weekday {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	return now.Hour() >= s.HourStart && now.Hour() <= s.HourEnd
}

// AlertRow is one configured alert rule on a device. AlertKey indexes the
// alert module registry; Params carries the module's typed parameters.
// Custom rows carry Name/Rule/Channels at the top level instead.
type AlertRow struct {
	UID      string         `json:"uid"`
	AlertKey string         `json:"alert_key"`
	Params   map[string]any `json:"params,omitempty"`
	Name     string         `json:"name,omitempty"`
	Rule     string         `json:"rule,omitempty"`
	Channels []string       `json:"channels,omitempty"`
	Schedule *Schedule      `json:"schedule,omitempty"`
}

// DeviceConfig is the admin-owned configuration blob on a device. The core
// reads it and never mutates it.
type DeviceConfig struct {
	AlertRows      []AlertRow          `json:"alert_rows,omitempty"`
	AlertChannels  map[string][]string `json:"alert_channels,omitempty"`
	SensorFormulas map[string]string   `json:"sensor_formulas,omitempty"`
	Maintenance    map[string]float64  `json:"maintenance,omitempty"`
}

// Device is the immutable identity record for a tracker.
type Device struct {
	ID       int64
	IMEI     string
	Protocol string
	Name     string
	Config   DeviceConfig
	UserIDs  []int64
}

// DeviceState is the per-device mutable record. Exactly one exists per
// device; it is created implicitly on first position. All module hysteresis
// lives in AlertStates, persisted as JSON.
type DeviceState struct {
	DeviceID        int64
	LastLatitude    float64
	LastLongitude   float64
	LastAltitude    float64
	LastSpeed       float64
	LastCourse      float64
	Satellites      int
	IgnitionOn      bool
	IsMoving        bool
	IsOnline        bool
	TotalOdometerKm float64
	TripOdometerKm  float64
	ActiveTripID    *int64
	LastIgnitionOn  *time.Time
	LastIgnitionOff *time.Time
	LastUpdate      *time.Time
	LastDeviceTime  *time.Time
	HasPosition     bool
	AlertStates     map[string]any
}

// StateString reads a string-valued hysteresis key, "" when absent.
func (s *DeviceState) StateString(key string) string {
	if v, ok := s.AlertStates[key].(string); ok {
		return v
	}
	return ""
}

// StateBool reads a boolean hysteresis key, false when absent.
func (s *DeviceState) StateBool(key string) bool {
	v, _ := s.AlertStates[key].(bool)
	return v
}

// StateFloat reads a numeric hysteresis key. JSON round-trips land numbers as
// float64; values written in-process may still be ints.
func (s *DeviceState) StateFloat(key string) (float64, bool) {
	switch v := s.AlertStates[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

// SetState writes a hysteresis key, allocating the map on first use.
func (s *DeviceState) SetState(key string, value any) {
	if s.AlertStates == nil {
		s.AlertStates = make(map[string]any)
	}
	s.AlertStates[key] = value
}

// ClearState removes a hysteresis key.
func (s *DeviceState) ClearState(key string) {
	delete(s.AlertStates, key)
}

// Trip is the interval between an ignition-on and the following ignition-off.
type Trip struct {
	ID              int64
	DeviceID        int64
	StartTime       time.Time
	EndTime         *time.Time
	StartLatitude   float64
	StartLongitude  float64
	EndLatitude     *float64
	EndLongitude    *float64
	DistanceKm      float64
	MaxSpeed        *float64
	AvgSpeed        *float64
	DurationMinutes *int
}

// Geofence is a closed polygon ring in WGS84. DeviceID nil means global.
type Geofence struct {
	ID           int64
	DeviceID     *int64
	Name         string
	Polygon      [][2]float64 // (lon, lat) ring, first == last optional
	AlertOnEnter bool
	AlertOnExit  bool
	IsActive     bool
}

// Severity of an alert event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertEvent is what an alert module returns when it fires. The engine fills
// Latitude/Longitude from the triggering position when the module leaves them
// unset.
type AlertEvent struct {
	Type      string
	Severity  Severity
	Message   string
	Latitude  *float64
	Longitude *float64
	Metadata  map[string]any
}

// AlertHistory is one persisted (user, alert-event) row.
type AlertHistory struct {
	ID        int64
	UserID    int64
	DeviceID  int64
	AlertType string
	Severity  Severity
	Message   string
	Latitude  *float64
	Longitude *float64
	Metadata  map[string]any
	IsRead    bool
	CreatedAt time.Time
}

// CommandStatus tracks a queued downlink command through its lifecycle.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSent    CommandStatus = "sent"
	CommandAcked   CommandStatus = "acked"
	CommandFailed  CommandStatus = "failed"
	CommandTimeout CommandStatus = "timeout"
)

// Command is one queued downlink command for a device.
type Command struct {
	ID          int64
	DeviceID    int64
	CommandType string
	Payload     string
	Status      CommandStatus
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	SentAt      *time.Time
	AckedAt     *time.Time
	Response    string
}

// NotificationChannel is a named delivery endpoint on a user record.
type NotificationChannel struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// User is the slice of the user record the core consumes.
type User struct {
	ID       int64
	Username string
	Channels []NotificationChannel
}
