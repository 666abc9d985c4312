package protocol

import (
	"fmt"
	"strconv"
	"time"
)

const (
	knotsToKmh = 1.852
	mpsToKmh   = 3.6
)

// parseDegMin converts an NMEA-style "DDMM.MMMM" (latitude) or "DDDMM.MMMM"
// (longitude) string plus hemisphere letter into signed decimal degrees.
// South and West are negative.
func parseDegMin(value, hemisphere string) (float64, error) {
	raw, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse coordinate %q: %w", value, err)
	}
	deg := float64(int(raw / 100))
	min := raw - deg*100
	if min >= 60 {
		return 0, fmt.Errorf("parse coordinate %q: minutes out of range", value)
	}
	dec := deg + min/60
	switch hemisphere {
	case "S", "s", "W", "w":
		dec = -dec
	case "N", "n", "E", "e", "":
	default:
		return 0, fmt.Errorf("parse coordinate: unknown hemisphere %q", hemisphere)
	}
	return dec, nil
}

// parseDateTimeDDMMYY combines "DDMMYY" and "HHMMSS" fields into a UTC time.
func parseDateTimeDDMMYY(date, clock string) (time.Time, error) {
	if len(date) != 6 || len(clock) != 6 {
		return time.Time{}, fmt.Errorf("parse datetime: want DDMMYY/HHMMSS, got %q/%q", date, clock)
	}
	t, err := time.Parse("020106150405", date+clock)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse datetime %q %q: %w", date, clock, err)
	}
	return t.UTC(), nil
}

// epochToTime interprets a numeric epoch as milliseconds when it exceeds
// 10^10 and as seconds otherwise.
func epochToTime(epoch int64) time.Time {
	if epoch > 1e10 {
		return time.UnixMilli(epoch).UTC()
	}
	return time.Unix(epoch, 0).UTC()
}

// validIMEI reports whether s looks like a device identifier: 8 to 16 ASCII
// digits. Real IMEIs are 15 digits but several protocols pad or truncate.
func validIMEI(s string) bool {
	if len(s) < 8 || len(s) > 16 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
