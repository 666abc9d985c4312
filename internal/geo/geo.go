// Package geo provides the small amount of spherical and planar geometry the
// pipeline needs: great-circle distance for odometer accumulation and
// point-in-polygon containment for geofences.
package geo

import "math"

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometers between two
// WGS84 coordinates.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) +
		math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// PointInPolygon reports whether the point (lon, lat) lies inside the ring
// using the even-odd crossing rule. The ring is a sequence of (lon, lat)
// vertices; it does not need to repeat the first vertex at the end. Points
// exactly on an edge may land on either side.
func PointInPolygon(lon, lat float64, ring [][2]float64) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	// Drop an explicit closing vertex so the j-index wrap handles closure.
	if ring[0] == ring[n-1] {
		n--
		if n < 3 {
			return false
		}
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := ring[i][0], ring[i][1]
		xj, yj := ring[j][0], ring[j][1]
		if (yi > lat) != (yj > lat) &&
			lon < (xj-xi)*(lat-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}
