package geo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeo_HaversineKm_KnownDistances(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantKm                 float64
		tolKm                  float64
	}{
		{
			name: "same point",
			lat1: 48.8566, lon1: 2.3522, lat2: 48.8566, lon2: 2.3522,
			wantKm: 0, tolKm: 0.0001,
		},
		{
			name: "paris to london",
			lat1: 48.8566, lon1: 2.3522, lat2: 51.5074, lon2: -0.1278,
			wantKm: 343.5, tolKm: 2,
		},
		{
			name: "equator one degree longitude",
			lat1: 0, lon1: 0, lat2: 0, lon2: 1,
			wantKm: 111.19, tolKm: 0.5,
		},
		{
			name: "across the antimeridian",
			lat1: 0, lon1: 179.5, lat2: 0, lon2: -179.5,
			wantKm: 111.19, tolKm: 0.5,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HaversineKm(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			require.InDelta(t, tt.wantKm, got, tt.tolKm)
		})
	}
}

func TestGeo_PointInPolygon_Square(t *testing.T) {
	t.Parallel()

	square := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

	require.True(t, PointInPolygon(5, 5, square))
	require.False(t, PointInPolygon(15, 5, square))
	require.False(t, PointInPolygon(-1, 5, square))
	require.False(t, PointInPolygon(5, 11, square))
}

func TestGeo_PointInPolygon_ClosedRingEquivalent(t *testing.T) {
	t.Parallel()

	open := [][2]float64{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	closed := append(append([][2]float64{}, open...), [2]float64{0, 0})

	for _, p := range [][2]float64{{5, 5}, {15, 5}, {0.1, 0.1}, {9.9, 9.9}} {
		require.Equal(t,
			PointInPolygon(p[0], p[1], open),
			PointInPolygon(p[0], p[1], closed))
	}
}

func TestGeo_PointInPolygon_Concave(t *testing.T) {
	t.Parallel()

	// U-shape: the notch between the arms is outside.
	u := [][2]float64{
		{0, 0}, {10, 0}, {10, 10}, {7, 10}, {7, 3}, {3, 3}, {3, 10}, {0, 10},
	}

	require.True(t, PointInPolygon(1, 5, u))  // left arm
	require.True(t, PointInPolygon(9, 5, u))  // right arm
	require.True(t, PointInPolygon(5, 1, u))  // base
	require.False(t, PointInPolygon(5, 7, u)) // notch
}

func TestGeo_PointInPolygon_DegenerateRing(t *testing.T) {
	t.Parallel()

	require.False(t, PointInPolygon(1, 1, nil))
	require.False(t, PointInPolygon(1, 1, [][2]float64{{0, 0}, {1, 1}}))
	require.False(t, PointInPolygon(1, 1, [][2]float64{{0, 0}, {1, 1}, {0, 0}}))
}
