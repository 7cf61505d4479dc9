// README: Pure geographic helpers (great-circle distance, radius search).
package tracking

import (
	"cmp"
	"math"
	"slices"

	"cartrack/internal/types"
)

const earthRadiusKm = 6371.0

// distanceKm is the haversine great-circle distance between two points in degrees.
func distanceKm(a, b types.Point) float64 {
	const rad = math.Pi / 180
	sinLat := math.Sin((b.Lat - a.Lat) * rad / 2)
	sinLng := math.Sin((b.Lng - a.Lng) * rad / 2)

	h := sinLat*sinLat + math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*sinLng*sinLng
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// sortNearby orders closest first; equal distances keep input order.
func sortNearby(items []NearbySample) {
	slices.SortStableFunc(items, func(a, b NearbySample) int {
		return cmp.Compare(a.DistanceKm, b.DistanceKm)
	})
}

// withinRadius returns the samples no further than radiusKm from origin,
// closest first. Samples without coordinates are skipped.
func withinRadius(samples []Sample, origin types.Point, radiusKm float64) []NearbySample {
	var result []NearbySample
	for _, s := range samples {
		p, ok := s.Position()
		if !ok {
			continue
		}
		if d := distanceKm(origin, p); d <= radiusKm {
			result = append(result, NearbySample{Sample: s, DistanceKm: d})
		}
	}
	sortNearby(result)
	return result
}
