package tracking

import (
	"fmt"
	"math"
	"time"

	"cartrack/internal/types"
)

// Validate rejects boxes with non-finite, out-of-range or inverted bounds.
func (b BoundingBox) Validate() error {
	for _, v := range []float64{b.MinLat, b.MaxLat, b.MinLng, b.MaxLng} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: bounding box has a non-finite bound", ErrInvalidInput)
		}
	}
	if b.MinLat > b.MaxLat {
		return fmt.Errorf("%w: minLat %v > maxLat %v", ErrInvalidInput, b.MinLat, b.MaxLat)
	}
	if b.MinLng > b.MaxLng {
		return fmt.Errorf("%w: minLng %v > maxLng %v", ErrInvalidInput, b.MinLng, b.MaxLng)
	}
	if b.MinLat < -90 || b.MaxLat > 90 {
		return fmt.Errorf("%w: latitude bounds outside [-90, 90]", ErrInvalidInput)
	}
	if b.MinLng < -180 || b.MaxLng > 180 {
		return fmt.Errorf("%w: longitude bounds outside [-180, 180]", ErrInvalidInput)
	}
	return nil
}

// Contains is inclusive on every edge. Samples without coordinates are outside.
func (b BoundingBox) Contains(s Sample) bool {
	p, ok := s.Position()
	if !ok {
		return false
	}
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

func validatePoint(p types.Point) error {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidInput)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90, 90]", ErrInvalidInput, p.Lat)
	}
	if p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180, 180]", ErrInvalidInput, p.Lng)
	}
	return nil
}

func inTimeRange(ts, start, end time.Time) bool {
	return !ts.Before(start) && !ts.After(end)
}

func filterSamples(samples []Sample, keep func(Sample) bool) []Sample {
	out := make([]Sample, 0, len(samples))
	for _, s := range samples {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

func filterInArea(samples []Sample, box BoundingBox) []Sample {
	return filterSamples(samples, box.Contains)
}

func filterByStatus(samples []Sample, status string) []Sample {
	return filterSamples(samples, func(s Sample) bool { return s.Status == status })
}

func filterInTimeRange(samples []Sample, start, end time.Time) []Sample {
	return filterSamples(samples, func(s Sample) bool { return inTimeRange(s.Timestamp, start, end) })
}
