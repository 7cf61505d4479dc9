// README: Telemetry sample, query value objects and broadcast topic names.
package tracking

import (
	"time"

	"cartrack/internal/types"
)

// MaxHistorySize caps the cached history per vehicle (about ten minutes at 1 Hz).
const MaxHistorySize = 600

// DefaultActiveWindow bounds the durable fallback of GetAllLatest.
const DefaultActiveWindow = 5 * time.Minute

// Conventional status values. Status is free-form; these are not enforced.
const (
	StatusActive      = "ACTIVE"
	StatusRunning     = "RUNNING"
	StatusStopped     = "STOPPED"
	StatusMaintenance = "MAINTENANCE"
	StatusOffline     = "OFFLINE"
	StatusInactive    = "INACTIVE"
)

// Conventional engine status values.
const (
	EngineRunning = "RUNNING"
	EngineStopped = "STOPPED"
	EngineIdle    = "IDLE"
)

const AllVehiclesTopic = "vehicles/all"

func VehicleTopic(id types.ID) string {
	return "vehicle/" + string(id)
}

// Sample is one telemetry observation. It is a value: updates build a new Sample.
// Pointer fields are optional; durable rows may lack coordinates.
type Sample struct {
	ID           *int64    `json:"id,omitempty"`
	VehicleID    types.ID  `json:"vehicleId"`
	VehicleName  string    `json:"vehicleName,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	Speed        *float64  `json:"speed,omitempty"`
	Heading      *float64  `json:"heading,omitempty"`
	Status       string    `json:"status,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	FuelLevel    *float64  `json:"fuelLevel,omitempty"`
	EngineStatus string    `json:"engineStatus,omitempty"`
}

// WithStatus returns a copy with status and timestamp replaced.
func (s Sample) WithStatus(status string, at time.Time) Sample {
	s.Status = status
	s.Timestamp = at
	return s
}

// Position reports the coordinates, or false when either is missing.
func (s Sample) Position() (types.Point, bool) {
	if s.Latitude == nil || s.Longitude == nil {
		return types.Point{}, false
	}
	return types.Point{Lat: *s.Latitude, Lng: *s.Longitude}, true
}

// Float returns a pointer to v, for building Samples.
func Float(v float64) *float64 {
	return &v
}

// BoundingBox is an inclusive latitude/longitude rectangle.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLng float64
	MaxLng float64
}

// NearbySample is a latest sample with its distance from a query origin.
type NearbySample struct {
	Sample
	DistanceKm float64 `json:"distanceKm"`
}
