// README: Trip lifecycle messages received from the digital tachograph (DTG) service.
package trip

import (
	"time"

	"cartrack/internal/modules/tracking"
	"cartrack/internal/types"
)

type StartRequest struct {
	VehicleID      types.ID `json:"vehicleId"`
	PlateNo        string   `json:"plateNo,omitempty"`
	DriverID       string   `json:"driverId,omitempty"`
	StartLatitude  *float64 `json:"startLatitude,omitempty"`
	StartLongitude *float64 `json:"startLongitude,omitempty"`
	Destination    string   `json:"destination,omitempty"`
	Purpose        string   `json:"purpose,omitempty"`
}

type EndRequest struct {
	VehicleID    types.ID `json:"vehicleId"`
	EndLatitude  *float64 `json:"endLatitude,omitempty"`
	EndLongitude *float64 `json:"endLongitude,omitempty"`
	EndReason    string   `json:"endReason,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// TrackingData is one DTG telemetry record.
type TrackingData struct {
	VehicleID    types.ID  `json:"vehicleId"`
	PlateNo      string    `json:"plateNo,omitempty"`
	Latitude     *float64  `json:"latitude"`
	Longitude    *float64  `json:"longitude"`
	Speed        *float64  `json:"speed,omitempty"`
	Heading      *float64  `json:"heading,omitempty"`
	Altitude     *float64  `json:"altitude,omitempty"`
	FuelLevel    *float64  `json:"fuelLevel,omitempty"`
	EngineStatus string    `json:"engineStatus,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	TripID       string    `json:"tripId,omitempty"`
}

// Trip is the last start and end notice stored for a vehicle.
type Trip struct {
	VehicleID types.ID      `json:"vehicleId"`
	Start     *StartRequest `json:"start,omitempty"`
	End       *EndRequest   `json:"end,omitempty"`
}

// ToSample maps DTG data onto a tracking sample; the plate number becomes the
// vehicle name and the status is RUNNING.
func (d TrackingData) ToSample() tracking.Sample {
	return tracking.Sample{
		VehicleID:    d.VehicleID,
		VehicleName:  d.PlateNo,
		Latitude:     d.Latitude,
		Longitude:    d.Longitude,
		Speed:        d.Speed,
		Heading:      d.Heading,
		Status:       tracking.StatusRunning,
		Timestamp:    d.Timestamp,
		FuelLevel:    d.FuelLevel,
		EngineStatus: d.EngineStatus,
	}
}

func StartTopic(id types.ID) string    { return "trips/" + string(id) + "/start" }
func EndTopic(id types.ID) string      { return "trips/" + string(id) + "/end" }
func TrackingTopic(id types.ID) string { return "tracking/" + string(id) }
