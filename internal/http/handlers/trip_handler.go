// README: DTG integration handlers (trip start/end notices and raw telemetry).
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"cartrack/internal/modules/trip"
	"cartrack/internal/types"
)

type TripHandler struct {
	trip *trip.Service
}

func NewTripHandler(svc *trip.Service) *TripHandler {
	return &TripHandler{trip: svc}
}

func (h *TripHandler) Start(c *gin.Context) {
	var req trip.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.trip.StartTrip(c.Request.Context(), req); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResponse{Message: "trip start recorded"})
}

func (h *TripHandler) End(c *gin.Context) {
	var req trip.EndRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := h.trip.EndTrip(c.Request.Context(), req); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResponse{Message: "trip end recorded"})
}

// trackingDataRequest takes the timestamp as text so DTG records without a
// zone offset are accepted like on /receive.
type trackingDataRequest struct {
	VehicleID    string   `json:"vehicleId"`
	PlateNo      string   `json:"plateNo"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Speed        *float64 `json:"speed"`
	Heading      *float64 `json:"heading"`
	Altitude     *float64 `json:"altitude"`
	FuelLevel    *float64 `json:"fuelLevel"`
	EngineStatus string   `json:"engineStatus"`
	Timestamp    string   `json:"timestamp"`
	TripID       string   `json:"tripId"`
}

func (r trackingDataRequest) toTrackingData() (trip.TrackingData, error) {
	var ts time.Time
	if r.Timestamp != "" {
		parsed, err := parseTime(r.Timestamp)
		if err != nil {
			return trip.TrackingData{}, err
		}
		ts = parsed
	}
	return trip.TrackingData{
		VehicleID:    types.ID(r.VehicleID),
		PlateNo:      r.PlateNo,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Speed:        r.Speed,
		Heading:      r.Heading,
		Altitude:     r.Altitude,
		FuelLevel:    r.FuelLevel,
		EngineStatus: r.EngineStatus,
		Timestamp:    ts,
		TripID:       r.TripID,
	}, nil
}

func (h *TripHandler) Data(c *gin.Context) {
	var req trackingDataRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	data, err := req.toTrackingData()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := h.trip.RecordTrackingData(c.Request.Context(), data); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, messageResponse{Message: "tracking data recorded"})
}

func (h *TripHandler) Get(c *gin.Context) {
	t, err := h.trip.GetTrip(c.Request.Context(), types.ID(c.Param("vehicleId")))
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, t)
}
