// README: Car tracking handlers (ingest, latest, history, range/area/status queries).
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cartrack/internal/maps"
	"cartrack/internal/modules/tracking"
	"cartrack/internal/types"
)

const defaultNearbyRadiusKm = 5.0

// Geocoder resolves coordinates to a postal address.
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (maps.Address, error)
}

type TrackingHandler struct {
	tracking *tracking.Service
	geocoder Geocoder
}

// NewTrackingHandler builds the handler. geocoder may be nil; the address
// endpoint then answers 501.
func NewTrackingHandler(svc *tracking.Service, geocoder Geocoder) *TrackingHandler {
	return &TrackingHandler{tracking: svc, geocoder: geocoder}
}

type sampleRequest struct {
	VehicleID    string   `json:"vehicleId"`
	VehicleName  string   `json:"vehicleName"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Speed        *float64 `json:"speed"`
	Heading      *float64 `json:"heading"`
	Status       string   `json:"status"`
	Timestamp    string   `json:"timestamp"`
	FuelLevel    *float64 `json:"fuelLevel"`
	EngineStatus string   `json:"engineStatus"`
}

func (r sampleRequest) toSample() (tracking.Sample, error) {
	var ts time.Time
	if r.Timestamp != "" {
		parsed, err := parseTime(r.Timestamp)
		if err != nil {
			return tracking.Sample{}, err
		}
		ts = parsed
	}
	return tracking.Sample{
		VehicleID:    types.ID(r.VehicleID),
		VehicleName:  r.VehicleName,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		Speed:        r.Speed,
		Heading:      r.Heading,
		Status:       r.Status,
		Timestamp:    ts,
		FuelLevel:    r.FuelLevel,
		EngineStatus: r.EngineStatus,
	}, nil
}

func (h *TrackingHandler) Receive(c *gin.Context) {
	var req sampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	sample, err := req.toSample()
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	stored, err := h.tracking.Ingest(c.Request.Context(), sample)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, stored)
}

func (h *TrackingHandler) CurrentLocations(c *gin.Context) {
	samples, err := h.tracking.GetAllLatest(c.Request.Context())
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newList(samples))
}

func (h *TrackingHandler) Latest(c *gin.Context) {
	id := types.ID(c.Param("vehicleId"))
	sample, ok, err := h.tracking.GetLatest(c.Request.Context(), id)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "no location for vehicle "+string(id))
		return
	}
	writeJSON(c, http.StatusOK, sample)
}

func (h *TrackingHandler) History(c *gin.Context) {
	history, err := h.tracking.GetHistory(c.Request.Context(), types.ID(c.Param("vehicleId")))
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newList(history))
}

func (h *TrackingHandler) Address(c *gin.Context) {
	if h.geocoder == nil {
		writeError(c, http.StatusNotImplemented, "address lookup is not configured")
		return
	}
	id := types.ID(c.Param("vehicleId"))
	sample, ok, err := h.tracking.GetLatest(c.Request.Context(), id)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	p, hasPos := sample.Position()
	if !ok || !hasPos {
		writeError(c, http.StatusNotFound, "no location for vehicle "+string(id))
		return
	}

	addr, err := h.geocoder.ReverseGeocode(c.Request.Context(), p.Lat, p.Lng)
	if errors.Is(err, maps.ErrNoAddress) {
		writeError(c, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(c, http.StatusBadGateway, "address lookup failed")
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"vehicleId": id,
		"latitude":  p.Lat,
		"longitude": p.Lng,
		"address":   addr,
	})
}

func (h *TrackingHandler) UpdateStatus(c *gin.Context) {
	status := c.Query("status")
	if status == "" {
		writeError(c, http.StatusBadRequest, "missing status")
		return
	}
	updated, err := h.tracking.UpdateStatus(c.Request.Context(), types.ID(c.Param("vehicleId")), status)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (h *TrackingHandler) TimeRange(c *gin.Context) {
	start, err := queryTime(c, "startTime")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	end, err := queryTime(c, "endTime")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	samples, err := h.tracking.GetInTimeRange(c.Request.Context(), start, end)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newList(samples))
}

func (h *TrackingHandler) Area(c *gin.Context) {
	var box tracking.BoundingBox
	for _, f := range []struct {
		key string
		dst *float64
	}{
		{"minLat", &box.MinLat},
		{"maxLat", &box.MaxLat},
		{"minLng", &box.MinLng},
		{"maxLng", &box.MaxLng},
	} {
		v, err := queryFloat(c, f.key)
		if err != nil {
			writeError(c, http.StatusBadRequest, err.Error())
			return
		}
		*f.dst = v
	}

	samples, err := h.tracking.GetInArea(c.Request.Context(), box)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newList(samples))
}

func (h *TrackingHandler) Nearby(c *gin.Context) {
	lat, err := queryFloat(c, "lat")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	lng, err := queryFloat(c, "lng")
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	radius := defaultNearbyRadiusKm
	if v := c.Query("radiusKm"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid radiusKm")
			return
		}
	}

	nearby, err := h.tracking.GetNearby(c.Request.Context(), lat, lng, radius)
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newList(nearby))
}

func (h *TrackingHandler) ByStatus(c *gin.Context) {
	samples, err := h.tracking.GetByStatus(c.Request.Context(), c.Param("status"))
	if err != nil {
		writeTrackingError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newList(samples))
}

func (h *TrackingHandler) Health(c *gin.Context) {
	c.String(http.StatusOK, "Car Tracking Service is running")
}
