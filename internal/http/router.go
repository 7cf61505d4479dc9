// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"cartrack/internal/http/handlers"
	"cartrack/internal/http/middleware"
	"cartrack/internal/metrics"
	"cartrack/internal/modules/tracking"
	"cartrack/internal/modules/trip"
)

type RouterDeps struct {
	Tracking *tracking.Service
	Trip     *trip.Service
	// Geocoder is optional; nil disables the address endpoint.
	Geocoder handlers.Geocoder
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.Logging(), middleware.Recovery())

	trackingHandler := handlers.NewTrackingHandler(deps.Tracking, deps.Geocoder)
	ct := r.Group("/api/v1/car-tracking")
	ct.POST("/receive", trackingHandler.Receive)
	ct.GET("/current-locations", trackingHandler.CurrentLocations)
	ct.GET("/vehicle/:vehicleId/latest", trackingHandler.Latest)
	ct.GET("/vehicle/:vehicleId/history", trackingHandler.History)
	ct.GET("/vehicle/:vehicleId/address", trackingHandler.Address)
	ct.PUT("/vehicle/:vehicleId/status", trackingHandler.UpdateStatus)
	ct.GET("/locations/time-range", trackingHandler.TimeRange)
	ct.GET("/locations/area", trackingHandler.Area)
	ct.GET("/locations/nearby", trackingHandler.Nearby)
	ct.GET("/vehicles/status/:status", trackingHandler.ByStatus)
	ct.GET("/health", trackingHandler.Health)

	if deps.Trip != nil {
		tripHandler := handlers.NewTripHandler(deps.Trip)
		tr := r.Group("/api/v1/tracking")
		tr.POST("/trips/start", tripHandler.Start)
		tr.POST("/trips/end", tripHandler.End)
		tr.POST("/data", tripHandler.Data)
		tr.GET("/trips/:vehicleId", tripHandler.Get)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler(deps.Gatherer)))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	return r
}
