// README: Trip service relays DTG trip notices and telemetry into tracking and broadcast.
package trip

import (
	"context"
	"errors"
	"fmt"

	"cartrack/internal/log"
	"cartrack/internal/modules/tracking"
	"cartrack/internal/types"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("trip not found")
)

// Ingester is the tracking write path.
type Ingester interface {
	Ingest(ctx context.Context, s tracking.Sample) (tracking.Sample, error)
}

type Publisher interface {
	Publish(topic string, payload any)
}

type Service struct {
	store    Store
	tracking Ingester
	bus      Publisher
}

func NewService(store Store, tracking Ingester, bus Publisher) *Service {
	return &Service{store: store, tracking: tracking, bus: bus}
}

func (s *Service) StartTrip(ctx context.Context, req StartRequest) error {
	if req.VehicleID == "" {
		return fmt.Errorf("%w: vehicleId is required", ErrBadRequest)
	}
	if err := s.store.SaveStart(ctx, req); err != nil {
		return err
	}
	log.Info("trip started", "vehicleId", string(req.VehicleID), "driverId", req.DriverID)
	s.bus.Publish(StartTopic(req.VehicleID), req)
	return nil
}

func (s *Service) EndTrip(ctx context.Context, req EndRequest) error {
	if req.VehicleID == "" {
		return fmt.Errorf("%w: vehicleId is required", ErrBadRequest)
	}
	if err := s.store.SaveEnd(ctx, req); err != nil {
		return err
	}
	log.Info("trip ended", "vehicleId", string(req.VehicleID), "reason", req.EndReason)
	s.bus.Publish(EndTopic(req.VehicleID), req)
	return nil
}

// RecordTrackingData ingests the record as a tracking sample, then forwards the
// raw record on the vehicle's tracking topic.
func (s *Service) RecordTrackingData(ctx context.Context, data TrackingData) (tracking.Sample, error) {
	stored, err := s.tracking.Ingest(ctx, data.ToSample())
	if err != nil {
		return tracking.Sample{}, err
	}
	if data.Timestamp.IsZero() {
		data.Timestamp = stored.Timestamp
	}
	s.bus.Publish(TrackingTopic(data.VehicleID), data)
	return stored, nil
}

func (s *Service) GetTrip(ctx context.Context, id types.ID) (Trip, error) {
	if id == "" {
		return Trip{}, fmt.Errorf("%w: vehicleId is required", ErrBadRequest)
	}
	t, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return Trip{}, err
	}
	if !ok {
		return Trip{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, nil
}
