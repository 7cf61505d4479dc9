// README: Tracking service: cache-first reads with durable fallback, ingest path and broadcast.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cartrack/internal/log"
	"cartrack/internal/metrics"
	"cartrack/internal/types"
)

var (
	ErrNotFound           = errors.New("vehicle not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrInvalidInput       = errors.New("invalid input")
)

// Cache is the fast tier. Backend failures wrap ErrStorageUnavailable.
type Cache interface {
	PutLatest(ctx context.Context, s Sample) error
	AppendHistory(ctx context.Context, s Sample) error
	GetLatest(ctx context.Context, id types.ID) (Sample, bool, error)
	GetAllLatest(ctx context.Context) ([]Sample, error)
	GetHistory(ctx context.Context, id types.ID, limit int) ([]Sample, error)
	GetHistoryInRange(ctx context.Context, id types.ID, start, end time.Time) ([]Sample, error)
	ListVehicleIDs(ctx context.Context) ([]types.ID, error)
}

// DurableStore is the read side of the persistent sample log.
type DurableStore interface {
	FindLatestByVehicle(ctx context.Context, id types.ID) (Sample, bool, error)
	FindHistoryByVehicle(ctx context.Context, id types.ID) ([]Sample, error)
	FindActiveWithinWindow(ctx context.Context, cutoff time.Time) ([]Sample, error)
	FindInArea(ctx context.Context, box BoundingBox, cutoff time.Time) ([]Sample, error)
}

// RangeStore answers time-window queries across all vehicles.
type RangeStore interface {
	FindInTimeRange(ctx context.Context, start, end time.Time) ([]Sample, error)
}

// Publisher is the broadcast side. Publish must not block and reports nothing.
type Publisher interface {
	Publish(topic string, payload any)
}

// Archiver receives every written sample for durable persistence.
type Archiver interface {
	Enqueue(s Sample)
}

type Service struct {
	cache   Cache
	durable DurableStore
	bus     Publisher

	archive      Archiver
	rangeStore   RangeStore
	metrics      *metrics.Collector
	now          func() time.Time
	activeWindow time.Duration
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithActiveWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.activeWindow = d
		}
	}
}

func WithMetrics(c *metrics.Collector) Option {
	return func(s *Service) { s.metrics = c }
}

// WithArchive mirrors every cache write into a.
func WithArchive(a Archiver) Option {
	return func(s *Service) { s.archive = a }
}

// WithRangeStore makes GetInTimeRange also return durable rows for vehicles
// missing from the cache registry.
func WithRangeStore(r RangeStore) Option {
	return func(s *Service) { s.rangeStore = r }
}

// NewService wires the tiers. durable may be nil, in which case cache misses
// stay misses. A nil bus discards broadcasts.
func NewService(cache Cache, durable DurableStore, bus Publisher, opts ...Option) *Service {
	s := &Service{
		cache:        cache,
		durable:      durable,
		bus:          bus,
		now:          time.Now,
		activeWindow: DefaultActiveWindow,
	}
	if s.bus == nil {
		s.bus = nopPublisher{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Ingest validates the sample, defaults its timestamp and writes it through the cache.
func (s *Service) Ingest(ctx context.Context, sample Sample) (Sample, error) {
	if sample.VehicleID == "" {
		return Sample{}, fmt.Errorf("%w: vehicleId is required", ErrInvalidInput)
	}
	p, ok := sample.Position()
	if !ok {
		return Sample{}, fmt.Errorf("%w: latitude and longitude are required", ErrInvalidInput)
	}
	if err := validatePoint(p); err != nil {
		return Sample{}, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	if err := s.write(ctx, sample); err != nil {
		return Sample{}, err
	}
	return sample, nil
}

// write stores latest then history, then broadcasts. The steps are independent:
// a failed history append leaves the new latest in place.
func (s *Service) write(ctx context.Context, sample Sample) error {
	start := time.Now()
	err := s.writeCache(ctx, sample)
	s.metrics.RecordIngest(time.Since(start), err)
	if err != nil {
		return err
	}

	s.bus.Publish(VehicleTopic(sample.VehicleID), sample)
	s.bus.Publish(AllVehiclesTopic, sample)

	if s.archive != nil {
		s.archive.Enqueue(sample)
	}
	return nil
}

func (s *Service) writeCache(ctx context.Context, sample Sample) error {
	if err := s.cache.PutLatest(ctx, sample); err != nil {
		return err
	}
	return s.cache.AppendHistory(ctx, sample)
}

// GetLatest reads the cache and falls back to the durable store on a miss.
// The fallback result is not written back.
func (s *Service) GetLatest(ctx context.Context, id types.ID) (Sample, bool, error) {
	if id == "" {
		return Sample{}, false, fmt.Errorf("%w: vehicleId is required", ErrInvalidInput)
	}
	sample, ok, err := s.cache.GetLatest(ctx, id)
	if err != nil || ok {
		return sample, ok, err
	}
	if s.durable == nil {
		return Sample{}, false, nil
	}

	s.metrics.RecordFallback("latest")
	sample, ok, err = s.durable.FindLatestByVehicle(ctx, id)
	if err != nil {
		return Sample{}, false, durableErr("find latest "+string(id), err)
	}
	return sample, ok, nil
}

// GetAllLatest trusts the cache whenever it holds at least one vehicle. Only a
// completely empty cache falls back to the vehicles active within the window.
func (s *Service) GetAllLatest(ctx context.Context) ([]Sample, error) {
	samples, err := s.cache.GetAllLatest(ctx)
	if err != nil {
		return nil, err
	}
	if len(samples) > 0 || s.durable == nil {
		return nonNil(samples), nil
	}

	s.metrics.RecordFallback("all_latest")
	samples, err = s.durable.FindActiveWithinWindow(ctx, s.now().Add(-s.activeWindow))
	if err != nil {
		return nil, durableErr("find active vehicles", err)
	}
	return nonNil(samples), nil
}

func (s *Service) GetHistory(ctx context.Context, id types.ID) ([]Sample, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: vehicleId is required", ErrInvalidInput)
	}
	history, err := s.cache.GetHistory(ctx, id, MaxHistorySize)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 || s.durable == nil {
		return nonNil(history), nil
	}

	s.metrics.RecordFallback("history")
	history, err = s.durable.FindHistoryByVehicle(ctx, id)
	if err != nil {
		return nil, durableErr("find history "+string(id), err)
	}
	return nonNil(history), nil
}

// GetInTimeRange collects cached history in [start, end] for every registered
// vehicle. With a RangeStore, durable rows of unregistered vehicles are added.
func (s *Service) GetInTimeRange(ctx context.Context, start, end time.Time) ([]Sample, error) {
	if start.After(end) {
		return nil, fmt.Errorf("%w: start %s is after end %s", ErrInvalidInput, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	ids, err := s.cache.ListVehicleIDs(ctx)
	if err != nil {
		return nil, err
	}

	var result []Sample
	known := make(map[types.ID]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
		samples, err := s.cache.GetHistoryInRange(ctx, id, start, end)
		if err != nil {
			return nil, err
		}
		result = append(result, samples...)
	}

	if s.rangeStore == nil {
		return nonNil(result), nil
	}

	rows, err := s.rangeStore.FindInTimeRange(ctx, start, end)
	if err != nil {
		return nil, durableErr("find in time range", err)
	}
	for _, row := range rows {
		if _, ok := known[row.VehicleID]; !ok {
			result = append(result, row)
		}
	}
	return nonNil(result), nil
}

// GetInArea returns the latest samples inside the inclusive box. A cold cache
// asks the durable store for the same answer directly.
func (s *Service) GetInArea(ctx context.Context, box BoundingBox) ([]Sample, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}

	cached, err := s.cache.GetAllLatest(ctx)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 || s.durable == nil {
		return filterInArea(cached, box), nil
	}

	s.metrics.RecordFallback("area")
	samples, err := s.durable.FindInArea(ctx, box, s.now().Add(-s.activeWindow))
	if err != nil {
		return nil, durableErr("find in area", err)
	}
	return nonNil(samples), nil
}

// GetByStatus filters GetAllLatest by exact status.
func (s *Service) GetByStatus(ctx context.Context, status string) ([]Sample, error) {
	all, err := s.GetAllLatest(ctx)
	if err != nil {
		return nil, err
	}
	return filterByStatus(all, status), nil
}

// GetNearby returns latest samples within radiusKm of (lat, lng), closest first.
func (s *Service) GetNearby(ctx context.Context, lat, lng, radiusKm float64) ([]NearbySample, error) {
	if err := validatePoint(types.Point{Lat: lat, Lng: lng}); err != nil {
		return nil, err
	}
	if !(radiusKm > 0) {
		return nil, fmt.Errorf("%w: radiusKm must be positive", ErrInvalidInput)
	}

	all, err := s.GetAllLatest(ctx)
	if err != nil {
		return nil, err
	}
	nearby := withinRadius(all, types.Point{Lat: lat, Lng: lng}, radiusKm)
	if nearby == nil {
		nearby = []NearbySample{}
	}
	return nearby, nil
}

// UpdateStatus replaces the status of the latest sample and writes the result
// through the ingest path. A vehicle with no latest sample is ErrNotFound and
// nothing is written.
func (s *Service) UpdateStatus(ctx context.Context, id types.ID, status string) (Sample, error) {
	if status == "" {
		return Sample{}, fmt.Errorf("%w: status is required", ErrInvalidInput)
	}
	current, ok, err := s.GetLatest(ctx, id)
	if err != nil {
		return Sample{}, err
	}
	if !ok {
		return Sample{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	updated := current.WithStatus(status, s.now())
	if err := s.write(ctx, updated); err != nil {
		return Sample{}, err
	}
	log.Info("vehicle status updated", "vehicleId", string(id), "from", current.Status, "to", status)
	return updated, nil
}

func durableErr(op string, err error) error {
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func nonNil(samples []Sample) []Sample {
	if samples == nil {
		return []Sample{}
	}
	return samples
}
