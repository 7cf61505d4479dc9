// README: In-process tracking cache for local runs, tests and benchmarks.
package tracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"cartrack/internal/types"
)

var _ Cache = (*MemoryCache)(nil)

// MemoryCache keeps per-vehicle state behind a per-vehicle mutex, so writers
// for different vehicles never contend.
type MemoryCache struct {
	latestTTL time.Duration
	now       func() time.Time

	vehicles sync.Map // types.ID -> *vehicleState
	registry *registry
}

type vehicleState struct {
	mu       sync.Mutex
	latest   *Sample
	storedAt time.Time
	history  []Sample // newest first
}

// registry is the set of vehicle ids with a successful latest write. It only grows.
type registry struct {
	ids sync.Map // types.ID -> struct{}
}

func (r *registry) add(id types.ID) {
	r.ids.Store(id, struct{}{})
}

func (r *registry) snapshot() []types.ID {
	var ids []types.ID
	r.ids.Range(func(key, _ any) bool {
		ids = append(ids, key.(types.ID))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// NewMemoryCache returns an empty cache. A positive latestTTL makes latest
// entries invisible once they are older than the TTL, like a Redis key expiry.
func NewMemoryCache(latestTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		latestTTL: latestTTL,
		now:       time.Now,
		registry:  &registry{},
	}
}

func (c *MemoryCache) state(id types.ID) *vehicleState {
	if v, ok := c.vehicles.Load(id); ok {
		return v.(*vehicleState)
	}
	v, _ := c.vehicles.LoadOrStore(id, &vehicleState{})
	return v.(*vehicleState)
}

func (c *MemoryCache) PutLatest(_ context.Context, s Sample) error {
	st := c.state(s.VehicleID)
	st.mu.Lock()
	latest := s
	st.latest = &latest
	st.storedAt = c.now()
	st.mu.Unlock()

	c.registry.add(s.VehicleID)
	return nil
}

func (c *MemoryCache) AppendHistory(_ context.Context, s Sample) error {
	st := c.state(s.VehicleID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if len(st.history) < MaxHistorySize {
		st.history = append(st.history, Sample{})
	}
	copy(st.history[1:], st.history)
	st.history[0] = s
	return nil
}

func (c *MemoryCache) GetLatest(_ context.Context, id types.ID) (Sample, bool, error) {
	v, ok := c.vehicles.Load(id)
	if !ok {
		return Sample{}, false, nil
	}
	st := v.(*vehicleState)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.latest == nil || c.expired(st.storedAt) {
		return Sample{}, false, nil
	}
	return *st.latest, true, nil
}

func (c *MemoryCache) GetAllLatest(ctx context.Context) ([]Sample, error) {
	ids := c.registry.snapshot()
	samples := make([]Sample, 0, len(ids))
	for _, id := range ids {
		s, ok, _ := c.GetLatest(ctx, id)
		if ok {
			samples = append(samples, s)
		}
	}
	return samples, nil
}

func (c *MemoryCache) GetHistory(_ context.Context, id types.ID, limit int) ([]Sample, error) {
	if limit <= 0 {
		return []Sample{}, nil
	}
	history := c.copyHistory(id)
	if len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (c *MemoryCache) GetHistoryInRange(_ context.Context, id types.ID, start, end time.Time) ([]Sample, error) {
	return filterInTimeRange(c.copyHistory(id), start, end), nil
}

func (c *MemoryCache) ListVehicleIDs(context.Context) ([]types.ID, error) {
	return c.registry.snapshot(), nil
}

func (c *MemoryCache) copyHistory(id types.ID) []Sample {
	v, ok := c.vehicles.Load(id)
	if !ok {
		return []Sample{}
	}
	st := v.(*vehicleState)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]Sample, len(st.history))
	copy(out, st.history)
	return out
}

func (c *MemoryCache) expired(storedAt time.Time) bool {
	return c.latestTTL > 0 && c.now().Sub(storedAt) >= c.latestTTL
}
