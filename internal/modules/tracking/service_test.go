package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cartrack/internal/types"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

type fakeDurable struct {
	mu      sync.Mutex
	samples []Sample
	err     error
	calls   int
	cutoffs []time.Time
}

func (f *fakeDurable) add(s ...Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s...)
}

func (f *fakeDurable) newestPerVehicle() map[types.ID]Sample {
	newest := make(map[types.ID]Sample)
	for _, s := range f.samples {
		if cur, ok := newest[s.VehicleID]; !ok || !s.Timestamp.Before(cur.Timestamp) {
			newest[s.VehicleID] = s
		}
	}
	return newest
}

func (f *fakeDurable) FindLatestByVehicle(_ context.Context, id types.ID) (Sample, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return Sample{}, false, f.err
	}
	s, ok := f.newestPerVehicle()[id]
	return s, ok, nil
}

func (f *fakeDurable) FindHistoryByVehicle(_ context.Context, id types.ID) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Sample
	for i := len(f.samples) - 1; i >= 0; i-- {
		if f.samples[i].VehicleID == id {
			out = append(out, f.samples[i])
		}
	}
	return out, nil
}

func (f *fakeDurable) FindActiveWithinWindow(_ context.Context, cutoff time.Time) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.cutoffs = append(f.cutoffs, cutoff)
	if f.err != nil {
		return nil, f.err
	}
	var out []Sample
	for _, s := range f.newestPerVehicle() {
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDurable) FindInArea(_ context.Context, box BoundingBox, cutoff time.Time) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []Sample
	for _, s := range f.newestPerVehicle() {
		if !s.Timestamp.Before(cutoff) && box.Contains(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeDurable) FindInTimeRange(_ context.Context, start, end time.Time) ([]Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return filterInTimeRange(f.samples, start, end), nil
}

func (f *fakeDurable) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type published struct {
	topic   string
	payload any
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recordingBus) Publish(topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{topic: topic, payload: payload})
}

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.topic
	}
	return out
}

// failingCache fails every call with a storage error.
type failingCache struct{}

var errRedisDown = errors.New("dial tcp: connection refused")

func (failingCache) PutLatest(context.Context, Sample) error {
	return unavailable("put latest", errRedisDown)
}

func (failingCache) AppendHistory(context.Context, Sample) error {
	return unavailable("append history", errRedisDown)
}

func (failingCache) GetLatest(context.Context, types.ID) (Sample, bool, error) {
	return Sample{}, false, unavailable("get latest", errRedisDown)
}

func (failingCache) GetAllLatest(context.Context) ([]Sample, error) {
	return nil, unavailable("get all latest", errRedisDown)
}

func (failingCache) GetHistory(context.Context, types.ID, int) ([]Sample, error) {
	return nil, unavailable("get history", errRedisDown)
}

func (failingCache) GetHistoryInRange(context.Context, types.ID, time.Time, time.Time) ([]Sample, error) {
	return nil, unavailable("get history", errRedisDown)
}

func (failingCache) ListVehicleIDs(context.Context) ([]types.ID, error) {
	return nil, unavailable("list vehicle ids", errRedisDown)
}

type recordingArchive struct {
	mu      sync.Mutex
	samples []Sample
}

func (a *recordingArchive) Enqueue(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, s)
}

type testEnv struct {
	svc     *Service
	cache   *MemoryCache
	durable *fakeDurable
	bus     *recordingBus
	now     time.Time
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		cache:   NewMemoryCache(0),
		durable: &fakeDurable{},
		bus:     &recordingBus{},
		now:     baseTime.Add(time.Hour),
	}
	opts = append([]Option{WithClock(func() time.Time { return env.now })}, opts...)
	env.svc = NewService(env.cache, env.durable, env.bus, opts...)
	return env
}

func car(id types.ID, lat, lng float64, status string, ts time.Time) Sample {
	return Sample{VehicleID: id, Latitude: Float(lat), Longitude: Float(lng), Status: status, Timestamp: ts}
}

// ---------------------------------------------------------------------------
// Ingest
// ---------------------------------------------------------------------------

func TestIngest_StoresAndBroadcasts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	in := car("CAR1", 37.50, 127.00, StatusActive, baseTime)

	got, err := env.svc.Ingest(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, got)

	latest, ok, err := env.svc.GetLatest(ctx, "CAR1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, latest)

	all, err := env.svc.GetAllLatest(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.ID("CAR1"), all[0].VehicleID)

	assert.Equal(t, []string{"vehicle/CAR1", "vehicles/all"}, env.bus.topics())
	assert.Zero(t, env.durable.callCount(), "cache hits never touch the durable store")
}

func TestIngest_DefaultsTimestamp(t *testing.T) {
	env := newTestEnv(t)
	in := car("CAR1", 37.5, 127.0, StatusActive, time.Time{})

	got, err := env.svc.Ingest(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(env.now))
}

func TestIngest_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name   string
		sample Sample
	}{
		{name: "empty vehicle id", sample: car("", 37.5, 127.0, "", baseTime)},
		{name: "missing latitude", sample: Sample{VehicleID: "CAR1", Longitude: Float(127)}},
		{name: "nan latitude", sample: car("CAR1", math.NaN(), 127.0, "", baseTime)},
		{name: "infinite longitude", sample: car("CAR1", 37.5, math.Inf(1), "", baseTime)},
		{name: "latitude out of range", sample: car("CAR1", 91, 127.0, "", baseTime)},
		{name: "longitude out of range", sample: car("CAR1", 37.5, -181, "", baseTime)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.Ingest(context.Background(), tt.sample)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
	assert.Empty(t, env.bus.topics())
}

func TestIngest_LatestFollowsLastWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 20; i++ {
		_, err := env.svc.Ingest(ctx, car("CAR1", 37.5, 127.0, StatusRunning, baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	latest, ok, err := env.svc.GetLatest(ctx, "CAR1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, latest.Timestamp.Equal(baseTime.Add(20*time.Second)))
}

func TestIngest_HistoryEviction(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 1; i <= 601; i++ {
		_, err := env.svc.Ingest(ctx, car("CAR2", 37.5, 127.0, StatusRunning, baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	history, err := env.svc.GetHistory(ctx, "CAR2")
	require.NoError(t, err)
	require.Len(t, history, MaxHistorySize)
	assert.True(t, history[0].Timestamp.Equal(baseTime.Add(601*time.Second)))
	assert.True(t, history[len(history)-1].Timestamp.Equal(baseTime.Add(2*time.Second)))
}

func TestIngest_CacheFailurePropagates(t *testing.T) {
	bus := &recordingBus{}
	svc := NewService(&failingCache{}, &fakeDurable{}, bus)

	_, err := svc.Ingest(context.Background(), car("CAR1", 37.5, 127.0, "", baseTime))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, bus.topics(), "nothing is broadcast when the cache write fails")
}

func TestIngest_ArchivesWhenConfigured(t *testing.T) {
	archive := &recordingArchive{}
	env := newTestEnv(t, WithArchive(archive))

	_, err := env.svc.Ingest(context.Background(), car("CAR1", 37.5, 127.0, "", baseTime))
	require.NoError(t, err)

	archive.mu.Lock()
	defer archive.mu.Unlock()
	require.Len(t, archive.samples, 1)
	assert.Equal(t, types.ID("CAR1"), archive.samples[0].VehicleID)
}

func TestIngest_NilBus(t *testing.T) {
	svc := NewService(NewMemoryCache(0), nil, nil)
	_, err := svc.Ingest(context.Background(), car("CAR1", 37.5, 127.0, "", baseTime))
	assert.NoError(t, err)
}

// ---------------------------------------------------------------------------
// Read-through fallback
// ---------------------------------------------------------------------------

func TestGetLatest_FallbackDoesNotWarmCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	stored := car("CAR3", 37.4, 127.1, StatusStopped, baseTime)
	env.durable.add(stored)

	got, ok, err := env.svc.GetLatest(ctx, "CAR3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stored, got)

	_, ok, err = env.cache.GetLatest(ctx, "CAR3")
	require.NoError(t, err)
	assert.False(t, ok, "fallback result must not be written back")
}

func TestGetLatest_AbsentEverywhere(t *testing.T) {
	env := newTestEnv(t)
	_, ok, err := env.svc.GetLatest(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetLatest_DurableFailure(t *testing.T) {
	env := newTestEnv(t)
	env.durable.err = errors.New("connection reset")

	_, _, err := env.svc.GetLatest(context.Background(), "CAR3")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestGetLatest_CacheHitIgnoresDurableFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.Ingest(ctx, car("CAR1", 37.5, 127.0, "", baseTime))
	require.NoError(t, err)
	env.durable.err = errors.New("connection reset")

	_, ok, err := env.svc.GetLatest(ctx, "CAR1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetLatest_CacheFailurePropagates(t *testing.T) {
	durable := &fakeDurable{}
	svc := NewService(&failingCache{}, durable, nil)

	_, _, err := svc.GetLatest(context.Background(), "CAR1")
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Zero(t, durable.callCount())
}

func TestGetAllLatest_CacheAuthoritativeWhenNonEmpty(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.durable.add(car("OLD", 37.0, 127.0, StatusActive, env.now.Add(-time.Minute)))
	_, err := env.svc.Ingest(ctx, car("NEW", 37.5, 127.0, StatusActive, env.now))
	require.NoError(t, err)

	all, err := env.svc.GetAllLatest(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.ID("NEW"), all[0].VehicleID)
	assert.Zero(t, env.durable.callCount())
}

func TestGetAllLatest_ColdCacheUsesActiveWindow(t *testing.T) {
	env := newTestEnv(t)
	env.durable.add(
		car("RECENT", 37.0, 127.0, StatusActive, env.now.Add(-2*time.Minute)),
		car("STALE", 37.0, 127.0, StatusActive, env.now.Add(-10*time.Minute)),
	)

	all, err := env.svc.GetAllLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.ID("RECENT"), all[0].VehicleID)
	require.Len(t, env.durable.cutoffs, 1)
	assert.True(t, env.durable.cutoffs[0].Equal(env.now.Add(-DefaultActiveWindow)))
}

func TestGetAllLatest_CustomActiveWindow(t *testing.T) {
	env := newTestEnv(t, WithActiveWindow(15*time.Minute))
	env.durable.add(car("STALE", 37.0, 127.0, StatusActive, env.now.Add(-10*time.Minute)))

	all, err := env.svc.GetAllLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetAllLatest_NoDurable(t *testing.T) {
	svc := NewService(NewMemoryCache(0), nil, nil)
	all, err := svc.GetAllLatest(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, all)
	assert.Empty(t, all)
}

func TestGetHistory_Fallback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.durable.add(
		car("CAR3", 37.0, 127.0, "", baseTime),
		car("CAR3", 37.0, 127.0, "", baseTime.Add(time.Second)),
	)

	history, err := env.svc.GetHistory(ctx, "CAR3")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Timestamp.After(history[1].Timestamp))

	_, err = env.svc.Ingest(ctx, car("CAR3", 37.0, 127.0, "", baseTime.Add(time.Hour)))
	require.NoError(t, err)
	history, err = env.svc.GetHistory(ctx, "CAR3")
	require.NoError(t, err)
	assert.Len(t, history, 1, "non-empty cache history wins")
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestGetInTimeRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		ts := baseTime.Add(time.Duration(i) * time.Minute)
		_, err := env.svc.Ingest(ctx, car("A", 37.0, 127.0, "", ts))
		require.NoError(t, err)
		_, err = env.svc.Ingest(ctx, car("B", 37.1, 127.1, "", ts))
		require.NoError(t, err)
	}
	env.durable.add(car("DURABLE_ONLY", 37.0, 127.0, "", baseTime.Add(time.Minute)))

	got, err := env.svc.GetInTimeRange(ctx, baseTime.Add(time.Minute), baseTime.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 6, "three samples per cached vehicle, bounds inclusive")
	for _, s := range got {
		assert.NotEqual(t, types.ID("DURABLE_ONLY"), s.VehicleID, "registry scan only by default")
	}
}

func TestGetInTimeRange_IncludeDurable(t *testing.T) {
	env := newTestEnv(t)
	env.svc = NewService(env.cache, env.durable, env.bus, WithRangeStore(env.durable))
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, car("A", 37.0, 127.0, "", baseTime))
	require.NoError(t, err)
	env.durable.add(
		car("A", 37.0, 127.0, "", baseTime),
		car("DURABLE_ONLY", 37.0, 127.0, "", baseTime),
	)

	got, err := env.svc.GetInTimeRange(ctx, baseTime.Add(-time.Minute), baseTime.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2, "cached vehicles are not duplicated from the durable store")

	ids := []types.ID{got[0].VehicleID, got[1].VehicleID}
	assert.ElementsMatch(t, []types.ID{"A", "DURABLE_ONLY"}, ids)
}

func TestGetInTimeRange_InvertedRange(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetInTimeRange(context.Background(), baseTime.Add(time.Minute), baseTime)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestGetInArea_InclusiveBounds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	box := BoundingBox{MinLat: 37.0, MaxLat: 38.0, MinLng: 126.0, MaxLng: 127.0}

	for _, s := range []Sample{
		car("EDGE_MIN", 37.0, 126.0, "", baseTime),
		car("EDGE_MAX", 38.0, 127.0, "", baseTime),
		car("INSIDE", 37.5, 126.5, "", baseTime),
		car("OUTSIDE_LAT", 38.0001, 126.5, "", baseTime),
		car("OUTSIDE_LNG", 37.5, 125.9999, "", baseTime),
	} {
		_, err := env.svc.Ingest(ctx, s)
		require.NoError(t, err)
	}

	got, err := env.svc.GetInArea(ctx, box)
	require.NoError(t, err)

	var ids []types.ID
	for _, s := range got {
		ids = append(ids, s.VehicleID)
	}
	assert.ElementsMatch(t, []types.ID{"EDGE_MIN", "EDGE_MAX", "INSIDE"}, ids)
}

func TestGetInArea_ColdCacheUsesDurable(t *testing.T) {
	env := newTestEnv(t)
	env.durable.add(
		car("IN", 37.5, 126.5, "", env.now.Add(-time.Minute)),
		car("LEFT", 37.5, 126.5, "", env.now.Add(-3*time.Minute)),
		car("LEFT", 39.0, 126.5, "", env.now.Add(-2*time.Minute)),
	)

	got, err := env.svc.GetInArea(context.Background(), BoundingBox{MinLat: 37, MaxLat: 38, MinLng: 126, MaxLng: 127})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, types.ID("IN"), got[0].VehicleID)
}

func TestGetInArea_DropsSamplesWithoutCoordinates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.cache.PutLatest(ctx, Sample{VehicleID: "NOPOS", Timestamp: baseTime}))

	got, err := env.svc.GetInArea(ctx, BoundingBox{MinLat: -90, MaxLat: 90, MinLng: -180, MaxLng: 180})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGetInArea_InvalidBox(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.GetInArea(context.Background(), BoundingBox{MinLat: 38, MaxLat: 37, MinLng: 126, MaxLng: 127})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, env.durable.callCount())
}

func TestGetByStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, s := range []Sample{
		car("A", 37, 127, StatusRunning, baseTime),
		car("B", 37, 127, StatusStopped, baseTime),
		car("C", 37, 127, "running", baseTime),
	} {
		_, err := env.svc.Ingest(ctx, s)
		require.NoError(t, err)
	}

	got, err := env.svc.GetByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, got, 1, "exact, case-sensitive match")
	assert.Equal(t, types.ID("A"), got[0].VehicleID)
}

func TestGetNearby(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, s := range []Sample{
		car("CITY_HALL", 37.5663, 126.9779, "", baseTime),
		car("GANGNAM", 37.4979, 127.0276, "", baseTime),
		car("BUSAN", 35.1796, 129.0756, "", baseTime),
	} {
		_, err := env.svc.Ingest(ctx, s)
		require.NoError(t, err)
	}

	got, err := env.svc.GetNearby(ctx, 37.5665, 126.9780, 20)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, types.ID("CITY_HALL"), got[0].VehicleID)
	assert.Equal(t, types.ID("GANGNAM"), got[1].VehicleID)

	_, err = env.svc.GetNearby(ctx, 37.5, 127.0, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

// ---------------------------------------------------------------------------
// Status update
// ---------------------------------------------------------------------------

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	original := car("CAR1", 37.5, 127.0, StatusRunning, baseTime)
	_, err := env.svc.Ingest(ctx, original)
	require.NoError(t, err)

	updated, err := env.svc.UpdateStatus(ctx, "CAR1", StatusMaintenance)
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, updated.Status)
	assert.True(t, updated.Timestamp.Equal(env.now))
	assert.Equal(t, original.Latitude, updated.Latitude)
	assert.Equal(t, StatusRunning, original.Status, "original value untouched")

	latest, _, err := env.svc.GetLatest(ctx, "CAR1")
	require.NoError(t, err)
	assert.Equal(t, StatusMaintenance, latest.Status)

	history, err := env.svc.GetHistory(ctx, "CAR1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
	assert.Len(t, env.bus.topics(), 4, "update broadcasts like an ingest")
}

func TestUpdateStatus_NotFound(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.UpdateStatus(ctx, "GHOST", StatusOffline)
	assert.ErrorIs(t, err, ErrNotFound)

	ids, err := env.cache.ListVehicleIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids, "no cache mutation")
	assert.Empty(t, env.bus.topics())
}

func TestUpdateStatus_FromDurable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.durable.add(car("CAR3", 37.4, 127.1, StatusActive, baseTime))

	updated, err := env.svc.UpdateStatus(ctx, "CAR3", StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, updated.Status)

	cached, ok, err := env.cache.GetLatest(ctx, "CAR3")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusInactive, cached.Status)
}

func TestUpdateStatus_EmptyStatus(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.UpdateStatus(context.Background(), "CAR1", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
