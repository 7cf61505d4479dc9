// README: Trip start/end notices kept in Redis, one key per vehicle and event.
package trip

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"cartrack/internal/modules/tracking"
	"cartrack/internal/types"
)

const (
	startKeyPrefix = "trip:start:"
	endKeyPrefix   = "trip:end:"
)

// Store persists the latest start and end notice per vehicle.
type Store interface {
	SaveStart(ctx context.Context, req StartRequest) error
	SaveEnd(ctx context.Context, req EndRequest) error
	Get(ctx context.Context, id types.ID) (Trip, bool, error)
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redis *redis.Client) *RedisStore {
	return &RedisStore{redis: redis}
}

func (s *RedisStore) SaveStart(ctx context.Context, req StartRequest) error {
	return s.set(ctx, startKeyPrefix+string(req.VehicleID), req)
}

func (s *RedisStore) SaveEnd(ctx context.Context, req EndRequest) error {
	return s.set(ctx, endKeyPrefix+string(req.VehicleID), req)
}

func (s *RedisStore) Get(ctx context.Context, id types.ID) (Trip, bool, error) {
	values, err := s.redis.MGet(ctx, startKeyPrefix+string(id), endKeyPrefix+string(id)).Result()
	if err != nil {
		return Trip{}, false, unavailable("get trip "+string(id), err)
	}

	trip := Trip{VehicleID: id}
	if raw, ok := values[0].(string); ok {
		var start StartRequest
		if err := json.Unmarshal([]byte(raw), &start); err != nil {
			return Trip{}, false, fmt.Errorf("decode trip start %s: %w", id, err)
		}
		trip.Start = &start
	}
	if raw, ok := values[1].(string); ok {
		var end EndRequest
		if err := json.Unmarshal([]byte(raw), &end); err != nil {
			return Trip{}, false, fmt.Errorf("decode trip end %s: %w", id, err)
		}
		trip.End = &end
	}
	return trip, trip.Start != nil || trip.End != nil, nil
}

func (s *RedisStore) set(ctx context.Context, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.redis.Set(ctx, key, payload, 0).Err(); err != nil {
		return unavailable("set "+key, err)
	}
	return nil
}

// unavailable marks a Redis failure so the HTTP layer answers 503.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, tracking.ErrStorageUnavailable, err)
}

// MemoryStore backs the trip endpoints when the cache runs in memory.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[types.ID]Trip
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[types.ID]Trip)}
}

func (s *MemoryStore) SaveStart(_ context.Context, req StartRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trips[req.VehicleID]
	t.VehicleID = req.VehicleID
	t.Start = &req
	s.trips[req.VehicleID] = t
	return nil
}

func (s *MemoryStore) SaveEnd(_ context.Context, req EndRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trips[req.VehicleID]
	t.VehicleID = req.VehicleID
	t.End = &req
	s.trips[req.VehicleID] = t
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ID) (Trip, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.trips[id]
	return t, ok, nil
}
