// README: Tracking cache backed by Redis (latest value, bounded history list, vehicle id set).
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"cartrack/internal/log"
	"cartrack/internal/types"
)

const (
	latestKeyPrefix  = "vehicle:latest:"
	historyKeyPrefix = "vehicle:history:"
	registryKey      = "vehicles:ids"

	// mgetBatch bounds the keys sent in one MGET by GetAllLatest.
	mgetBatch = 500
)

func latestKey(id types.ID) string  { return latestKeyPrefix + string(id) }
func historyKey(id types.ID) string { return historyKeyPrefix + string(id) }

var _ Cache = (*Store)(nil)

type Store struct {
	redis     *redis.Client
	latestTTL time.Duration
}

// NewStore returns the Redis cache. latestTTL of zero keeps latest keys forever;
// the registry set never expires.
func NewStore(redis *redis.Client, latestTTL time.Duration) *Store {
	return &Store{redis: redis, latestTTL: latestTTL}
}

func (s *Store) PutLatest(ctx context.Context, sample Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode latest %s: %w", sample.VehicleID, err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestKey(sample.VehicleID), payload, s.latestTTL)
		pipe.SAdd(ctx, registryKey, string(sample.VehicleID))
		return nil
	})
	if err != nil {
		return unavailable("put latest "+string(sample.VehicleID), err)
	}
	return nil
}

// AppendHistory pushes to the head and trims in one MULTI/EXEC, so the list
// never stays above MaxHistorySize.
func (s *Store) AppendHistory(ctx context.Context, sample Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode history %s: %w", sample.VehicleID, err)
	}

	key := historyKey(sample.VehicleID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, MaxHistorySize-1)
		return nil
	})
	if err != nil {
		return unavailable("append history "+string(sample.VehicleID), err)
	}
	return nil
}

// GetLatest reports ok=false when the key is missing or its value cannot be decoded.
func (s *Store) GetLatest(ctx context.Context, id types.ID) (Sample, bool, error) {
	raw, err := s.redis.Get(ctx, latestKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, unavailable("get latest "+string(id), err)
	}

	var sample Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		log.Warn("skipping undecodable latest entry", "vehicleId", string(id), "error", err)
		return Sample{}, false, nil
	}
	return sample, true, nil
}

// GetAllLatest returns one sample per registered vehicle whose latest key still
// exists. Undecodable entries are logged and skipped.
func (s *Store) GetAllLatest(ctx context.Context) ([]Sample, error) {
	ids, err := s.ListVehicleIDs(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	samples := make([]Sample, 0, len(ids))
	for start := 0; start < len(ids); start += mgetBatch {
		end := min(start+mgetBatch, len(ids))

		keys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			keys = append(keys, latestKey(id))
		}

		values, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, unavailable("get all latest", err)
		}

		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				continue // expired or never written
			}
			var sample Sample
			if err := json.Unmarshal([]byte(str), &sample); err != nil {
				log.Warn("skipping undecodable latest entry", "key", keys[i], "error", err)
				continue
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func (s *Store) GetHistory(ctx context.Context, id types.ID, limit int) ([]Sample, error) {
	if limit <= 0 {
		return []Sample{}, nil
	}
	return s.readHistory(ctx, id, limit)
}

// GetHistoryInRange scans the whole bounded list and keeps start <= ts <= end.
func (s *Store) GetHistoryInRange(ctx context.Context, id types.ID, start, end time.Time) ([]Sample, error) {
	history, err := s.readHistory(ctx, id, MaxHistorySize)
	if err != nil {
		return nil, err
	}
	return filterInTimeRange(history, start, end), nil
}

// ListVehicleIDs returns the registry sorted for stable output.
func (s *Store) ListVehicleIDs(ctx context.Context) ([]types.ID, error) {
	members, err := s.redis.SMembers(ctx, registryKey).Result()
	if err != nil {
		return nil, unavailable("list vehicle ids", err)
	}
	sort.Strings(members)

	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

func (s *Store) readHistory(ctx context.Context, id types.ID, limit int) ([]Sample, error) {
	raw, err := s.redis.LRange(ctx, historyKey(id), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable("get history "+string(id), err)
	}

	samples := make([]Sample, 0, len(raw))
	for _, item := range raw {
		var sample Sample
		if err := json.Unmarshal([]byte(item), &sample); err != nil {
			log.Warn("skipping undecodable history entry", "vehicleId", string(id), "error", err)
			continue
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
