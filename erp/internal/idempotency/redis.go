package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const pendingMarker = "__pending__"

// releasePending deletes the key only while it still holds the pending marker.
var releasePending = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisStore keeps records in Redis. Claims are SET NX with a short lock TTL;
// completed records live for the retention period.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	lockTTL   time.Duration
}

func NewRedisStore(client *redis.Client, retention, lockTTL time.Duration) *RedisStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	return &RedisStore{client: client, retention: retention, lockTTL: lockTTL}
}

func (s *RedisStore) Begin(ctx context.Context, scope, key string) (*Record, error) {
	k := storageKey(scope, key)
	// a second attempt covers a record expiring between SETNX and GET
	for range 2 {
		claimed, err := s.client.SetNX(ctx, k, pendingMarker, s.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("idempotency: claim %s: %w", key, err)
		}
		if claimed {
			return nil, nil
		}

		raw, err := s.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("idempotency: read %s: %w", key, err)
		}
		if raw == pendingMarker {
			return nil, ErrInProgress
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("idempotency: decode %s: %w", key, err)
		}
		return &rec, nil
	}
	return nil, ErrInProgress
}

func (s *RedisStore) Complete(ctx context.Context, scope, key string, rec Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, storageKey(scope, key), raw, s.retention).Err(); err != nil {
		return fmt.Errorf("idempotency: complete %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, scope, key string) error {
	if err := releasePending.Run(ctx, s.client, []string{storageKey(scope, key)}, pendingMarker).Err(); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", key, err)
	}
	return nil
}
