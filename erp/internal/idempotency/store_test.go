package idempotency

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore checks the claim, replay and release contract.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	rec, err := s.Begin(ctx, "r-1", "k1")
	require.NoError(t, err)
	assert.Nil(t, rec, "first claim owns the key")

	_, err = s.Begin(ctx, "r-1", "k1")
	assert.ErrorIs(t, err, ErrInProgress)

	rec, err = s.Begin(ctx, "r-2", "k1")
	require.NoError(t, err)
	assert.Nil(t, rec, "scopes are independent")

	done := Record{Status: 201, Data: json.RawMessage(`{"id":"m1"}`), CompletedAt: time.Now().UTC()}
	require.NoError(t, s.Complete(ctx, "r-1", "k1", done))

	rec, err = s.Begin(ctx, "r-1", "k1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.Status)
	assert.JSONEq(t, `{"id":"m1"}`, string(rec.Data))

	require.NoError(t, s.Release(ctx, "r-1", "k1"))
	rec, err = s.Begin(ctx, "r-1", "k1")
	require.NoError(t, err)
	assert.NotNil(t, rec, "release never drops a completed record")

	_, err = s.Begin(ctx, "r-1", "k2")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "r-1", "k2"))
	rec, err = s.Begin(ctx, "r-1", "k2")
	require.NoError(t, err)
	assert.Nil(t, rec, "released key can be claimed again")
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore(0, 0))
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemoryStore(time.Hour, time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Begin(ctx, "r", "crashed")
	require.NoError(t, err)
	now = now.Add(2 * time.Minute)
	rec, err := s.Begin(ctx, "r", "crashed")
	require.NoError(t, err)
	assert.Nil(t, rec, "stale claim expires")

	require.NoError(t, s.Complete(ctx, "r", "crashed", Record{Status: 200}))
	now = now.Add(2 * time.Hour)
	rec, err = s.Begin(ctx, "r", "crashed")
	require.NoError(t, err)
	assert.Nil(t, rec, "record past retention is forgotten")
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, 24*time.Hour, time.Minute), mr
}

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	testStore(t, s)
}

func TestRedisStore_TTLs(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	_, err := s.Begin(ctx, "r", "k")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mr.TTL(storageKey("r", "k")))

	require.NoError(t, s.Complete(ctx, "r", "k", Record{Status: 200}))
	assert.Equal(t, 24*time.Hour, mr.TTL(storageKey("r", "k")))

	mr.FastForward(25 * time.Hour)
	rec, err := s.Begin(ctx, "r", "k")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	_, err := s.Begin(context.Background(), "r", "k")
	assert.Error(t, err)
}
