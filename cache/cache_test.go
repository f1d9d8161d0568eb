package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "health", []byte(`{"status":"OK"}`), 30*time.Second))

	v, ok, err := s.Get(ctx, "health")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"status":"OK"}`, string(v))

	now = now.Add(31 * time.Second)
	_, ok, err = s.Get(ctx, "health")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestMemoryStoreCopiesValue(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'x'

	v, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(v))
}

func TestMemoryStoreZeroTTLIsNoop(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Set(context.Background(), "k", []byte("v"), 0))
	assert.Zero(t, s.Len())
}

func TestMemoryStorePrunesOnSet(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	now = now.Add(2 * time.Second)
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Second))
	assert.Equal(t, 1, s.Len())
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	s := NewRedisStore(client)

	_, ok, err := s.Get(context.Background(), "k")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Error(t, s.Set(context.Background(), "k", []byte("v"), time.Minute))
}

func TestConnectFailsFast(t *testing.T) {
	_, err := Connect(context.Background(), "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
