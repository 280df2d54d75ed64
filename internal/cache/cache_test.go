package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-gateway/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCache(t *testing.T) (*Cache, *MemoryStore, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(0)
	store.now = clk.now
	c := New(store, DefaultTTLs(), zap.NewNop())
	c.now = clk.now
	return c, store, clk
}

func task(capability string, values ...string) domain.Task {
	fields := make([]domain.Field, len(values))
	for i, v := range values {
		fields[i] = domain.Field{Value: v}
	}
	return domain.NewTask(fields, "test", capability)
}

func TestRoundTripAndExpiry(t *testing.T) {
	c, _, clk := newCache(t)
	ctx := context.Background()
	key := Key(task("chat", "what is the capital of France"), domain.LevelPublic)
	resp := domain.Response{BackendID: "remote", Payload: "Paris", Units: 3, Cost: 0.06}

	c.Put(ctx, key, domain.LevelPublic, resp, time.Minute)

	clk.advance(59 * time.Second)
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, resp, got.Response)

	clk.advance(time.Second)
	_, ok = c.Get(ctx, key)
	assert.False(t, ok)
}

func TestKeySeparatesLevelsAndCapabilities(t *testing.T) {
	tk := task("chat", "quarterly numbers")

	assert.NotEqual(t, Key(tk, domain.LevelPublic), Key(tk, domain.LevelConfidential))
	assert.NotEqual(t, Key(tk, domain.LevelPublic), Key(task("code", "quarterly numbers"), domain.LevelPublic))
	// Whitespace and compatibility forms do not matter, case does.
	assert.Equal(t, Key(tk, domain.LevelPublic), Key(task("chat", "  quarterly\n numbers "), domain.LevelPublic))
	assert.Equal(t, Key(tk, domain.LevelPublic), Key(task("chat", "ｑｕａｒｔｅｒｌｙ numbers"), domain.LevelPublic))
	assert.NotEqual(t, Key(tk, domain.LevelPublic), Key(task("chat", "Quarterly numbers"), domain.LevelPublic))
	// Field boundaries are part of the key.
	assert.NotEqual(t, Key(task("chat", "a b", "c"), domain.LevelPublic), Key(task("chat", "a", "b c"), domain.LevelPublic))
}

func TestSecretIsNeverCached(t *testing.T) {
	c, store, _ := newCache(t)
	key := Key(task("chat", "x"), domain.LevelSecret)

	c.Put(context.Background(), key, domain.LevelSecret, domain.Response{Payload: "nope"}, time.Hour)
	assert.Zero(t, store.Len())
	assert.Zero(t, c.TTLFor(domain.LevelSecret))
	assert.Equal(t, time.Hour, c.TTLFor(domain.LevelPublic))
}

func TestZeroTTLSkipsStore(t *testing.T) {
	c, store, _ := newCache(t)
	c.Put(context.Background(), "k", domain.LevelInternal, domain.Response{}, 0)
	assert.Zero(t, store.Len())
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("connection refused")
}
func (brokenStore) Put(context.Context, Entry) error { return errors.New("connection refused") }

func TestStoreErrorsAreMisses(t *testing.T) {
	c := New(brokenStore{}, nil, zap.NewNop())
	c.Put(context.Background(), "k", domain.LevelPublic, domain.Response{}, time.Minute)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}

func TestMemoryStoreEviction(t *testing.T) {
	clk := &clock{t: time.Now()}
	s := NewMemoryStore(2)
	s.now = clk.now
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, Entry{Key: "a", CreatedAt: clk.t, TTL: time.Hour}))
	clk.advance(time.Second)
	require.NoError(t, s.Put(ctx, Entry{Key: "b", CreatedAt: clk.t, TTL: time.Hour}))
	clk.advance(time.Second)
	require.NoError(t, s.Put(ctx, Entry{Key: "c", CreatedAt: clk.t, TTL: time.Hour}))

	assert.Equal(t, 2, s.Len())
	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok, "oldest entry evicted")

	clk.advance(2 * time.Hour)
	assert.Equal(t, 2, s.Purge())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("GATEWAY_TEST_REDIS")
	if addr == "" {
		t.Skip("GATEWAY_TEST_REDIS not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	ctx := context.Background()
	require.NoError(t, rdb.Ping(ctx).Err())

	s := NewRedisStore(rdb, "gateway-test:cache:")
	e := Entry{
		Key:       Key(task("chat", "hello"), domain.LevelInternal),
		Level:     domain.LevelInternal,
		Response:  domain.Response{BackendID: "local", Payload: "hi"},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		TTL:       time.Minute,
	}
	require.NoError(t, s.Put(ctx, e))
	got, ok, err := s.Get(ctx, e.Key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, e.Response, got.Response)
	assert.Equal(t, domain.LevelInternal, got.Level)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}
