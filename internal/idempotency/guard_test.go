package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franzego/notifygateway/internal/apperrors"
	"github.com/franzego/notifygateway/internal/config"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/internal/store"
)

func setupRedisGuard(t *testing.T) (*RedisGuard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	cfg := config.RedisConfig{IdempotencyTTL: time.Hour, KeyPrefix: "req:"}
	return NewRedisGuard(client, cfg, time.Second, zerolog.Nop()), mr
}

func notification(requestID string) *models.Notification {
	return &models.Notification{
		RequestID:        requestID,
		UserID:           "u1",
		NotificationType: models.TypePush,
		TemplateCode:     "welcome",
		Variables:        map[string]any{},
	}
}

func TestRedisGuard_NewThenDuplicate(t *testing.T) {
	g, mr := setupRedisGuard(t)
	ctx := context.Background()

	d, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	assert.False(t, d.Duplicate)
	assert.Nil(t, d.Record)

	d, err = g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	assert.True(t, d.Duplicate)

	assert.True(t, mr.Exists("req:r1"))
	assert.Equal(t, time.Hour, mr.TTL("req:r1"))
}

func TestRedisGuard_ExpiredMarkerAllowsReuse(t *testing.T) {
	g, mr := setupRedisGuard(t)
	ctx := context.Background()

	_, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)

	mr.FastForward(time.Hour + time.Second)

	d, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	assert.False(t, d.Duplicate)
}

func TestRedisGuard_Release(t *testing.T) {
	g, mr := setupRedisGuard(t)
	ctx := context.Background()

	_, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	require.NoError(t, g.Release(ctx, "r1"))
	assert.False(t, mr.Exists("req:r1"))

	d, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	assert.False(t, d.Duplicate)
}

func TestRedisGuard_UnavailableFailsClosed(t *testing.T) {
	g, mr := setupRedisGuard(t)
	mr.Close()

	d, err := g.CheckAndMark(context.Background(), notification("r1"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindGuardUnavailable))
	assert.False(t, d.Duplicate)
}

func TestRedisGuard_ConcurrentSameID(t *testing.T) {
	g, _ := setupRedisGuard(t)

	const workers = 25
	var (
		wg       sync.WaitGroup
		newCount atomic.Int32
		dupCount atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := g.CheckAndMark(context.Background(), notification("race"))
			if !assert.NoError(t, err) {
				return
			}
			if d.Duplicate {
				dupCount.Add(1)
			} else {
				newCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), newCount.Load())
	assert.Equal(t, int32(workers-1), dupCount.Load())
}

func setupStoreGuard(t *testing.T) (*StoreGuard, *store.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	return NewStoreGuard(s, time.Second), s
}

func TestStoreGuard_NewThenDuplicate(t *testing.T) {
	g, _ := setupStoreGuard(t)
	ctx := context.Background()

	first, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	require.NotNil(t, first.Record)
	assert.Equal(t, models.StatusPending, first.Record.Status)

	second, err := g.CheckAndMark(ctx, notification("r1"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	require.NotNil(t, second.Record)
	assert.Equal(t, first.Record.ID, second.Record.ID)
}

type brokenInserter struct{}

func (brokenInserter) InsertPending(context.Context, *models.Notification) (models.Notification, bool, error) {
	return models.Notification{}, false, errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")
}

func TestStoreGuard_UnavailableFailsClosed(t *testing.T) {
	g := NewStoreGuard(brokenInserter{}, time.Second)

	_, err := g.CheckAndMark(context.Background(), notification("r1"))
	assert.True(t, apperrors.Is(err, apperrors.KindGuardUnavailable))
}

func TestNew_Strategies(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { client.Close() })

	g, err := New(config.StrategyCache, client, config.RedisConfig{IdempotencyTTL: time.Minute}, nil, time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &RedisGuard{}, g)

	g, err = New(config.StrategyStore, client, config.RedisConfig{}, brokenInserter{}, time.Second, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &StoreGuard{}, g)

	_, err = New("memory", client, config.RedisConfig{}, nil, time.Second, zerolog.Nop())
	assert.Error(t, err)
}
