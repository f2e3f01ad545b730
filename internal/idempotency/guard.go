// Package idempotency decides whether a request identifier has been seen.
//
// Two strategies implement Guard: RedisGuard marks identifiers with an expiring
// SET NX, StoreGuard relies on the notifications table's unique request_id.
// Both fail closed: when the backing service cannot answer, the request is
// rejected with a guard-unavailable error instead of being treated as new.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/franzego/notifygateway/internal/apperrors"
	"github.com/franzego/notifygateway/internal/config"
	"github.com/franzego/notifygateway/internal/models"
	"github.com/franzego/notifygateway/pkg/circuitbreaker"
)

// Decision is the outcome of CheckAndMark. Record is set when the guard
// already holds the canonical record (store strategy).
type Decision struct {
	Duplicate bool
	Record    *models.Notification
}

type Guard interface {
	// CheckAndMark atomically records n.RequestID if unseen.
	CheckAndMark(ctx context.Context, n *models.Notification) (Decision, error)
	// Release forgets a mark made for a request that failed before anything
	// was persisted, so the caller can retry it.
	Release(ctx context.Context, requestID string) error
}

type Inserter interface {
	InsertPending(ctx context.Context, n *models.Notification) (models.Notification, bool, error)
}

// New returns the guard for the configured strategy.
func New(strategy string, client *redis.Client, redisCfg config.RedisConfig, store Inserter, timeout time.Duration, log zerolog.Logger) (Guard, error) {
	switch strategy {
	case config.StrategyCache:
		return NewRedisGuard(client, redisCfg, timeout, log), nil
	case config.StrategyStore, "":
		return NewStoreGuard(store, timeout), nil
	}
	return nil, fmt.Errorf("unknown idempotency strategy: %s", strategy)
}

type RedisGuard struct {
	client  *redis.Client
	cb      *gobreaker.CircuitBreaker
	ttl     time.Duration
	prefix  string
	timeout time.Duration
}

func NewRedisGuard(client *redis.Client, cfg config.RedisConfig, timeout time.Duration, log zerolog.Logger) *RedisGuard {
	return &RedisGuard{
		client:  client,
		cb:      circuitbreaker.CircuitBreaker("redis-idempotency", log),
		ttl:     cfg.IdempotencyTTL,
		prefix:  cfg.KeyPrefix,
		timeout: timeout,
	}
}

func (g *RedisGuard) key(requestID string) string {
	return g.prefix + requestID
}

// CheckAndMark sets the marker only if absent. A marker that already exists
// means the identifier was seen within the TTL.
func (g *RedisGuard) CheckAndMark(ctx context.Context, n *models.Notification) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	result, err := g.cb.Execute(func() (interface{}, error) {
		return g.client.SetNX(ctx, g.key(n.RequestID), "1", g.ttl).Result()
	})
	if err != nil {
		return Decision{}, apperrors.E(apperrors.KindGuardUnavailable, "idempotency.redis", err)
	}
	return Decision{Duplicate: !result.(bool)}, nil
}

func (g *RedisGuard) Release(ctx context.Context, requestID string) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.client.Del(ctx, g.key(requestID)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

type StoreGuard struct {
	store   Inserter
	timeout time.Duration
}

func NewStoreGuard(store Inserter, timeout time.Duration) *StoreGuard {
	return &StoreGuard{store: store, timeout: timeout}
}

// CheckAndMark inserts the pending record; a unique conflict is a duplicate
// and yields the record already stored.
func (g *StoreGuard) CheckAndMark(ctx context.Context, n *models.Notification) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	record, inserted, err := g.store.InsertPending(ctx, n)
	if err != nil {
		return Decision{}, apperrors.E(apperrors.KindGuardUnavailable, "idempotency.store", err)
	}
	return Decision{Duplicate: !inserted, Record: &record}, nil
}

// Release is a no-op: a failed insert leaves nothing behind.
func (g *StoreGuard) Release(context.Context, string) error {
	return nil
}
