package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/peerlend/escrow-engine/internal/model"
	"github.com/peerlend/escrow-engine/internal/store"
)

// Request is one admission check against a backend.
type Request struct {
	Key    string
	Now    time.Time
	Amount decimal.Decimal
	Limit  Limit
	Window time.Duration
}

// Backend stores rate-limit records and applies Decide atomically per key.
type Backend interface {
	Apply(ctx context.Context, req Request) (model.RateLimitRecord, bool, error)
	Name() string
}

// RedisBackend keeps records as JSON strings in Redis and updates them with
// a WATCH/MULTI optimistic transaction.
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBackend creates a Redis backend. Records expire ttl after their
// last update; ttl should be well above the window so FlaggedCount outlives it.
func NewRedisBackend(rdb redis.UniversalClient, ttl time.Duration) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: "ratelimit:", ttl: ttl}
}

func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) Apply(ctx context.Context, req Request) (model.RateLimitRecord, bool, error) {
	key := b.prefix + req.Key
	var (
		next    model.RateLimitRecord
		allowed bool
	)
	txf := func(tx *redis.Tx) error {
		var cur *model.RateLimitRecord
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			cur = &model.RateLimitRecord{}
			if err := json.Unmarshal(raw, cur); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
		}

		next, allowed = Decide(cur, req.Key, req.Now, req.Amount, req.Limit, req.Window)
		next.Version++
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, b.ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < store.MaxTxAttempts; attempt++ {
		err := b.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return model.RateLimitRecord{}, false, fmt.Errorf("redis rate limit %s: %w", req.Key, err)
		}
		return next, allowed, nil
	}
	return model.RateLimitRecord{}, false, fmt.Errorf("redis rate limit %s: %w", req.Key, model.ErrVersionConflict)
}

// StoreBackend keeps records in the document store, using its version check
// for optimistic concurrency. It is the fallback when Redis is unavailable.
type StoreBackend struct {
	st store.RateLimitStore
}

func NewStoreBackend(st store.RateLimitStore) *StoreBackend {
	return &StoreBackend{st: st}
}

func (b *StoreBackend) Name() string { return "store" }

func (b *StoreBackend) Apply(ctx context.Context, req Request) (model.RateLimitRecord, bool, error) {
	for attempt := 0; attempt < store.MaxTxAttempts; attempt++ {
		cur, err := b.st.GetRateLimit(ctx, req.Key)
		if errors.Is(err, model.ErrNotFound) {
			cur, err = nil, nil
		}
		if err != nil {
			return model.RateLimitRecord{}, false, err
		}

		next, allowed := Decide(cur, req.Key, req.Now, req.Amount, req.Limit, req.Window)
		err = b.st.PutRateLimit(ctx, &next)
		if errors.Is(err, model.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return model.RateLimitRecord{}, false, err
		}
		return next, allowed, nil
	}
	return model.RateLimitRecord{}, false, fmt.Errorf("store rate limit %s: %w", req.Key, model.ErrVersionConflict)
}
