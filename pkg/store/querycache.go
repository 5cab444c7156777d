package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// CacheMetrics receives the hit/miss signal from the query cache.
type CacheMetrics interface {
	IncCacheHit()
	IncCacheMiss()
}

// QueryCache is the short-TTL read-through cache over expensive aggregate
// queries. Concurrent misses recompute redundantly rather than coalescing;
// the underlying queries are idempotent and cheap relative to ingestion.
// When the cache store itself errors, the value is computed anyway so
// readers never fail because of the cache.
type QueryCache struct {
	Cache   Cache
	Metrics CacheMetrics
	Log     zerolog.Logger
}

// GetOrCompute returns the cached JSON value under key, computing and
// storing it on miss.
func GetOrCompute[T any](ctx context.Context, qc *QueryCache, key string, ttl time.Duration, compute func(context.Context) (T, error)) (T, error) {
	var zero T
	if qc == nil || qc.Cache == nil {
		return compute(ctx)
	}

	raw, err := qc.Cache.Get(ctx, key)
	if err == nil {
		var cached T
		if err := json.Unmarshal([]byte(raw), &cached); err == nil {
			if qc.Metrics != nil {
				qc.Metrics.IncCacheHit()
			}
			return cached, nil
		}
		// Undecodable cached value; drop it and recompute.
		_ = qc.Cache.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		qc.Log.Warn().Err(err).Str("key", key).Msg("cache unavailable, computing directly")
		return compute(ctx)
	}

	if qc.Metrics != nil {
		qc.Metrics.IncCacheMiss()
	}
	fresh, err := compute(ctx)
	if err != nil {
		return zero, err
	}
	if encoded, err := json.Marshal(fresh); err == nil {
		if err := qc.Cache.Set(ctx, key, string(encoded), ttl); err != nil {
			qc.Log.Warn().Err(err).Str("key", key).Msg("cache write failed")
		}
	}
	return fresh, nil
}
