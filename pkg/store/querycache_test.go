package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countingMetrics struct {
	hits, misses int
}

func (c *countingMetrics) IncCacheHit()  { c.hits++ }
func (c *countingMetrics) IncCacheMiss() { c.misses++ }

type failingCache struct{}

func (failingCache) Get(context.Context, string) (string, error) {
	return "", errors.New("redis down")
}
func (failingCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("redis down")
}
func (failingCache) Del(context.Context, string) error { return errors.New("redis down") }

func TestGetOrComputeMissThenHit(t *testing.T) {
	metrics := &countingMetrics{}
	qc := &QueryCache{Cache: NewMemoryCache(), Metrics: metrics, Log: zerolog.Nop()}
	ctx := context.Background()

	calls := 0
	compute := func(context.Context) (StatsOverview, error) {
		calls++
		return StatsOverview{AvgLatency: 42.5}, nil
	}

	got, err := GetOrCompute(ctx, qc, "stats:overview", time.Minute, compute)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if got.AvgLatency != 42.5 {
		t.Fatalf("unexpected value: %+v", got)
	}

	got, err = GetOrCompute(ctx, qc, "stats:overview", time.Minute, compute)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got.AvgLatency != 42.5 {
		t.Fatalf("unexpected cached value: %+v", got)
	}
	if calls != 1 {
		t.Fatalf("expected one compute, got %d", calls)
	}
	if metrics.hits != 1 || metrics.misses != 1 {
		t.Fatalf("expected 1 hit / 1 miss, got %d / %d", metrics.hits, metrics.misses)
	}
}

func TestGetOrComputeBypassesBrokenCache(t *testing.T) {
	qc := &QueryCache{Cache: failingCache{}, Log: zerolog.Nop()}
	got, err := GetOrCompute(context.Background(), qc, "k", time.Minute, func(context.Context) (int, error) {
		return 7, nil
	})
	if err != nil {
		t.Fatalf("expected compute to succeed despite cache errors: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
}

func TestGetOrComputeDropsUndecodableEntry(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()
	if err := cache.Set(ctx, "k", "not json{", time.Minute); err != nil {
		t.Fatalf("seed: %v", err)
	}
	qc := &QueryCache{Cache: cache, Log: zerolog.Nop()}

	got, err := GetOrCompute(ctx, qc, "k", time.Minute, func(context.Context) (StatsOverview, error) {
		return StatsOverview{AvgLatency: 9}, nil
	})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	if got.AvgLatency != 9 {
		t.Fatalf("unexpected value: %+v", got)
	}
	// Fresh value should have replaced the bad entry
	raw, err := cache.Get(ctx, "k")
	if err != nil {
		t.Fatalf("expected refreshed entry: %v", err)
	}
	if raw == "not json{" {
		t.Fatalf("bad entry not replaced")
	}
}

func TestGetOrComputePropagatesComputeError(t *testing.T) {
	qc := &QueryCache{Cache: NewMemoryCache(), Log: zerolog.Nop()}
	wantErr := errors.New("query failed")
	_, err := GetOrCompute(context.Background(), qc, "k", time.Minute, func(context.Context) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected compute error, got %v", err)
	}
}

func TestGetOrComputeNilCacheComputesDirectly(t *testing.T) {
	got, err := GetOrCompute(context.Background(), nil, "k", time.Minute, func(context.Context) (int, error) {
		return 3, nil
	})
	if err != nil || got != 3 {
		t.Fatalf("expected direct compute, got %d %v", got, err)
	}
}
