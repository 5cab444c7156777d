// Package queue is the at-least-once ingestion buffer between webhook
// intake and batch processing. The contract is deliberately peek-then-trim
// rather than an atomic pop: a crash between the two re-delivers the batch
// on the next run, which downstream storage tolerates.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/7and1/bestvpnserver/pkg/report"
)

// DefaultKey is the well-known list holding serialized queue entries in
// FIFO order, oldest at the head.
const DefaultKey = "probe:results:queue"

type Queue interface {
	Enqueue(ctx context.Context, entry report.QueueEntry) error
	// PeekBatch reads up to max raw entries from the head without removing
	// them.
	PeekBatch(ctx context.Context, max int) ([]string, error)
	// Trim removes exactly the n oldest entries.
	Trim(ctx context.Context, n int) error
	Len(ctx context.Context) (int64, error)
}

// RedisQueue appends with RPUSH so LRANGE 0..n-1 is always the oldest
// prefix and LTRIM n,-1 removes exactly what a batch read.
type RedisQueue struct {
	Client    *redis.Client
	Key       string
	OpTimeout time.Duration
}

func NewRedis(client *redis.Client) *RedisQueue {
	return &RedisQueue{Client: client, Key: DefaultKey, OpTimeout: 2 * time.Second}
}

func (q *RedisQueue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := q.OpTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (q *RedisQueue) Enqueue(ctx context.Context, entry report.QueueEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	opCtx, cancel := q.opCtx(ctx)
	defer cancel()
	if err := q.Client.RPush(opCtx, q.Key, raw).Err(); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) PeekBatch(ctx context.Context, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	opCtx, cancel := q.opCtx(ctx)
	defer cancel()
	entries, err := q.Client.LRange(opCtx, q.Key, 0, int64(max-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("peek batch: %w", err)
	}
	return entries, nil
}

func (q *RedisQueue) Trim(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	opCtx, cancel := q.opCtx(ctx)
	defer cancel()
	if err := q.Client.LTrim(opCtx, q.Key, int64(n), -1).Err(); err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	return nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	opCtx, cancel := q.opCtx(ctx)
	defer cancel()
	n, err := q.Client.LLen(opCtx, q.Key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// MemoryQueue keeps the same contract in process memory for development
// runs without Redis. Not durable across restarts.
type MemoryQueue struct {
	mu      sync.Mutex
	entries []string
}

func NewMemory() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Enqueue(_ context.Context, entry report.QueueEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	q.mu.Lock()
	q.entries = append(q.entries, string(raw))
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) PeekBatch(_ context.Context, max int) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 || len(q.entries) == 0 {
		return nil, nil
	}
	if max > len(q.entries) {
		max = len(q.entries)
	}
	out := make([]string, max)
	copy(out, q.entries[:max])
	return out, nil
}

func (q *MemoryQueue) Trim(_ context.Context, n int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n >= len(q.entries) {
		q.entries = nil
		return nil
	}
	q.entries = append([]string(nil), q.entries[n:]...)
	return nil
}

func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.entries)), nil
}
