package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/7and1/bestvpnserver/pkg/events"
	"github.com/7and1/bestvpnserver/pkg/httpx"
	"github.com/7and1/bestvpnserver/pkg/queue"
	"github.com/7and1/bestvpnserver/pkg/report"
	"github.com/7and1/bestvpnserver/pkg/stream"
)

const DefaultBatchSize = 1000

// resultStore is the slice of store.ResultStore the processor needs.
type resultStore interface {
	ProbeLocations(ctx context.Context) (map[string]int, error)
	Platforms(ctx context.Context) (map[string]int, error)
	InsertBatch(ctx context.Context, perf []report.PerformanceRow, streaming []report.StreamingRow) error
	RefreshAggregates(ctx context.Context) error
}

type batchMetrics interface {
	AddBatchRun(processed, performance, streaming, skipped int)
	IncBatchFailure()
}

// Counts summarizes one drain run. Processed is the number of entries read
// off the queue, so Skipped+Performance never exceeds it.
type Counts struct {
	Processed   int `json:"processed"`
	Performance int `json:"performance_rows"`
	Streaming   int `json:"streaming_rows"`
	Skipped     int `json:"skipped"`
	Remaining   int `json:"remaining"`
}

// Processor drains the report queue into the relational store. One run
// reads at most BatchSize entries; entries are trimmed off the queue only
// after their rows are committed, so a crashed run redelivers.
type Processor struct {
	Queue     queue.Queue
	Store     resultStore
	Hub       *stream.Hub
	Publisher *events.Publisher
	Metrics   batchMetrics
	Log       zerolog.Logger
	BatchSize int

	// Optional post-drain cache revalidation ping to the site frontend.
	RevalidateURL    string
	RevalidateSecret string
	HTTPClient       *http.Client
}

// Run executes one drain pass. Entries that cannot be decoded or resolved
// are counted as skipped and still trimmed; a store failure aborts the run
// without trimming anything.
func (p *Processor) Run(ctx context.Context) (Counts, error) {
	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	entries, err := p.Queue.PeekBatch(ctx, size)
	if err != nil {
		return Counts{}, fmt.Errorf("read queue: %w", err)
	}
	if len(entries) == 0 {
		return Counts{}, nil
	}

	probes, err := p.Store.ProbeLocations(ctx)
	if err != nil {
		p.recordFailure()
		return Counts{}, fmt.Errorf("load probe lookup: %w", err)
	}
	platforms, err := p.Store.Platforms(ctx)
	if err != nil {
		p.recordFailure()
		return Counts{}, fmt.Errorf("load platform lookup: %w", err)
	}

	// Processed counts every entry read from the queue, skipped included.
	counts := Counts{Processed: len(entries)}
	perf := make([]report.PerformanceRow, 0, len(entries))
	streaming := make([]report.StreamingRow, 0, len(entries))
	for _, raw := range entries {
		entry, err := report.ParseQueueEntry([]byte(raw))
		if err != nil {
			counts.Skipped++
			p.Log.Warn().Err(err).Msg("dropping undecodable queue entry")
			continue
		}
		row, streamingRows, err := report.BuildRows(entry, probes, platforms)
		if err != nil {
			counts.Skipped++
			if errors.Is(err, report.ErrUnresolvedProbe) {
				p.Log.Warn().Str("probe_id", entry.ProbeID).Int("server_id", entry.ServerID).Msg("dropping report for unknown probe")
			} else {
				p.Log.Warn().Err(err).Msg("dropping unprocessable queue entry")
			}
			continue
		}
		perf = append(perf, row)
		streaming = append(streaming, streamingRows...)
	}
	counts.Performance = len(perf)
	counts.Streaming = len(streaming)

	if err := p.Store.InsertBatch(ctx, perf, streaming); err != nil {
		p.recordFailure()
		return Counts{}, fmt.Errorf("insert batch: %w", err)
	}
	// Rows are committed; trim the consumed entries even though skipped
	// ones produced nothing.
	if err := p.Queue.Trim(ctx, len(entries)); err != nil {
		p.recordFailure()
		return Counts{}, fmt.Errorf("trim queue: %w", err)
	}
	if remaining, err := p.Queue.Len(ctx); err == nil {
		counts.Remaining = int(remaining)
	}

	if counts.Performance > 0 || counts.Streaming > 0 {
		if err := p.Store.RefreshAggregates(ctx); err != nil {
			// Data is durable already; the next run refreshes again.
			p.Log.Error().Err(err).Msg("aggregate refresh failed")
		}
	}

	p.finishRun(ctx, counts)
	return counts, nil
}

func (p *Processor) recordFailure() {
	if p.Metrics != nil {
		p.Metrics.IncBatchFailure()
	}
}

func (p *Processor) finishRun(ctx context.Context, counts Counts) {
	if p.Metrics != nil {
		p.Metrics.AddBatchRun(counts.Processed, counts.Performance, counts.Streaming, counts.Skipped)
	}
	runID := uuid.NewString()
	payload := map[string]any{
		"run_id":           runID,
		"processed":        counts.Processed,
		"performance_rows": counts.Performance,
		"streaming_rows":   counts.Streaming,
		"skipped":          counts.Skipped,
		"remaining":        counts.Remaining,
	}
	if p.Hub != nil {
		p.Hub.Publish(stream.NewEvent(stream.TypeBatchCompleted, payload))
	}
	if p.Publisher != nil {
		if err := p.Publisher.Publish(ctx, "batch", payload); err != nil {
			p.Log.Warn().Err(err).Msg("batch event publish failed")
		}
	}
	p.revalidate(ctx, runID)
	p.Log.Info().
		Str("run_id", runID).
		Int("processed", counts.Processed).
		Int("skipped", counts.Skipped).
		Int("remaining", counts.Remaining).
		Msg("batch run complete")
}

// revalidate pings the marketing site so its cached pages rebuild with
// fresh aggregates.
func (p *Processor) revalidate(ctx context.Context, runID string) {
	if p.RevalidateURL == "" {
		return
	}
	body := []byte(`{"source":"probe-ingest","run_id":"` + runID + `"}`)
	status, err := httpx.PostJSON(ctx, p.HTTPClient, p.RevalidateURL, body, p.RevalidateSecret, 2, 500*time.Millisecond)
	if err != nil {
		p.Log.Warn().Err(err).Msg("revalidation ping failed")
		return
	}
	if status >= 400 {
		p.Log.Warn().Int("status", status).Msg("revalidation ping rejected")
	}
}
