package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/7and1/bestvpnserver/pkg/report"
)

// resultsDB is the slice of pgxpool.Pool the result store needs.
type resultsDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ResultStore owns the relational side of the pipeline: lookup loads, bulk
// result inserts and the derived-aggregate refresh.
type ResultStore struct {
	DB  resultsDB
	Log zerolog.Logger
}

// ProbeLocations loads the probe code→id lookup. Bounded cardinality, so
// callers load it once per batch run instead of per record.
func (s *ResultStore) ProbeLocations(ctx context.Context) (map[string]int, error) {
	return s.lookup(ctx, `SELECT code, id FROM probe_locations`)
}

// Platforms loads the streaming platform slug→id lookup.
func (s *ResultStore) Platforms(ctx context.Context) (map[string]int, error) {
	return s.lookup(ctx, `SELECT slug, id FROM streaming_platforms`)
}

func (s *ResultStore) lookup(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.DB.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("load lookup: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var key string
		var id int
		if err := rows.Scan(&key, &id); err != nil {
			return nil, fmt.Errorf("scan lookup row: %w", err)
		}
		out[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read lookup rows: %w", err)
	}
	return out, nil
}

// InsertBatch writes all rows of a batch in one transaction with one
// multi-row statement per table. Duplicate delivery of the same report hits
// the composite primary keys and is ignored, which is what makes the
// queue's at-least-once redelivery safe.
func (s *ResultStore) InsertBatch(ctx context.Context, perf []report.PerformanceRow, streaming []report.StreamingRow) error {
	if len(perf) == 0 && len(streaming) == 0 {
		return nil
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(perf) > 0 {
		sql, args := performanceInsert(perf)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert performance rows: %w", err)
		}
	}
	if len(streaming) > 0 {
		sql, args := streamingInsert(streaming)
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return fmt.Errorf("insert streaming rows: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func performanceInsert(rows []report.PerformanceRow) (string, []any) {
	const cols = 10
	b := &strings.Builder{}
	b.WriteString(`INSERT INTO performance_logs (server_id, probe_id, measured_at, ping_ms, download_mbps, upload_mbps, jitter_ms, packet_loss_pct, connection_success, connection_time_ms) VALUES `)
	args := make([]any, 0, len(rows)*cols)
	for i, row := range rows {
		writeValuesTuple(b, i, cols)
		args = append(args,
			row.ServerID, row.ProbeLocationID, row.MeasuredAt, row.PingMs,
			row.DownloadMbps, row.UploadMbps, row.JitterMs, row.PacketLossPct,
			row.ConnectionSuccess, row.ConnectionTimeMs,
		)
	}
	b.WriteString(` ON CONFLICT (measured_at, server_id, probe_id) DO NOTHING`)
	return b.String(), args
}

func streamingInsert(rows []report.StreamingRow) (string, []any) {
	const cols = 5
	b := &strings.Builder{}
	b.WriteString(`INSERT INTO streaming_checks (server_id, platform_id, checked_at, is_unlocked, response_time_ms) VALUES `)
	args := make([]any, 0, len(rows)*cols)
	for i, row := range rows {
		writeValuesTuple(b, i, cols)
		args = append(args, row.ServerID, row.PlatformID, row.CheckedAt, row.IsUnlocked, row.ResponseTimeMs)
	}
	b.WriteString(` ON CONFLICT (server_id, platform_id, checked_at) DO NOTHING`)
	return b.String(), args
}

func writeValuesTuple(b *strings.Builder, rowIdx, cols int) {
	if rowIdx > 0 {
		b.WriteString(", ")
	}
	b.WriteString("(")
	for c := 0; c < cols; c++ {
		if c > 0 {
			b.WriteString(", ")
		}
		b.WriteString("$")
		b.WriteString(strconv.Itoa(rowIdx*cols + c + 1))
	}
	b.WriteString(")")
}

var aggregateViews = []string{
	"mv_server_latest_performance",
	"mv_server_daily_stats",
}

// RefreshAggregates rebuilds the precomputed rollups read paths serve from.
// CONCURRENTLY keeps readers unblocked while the view swaps.
func (s *ResultStore) RefreshAggregates(ctx context.Context) error {
	for _, view := range aggregateViews {
		if _, err := s.DB.Exec(ctx, "REFRESH MATERIALIZED VIEW CONCURRENTLY "+view); err != nil {
			return fmt.Errorf("refresh %s: %w", view, err)
		}
	}
	return nil
}

// StatsOverview is the site-wide summary served by the read API.
type StatsOverview struct {
	StreamingUnlockRate   float64 `json:"streaming_unlock_rate"`
	AvgLatency            float64 `json:"avg_latency"`
	ConnectionSuccessRate float64 `json:"connection_success_rate"`
	LastUpdated           string  `json:"last_updated"`
}

// Overview computes the rolling aggregate summary from the latest
// performance view and the last 24h of streaming checks.
func (s *ResultStore) Overview(ctx context.Context) (StatsOverview, error) {
	var out StatsOverview

	row := s.DB.QueryRow(ctx, `
		SELECT COALESCE(ROUND(AVG(CASE WHEN is_unlocked THEN 100.0 ELSE 0.0 END)::numeric, 1), 0)
		FROM streaming_checks
		WHERE checked_at >= NOW() - INTERVAL '24 hours'`)
	if err := row.Scan(&out.StreamingUnlockRate); err != nil {
		return StatsOverview{}, fmt.Errorf("unlock rate: %w", err)
	}

	row = s.DB.QueryRow(ctx, `
		SELECT COALESCE(ROUND(AVG(ping_ms)::numeric, 1), 0)
		FROM mv_server_latest_performance
		WHERE ping_ms IS NOT NULL`)
	if err := row.Scan(&out.AvgLatency); err != nil {
		return StatsOverview{}, fmt.Errorf("avg latency: %w", err)
	}

	row = s.DB.QueryRow(ctx, `
		SELECT COALESCE(ROUND(AVG(CASE WHEN connection_success THEN 100.0 ELSE 0.0 END)::numeric, 2), 0)
		FROM mv_server_latest_performance
		WHERE connection_success IS NOT NULL`)
	if err := row.Scan(&out.ConnectionSuccessRate); err != nil {
		return StatsOverview{}, fmt.Errorf("success rate: %w", err)
	}

	var lastUpdated *time.Time
	row = s.DB.QueryRow(ctx, `
		SELECT GREATEST(
			(SELECT MAX(checked_at) FROM streaming_checks),
			(SELECT MAX(measured_at) FROM mv_server_latest_performance)
		)`)
	if err := row.Scan(&lastUpdated); err != nil {
		return StatsOverview{}, fmt.Errorf("last updated: %w", err)
	}
	if lastUpdated != nil {
		out.LastUpdated = lastUpdated.UTC().Format(time.RFC3339)
	} else {
		out.LastUpdated = time.Now().UTC().Format(time.RFC3339)
	}
	return out, nil
}
