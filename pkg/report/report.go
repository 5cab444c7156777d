// Package report holds the probe telemetry wire format and the pure
// transform from queued wire records to storage rows. Nothing here touches
// HTTP or the shared store, so the whole pipeline's data handling is
// testable in isolation.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// MaxAge is the tolerated skew between a report's capture timestamp and the
// server clock; older (or more future) reports are rejected at intake.
const MaxAge = 5 * time.Minute

var probeIDRe = regexp.MustCompile(`^[a-z0-9-]{3,10}$`)

var ErrUnresolvedProbe = errors.New("unresolved probe code")

// StreamingResult is one streaming-unlock sub-result inside a report.
type StreamingResult struct {
	Platform   string `json:"platform"`
	IsUnlocked bool   `json:"is_unlocked"`
	ResponseMs *int   `json:"response_ms,omitempty"`
}

// Report is the producer-supplied wire format, field names exactly as the
// probe fleet sends them.
type Report struct {
	ServerID          int               `json:"server_id"`
	ProbeID           string            `json:"probe_id"`
	Timestamp         int64             `json:"timestamp"`
	PingMs            int               `json:"ping_ms"`
	DownloadMbps      float64           `json:"download_mbps"`
	UploadMbps        float64           `json:"upload_mbps"`
	JitterMs          *int              `json:"jitter_ms,omitempty"`
	PacketLossPct     *float64          `json:"packet_loss_pct,omitempty"`
	ConnectionSuccess bool              `json:"connection_success"`
	ConnectionTimeMs  *int              `json:"connection_time_ms,omitempty"`
	StreamingResults  []StreamingResult `json:"streaming_results,omitempty"`
}

// Validate enforces the intake schema. Non-finite throughput values are not
// rejected here; the batch transform nulls them out instead.
func (r Report) Validate() error {
	if r.ServerID <= 0 {
		return errors.New("server_id must be a positive integer")
	}
	if !probeIDRe.MatchString(r.ProbeID) {
		return errors.New("probe_id must match ^[a-z0-9-]{3,10}$")
	}
	if r.PingMs < 0 || r.PingMs > 65535 {
		return errors.New("ping_ms out of range 0..65535")
	}
	if err := validThroughput("download_mbps", r.DownloadMbps); err != nil {
		return err
	}
	if err := validThroughput("upload_mbps", r.UploadMbps); err != nil {
		return err
	}
	if r.JitterMs != nil && *r.JitterMs < 0 {
		return errors.New("jitter_ms must be >= 0")
	}
	if r.PacketLossPct != nil && isFinite(*r.PacketLossPct) && (*r.PacketLossPct < 0 || *r.PacketLossPct > 100) {
		return errors.New("packet_loss_pct out of range 0..100")
	}
	if r.ConnectionTimeMs != nil && *r.ConnectionTimeMs < 0 {
		return errors.New("connection_time_ms must be >= 0")
	}
	return nil
}

func validThroughput(field string, v float64) error {
	if !isFinite(v) {
		return nil
	}
	if v < 0 || v > 100000 {
		return fmt.Errorf("%s out of range 0..100000", field)
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Stale reports whether the capture timestamp is outside the tolerated skew
// from now.
func (r Report) Stale(now time.Time) bool {
	diff := now.UnixMilli() - r.Timestamp
	if diff < 0 {
		diff = -diff
	}
	return time.Duration(diff)*time.Millisecond > MaxAge
}

// QueueEntry is a report plus the server-assigned receipt timestamp, the
// exact shape serialized into the ingestion queue.
type QueueEntry struct {
	Report
	ReceivedAt int64 `json:"received_at"`
}

// ParseQueueEntry decodes a raw queue record and checks the fields the
// batch transform depends on. Records that fail here are consumed and
// counted skipped, never retried.
func ParseQueueEntry(raw []byte) (QueueEntry, error) {
	var entry QueueEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return QueueEntry{}, err
	}
	if entry.ServerID <= 0 {
		return QueueEntry{}, errors.New("queue entry missing server_id")
	}
	if entry.ProbeID == "" {
		return QueueEntry{}, errors.New("queue entry missing probe_id")
	}
	return entry, nil
}

// PerformanceRow is one performance_logs storage row.
type PerformanceRow struct {
	ServerID          int
	ProbeLocationID   int
	MeasuredAt        time.Time
	PingMs            int
	DownloadMbps      *float64
	UploadMbps        *float64
	JitterMs          *int
	PacketLossPct     *float64
	ConnectionSuccess bool
	ConnectionTimeMs  *int
}

// StreamingRow is one streaming_checks storage row.
type StreamingRow struct {
	ServerID       int
	PlatformID     int
	CheckedAt      time.Time
	IsUnlocked     bool
	ResponseTimeMs *int
}

// BuildRows turns a queued entry into storage rows using the preloaded
// code→id lookups. An unresolvable probe code fails the whole entry; an
// unresolvable platform slug only drops that one sub-result. Non-finite
// numeric values become nil columns.
func BuildRows(entry QueueEntry, probes map[string]int, platforms map[string]int) (PerformanceRow, []StreamingRow, error) {
	probeLocationID, ok := probes[entry.ProbeID]
	if !ok {
		return PerformanceRow{}, nil, fmt.Errorf("%w: %s", ErrUnresolvedProbe, entry.ProbeID)
	}
	measuredAt := time.UnixMilli(entry.Timestamp).UTC()

	perf := PerformanceRow{
		ServerID:          entry.ServerID,
		ProbeLocationID:   probeLocationID,
		MeasuredAt:        measuredAt,
		PingMs:            entry.PingMs,
		DownloadMbps:      finiteOrNil(entry.DownloadMbps),
		UploadMbps:        finiteOrNil(entry.UploadMbps),
		JitterMs:          entry.JitterMs,
		ConnectionSuccess: entry.ConnectionSuccess,
		ConnectionTimeMs:  entry.ConnectionTimeMs,
	}
	if entry.PacketLossPct != nil && isFinite(*entry.PacketLossPct) {
		perf.PacketLossPct = entry.PacketLossPct
	}

	var streaming []StreamingRow
	for _, item := range entry.StreamingResults {
		platformID, ok := platforms[item.Platform]
		if !ok {
			continue
		}
		streaming = append(streaming, StreamingRow{
			ServerID:       entry.ServerID,
			PlatformID:     platformID,
			CheckedAt:      measuredAt,
			IsUnlocked:     item.IsUnlocked,
			ResponseTimeMs: item.ResponseMs,
		})
	}
	return perf, streaming, nil
}

func finiteOrNil(v float64) *float64 {
	if !isFinite(v) {
		return nil
	}
	return &v
}
