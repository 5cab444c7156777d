package report

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int          { return &v }
func floatPtr(v float64) *float64 { return &v }

func validReport() Report {
	return Report{
		ServerID:          42,
		ProbeID:           "us-east",
		Timestamp:         time.Now().UnixMilli(),
		PingMs:            23,
		DownloadMbps:      512.5,
		UploadMbps:        128.25,
		ConnectionSuccess: true,
	}
}

func TestValidateAccepts(t *testing.T) {
	r := validReport()
	r.JitterMs = intPtr(3)
	r.PacketLossPct = floatPtr(0.5)
	r.ConnectionTimeMs = intPtr(900)
	if err := r.Validate(); err != nil {
		t.Fatalf("expected valid report, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Report)
	}{
		{"zero server id", func(r *Report) { r.ServerID = 0 }},
		{"negative server id", func(r *Report) { r.ServerID = -3 }},
		{"probe id too short", func(r *Report) { r.ProbeID = "ab" }},
		{"probe id too long", func(r *Report) { r.ProbeID = "abcdefghijk" }},
		{"probe id uppercase", func(r *Report) { r.ProbeID = "US-EAST" }},
		{"probe id bad chars", func(r *Report) { r.ProbeID = "us_east!" }},
		{"ping negative", func(r *Report) { r.PingMs = -1 }},
		{"ping too large", func(r *Report) { r.PingMs = 65536 }},
		{"download negative", func(r *Report) { r.DownloadMbps = -0.1 }},
		{"download too large", func(r *Report) { r.DownloadMbps = 100001 }},
		{"upload too large", func(r *Report) { r.UploadMbps = 200000 }},
		{"jitter negative", func(r *Report) { r.JitterMs = intPtr(-1) }},
		{"packet loss over 100", func(r *Report) { r.PacketLossPct = floatPtr(101) }},
		{"connection time negative", func(r *Report) { r.ConnectionTimeMs = intPtr(-5) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := validReport()
			tc.mutate(&r)
			if err := r.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateAllowsNonFiniteThroughput(t *testing.T) {
	r := validReport()
	r.DownloadMbps = math.NaN()
	r.UploadMbps = math.Inf(1)
	if err := r.Validate(); err != nil {
		t.Fatalf("non-finite throughput is nulled later, not rejected: %v", err)
	}
}

func TestStale(t *testing.T) {
	now := time.Now()
	r := validReport()

	r.Timestamp = now.Add(-4 * time.Minute).UnixMilli()
	if r.Stale(now) {
		t.Fatal("4 minutes old should not be stale")
	}
	r.Timestamp = now.Add(-6 * time.Minute).UnixMilli()
	if !r.Stale(now) {
		t.Fatal("6 minutes old should be stale")
	}
	r.Timestamp = now.Add(6 * time.Minute).UnixMilli()
	if !r.Stale(now) {
		t.Fatal("6 minutes in the future should be stale")
	}
}

func TestQueueEntryJSONShape(t *testing.T) {
	entry := QueueEntry{Report: validReport(), ReceivedAt: 1700000000000}
	raw, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, field := range []string{`"server_id"`, `"probe_id"`, `"download_mbps"`, `"received_at"`} {
		if !strings.Contains(string(raw), field) {
			t.Fatalf("expected %s in queue entry JSON: %s", field, raw)
		}
	}
}

func TestParseQueueEntry(t *testing.T) {
	raw := `{"server_id":7,"probe_id":"de-fra","timestamp":1700000000000,"ping_ms":31,"download_mbps":100,"upload_mbps":50,"connection_success":true,"received_at":1700000000100}`
	entry, err := ParseQueueEntry([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if entry.ServerID != 7 || entry.ProbeID != "de-fra" || entry.ReceivedAt != 1700000000100 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestParseQueueEntryRejects(t *testing.T) {
	for name, raw := range map[string]string{
		"malformed json":    `{"server_id":`,
		"missing server id": `{"probe_id":"de-fra"}`,
		"missing probe id":  `{"server_id":7}`,
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseQueueEntry([]byte(raw)); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func TestBuildRows(t *testing.T) {
	probes := map[string]int{"us-east": 3}
	platforms := map[string]int{"netflix": 1, "hulu": 2}

	entry := QueueEntry{Report: validReport(), ReceivedAt: time.Now().UnixMilli()}
	entry.StreamingResults = []StreamingResult{
		{Platform: "netflix", IsUnlocked: true, ResponseMs: intPtr(210)},
		{Platform: "not-in-lookup", IsUnlocked: false},
		{Platform: "hulu", IsUnlocked: false},
	}

	perf, streaming, err := BuildRows(entry, probes, platforms)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if perf.ProbeLocationID != 3 || perf.ServerID != 42 {
		t.Fatalf("unexpected performance row: %+v", perf)
	}
	if perf.MeasuredAt != time.UnixMilli(entry.Timestamp).UTC() {
		t.Fatalf("unexpected measured_at: %v", perf.MeasuredAt)
	}
	if perf.DownloadMbps == nil || *perf.DownloadMbps != 512.5 {
		t.Fatalf("unexpected download: %v", perf.DownloadMbps)
	}
	// Unresolved slug dropped, parent record kept.
	if len(streaming) != 2 {
		t.Fatalf("expected 2 streaming rows, got %d", len(streaming))
	}
	if streaming[0].PlatformID != 1 || !streaming[0].IsUnlocked {
		t.Fatalf("unexpected streaming row: %+v", streaming[0])
	}
	if streaming[1].CheckedAt != perf.MeasuredAt {
		t.Fatal("streaming rows must share the report's measurement time")
	}
}

func TestBuildRowsNullsNonFinite(t *testing.T) {
	entry := QueueEntry{Report: validReport()}
	entry.DownloadMbps = math.NaN()
	entry.UploadMbps = math.Inf(-1)
	entry.PacketLossPct = floatPtr(math.NaN())

	perf, _, err := BuildRows(entry, map[string]int{"us-east": 1}, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if perf.DownloadMbps != nil || perf.UploadMbps != nil || perf.PacketLossPct != nil {
		t.Fatalf("non-finite values must become nil columns: %+v", perf)
	}
}

func TestBuildRowsUnresolvedProbe(t *testing.T) {
	entry := QueueEntry{Report: validReport()}
	_, _, err := BuildRows(entry, map[string]int{"other": 1}, nil)
	if !errors.Is(err, ErrUnresolvedProbe) {
		t.Fatalf("expected ErrUnresolvedProbe, got %v", err)
	}
}
