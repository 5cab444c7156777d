package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics surface for the ingest service. It
// feeds both the JSON snapshot endpoint and the Prometheus exposition.
type Registry struct {
	mu          sync.RWMutex
	endpoint    map[string]*EndpointStat
	rejected    map[string]int64
	rateLimited map[string]int64
	gauges      map[string]float64
	queued      int64
	cacheHits   int64
	cacheMisses int64
	batch       BatchStat
	Histograms  *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

// BatchStat accumulates drain-run totals across the process lifetime.
type BatchStat struct {
	Runs        int64 `json:"runs"`
	Processed   int64 `json:"processed"`
	Performance int64 `json:"performance_rows"`
	Streaming   int64 `json:"streaming_rows"`
	Skipped     int64 `json:"skipped"`
	Failures    int64 `json:"failures"`
}

type Snapshot struct {
	GeneratedAt  string                  `json:"generated_at"`
	Endpoints    map[string]EndpointStat `json:"endpoints"`
	Queued       int64                   `json:"reports_queued_total"`
	Rejected     map[string]int64        `json:"reports_rejected_total"`
	RateLimited  map[string]int64        `json:"rate_limited_total"`
	CacheHits    int64                   `json:"cache_hits_total"`
	CacheMisses  int64                   `json:"cache_misses_total"`
	Batch        BatchStat               `json:"batch"`
	Gauges       map[string]float64      `json:"gauges"`
	Histograms   []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:    map[string]*EndpointStat{},
		rejected:    map[string]int64{},
		rateLimited: map[string]int64{},
		gauges:      map[string]float64{},
		Histograms:  NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncQueued counts reports accepted onto the queue.
func (r *Registry) IncQueued() {
	r.mu.Lock()
	r.queued++
	r.mu.Unlock()
}

// IncRejected counts reports turned away before enqueue, by reason
// (bad_signature, invalid_payload, stale, rate_limited, forbidden_ip).
func (r *Registry) IncRejected(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.rejected[reason]++
	r.mu.Unlock()
}

// IncRateLimited counts rejected requests per rate limit class.
func (r *Registry) IncRateLimited(class string) {
	if class == "" {
		return
	}
	r.mu.Lock()
	r.rateLimited[class]++
	r.mu.Unlock()
}

func (r *Registry) IncCacheHit() {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

func (r *Registry) IncCacheMiss() {
	r.mu.Lock()
	r.cacheMisses++
	r.mu.Unlock()
}

// AddBatchRun records the outcome of one drain run.
func (r *Registry) AddBatchRun(processed, performance, streaming, skipped int) {
	r.mu.Lock()
	r.batch.Runs++
	r.batch.Processed += int64(processed)
	r.batch.Performance += int64(performance)
	r.batch.Streaming += int64(streaming)
	r.batch.Skipped += int64(skipped)
	r.mu.Unlock()
}

// IncBatchFailure records a drain run aborted by a store error.
func (r *Registry) IncBatchFailure() {
	r.mu.Lock()
	r.batch.Failures++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Endpoints:   make(map[string]EndpointStat, len(r.endpoint)),
		Queued:      r.queued,
		Rejected:    make(map[string]int64, len(r.rejected)),
		RateLimited: make(map[string]int64, len(r.rateLimited)),
		CacheHits:   r.cacheHits,
		CacheMisses: r.cacheMisses,
		Batch:       r.batch,
		Gauges:      make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.rejected {
		out.Rejected[k] = v
	}
	for k, v := range r.rateLimited {
		out.RateLimited[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP bestvpn_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE bestvpn_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bestvpn_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP bestvpn_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE bestvpn_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bestvpn_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP bestvpn_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE bestvpn_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "bestvpn_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP bestvpn_reports_queued_total reports accepted onto the queue\n")
		b.WriteString("# TYPE bestvpn_reports_queued_total counter\n")
		fmt.Fprintf(b, "bestvpn_reports_queued_total %d\n", snap.Queued)
		b.WriteString("# HELP bestvpn_reports_rejected_total reports rejected before enqueue by reason\n")
		b.WriteString("# TYPE bestvpn_reports_rejected_total counter\n")
		for _, reason := range SortedKeys(snap.Rejected) {
			fmt.Fprintf(b, "bestvpn_reports_rejected_total{reason=%q} %d\n", reason, snap.Rejected[reason])
		}
		b.WriteString("# HELP bestvpn_rate_limited_total requests rejected by rate limiting per class\n")
		b.WriteString("# TYPE bestvpn_rate_limited_total counter\n")
		for _, class := range SortedKeys(snap.RateLimited) {
			fmt.Fprintf(b, "bestvpn_rate_limited_total{class=%q} %d\n", class, snap.RateLimited[class])
		}
		b.WriteString("# HELP bestvpn_cache_requests_total aggregate cache lookups by result\n")
		b.WriteString("# TYPE bestvpn_cache_requests_total counter\n")
		fmt.Fprintf(b, "bestvpn_cache_requests_total{result=%q} %d\n", "hit", snap.CacheHits)
		fmt.Fprintf(b, "bestvpn_cache_requests_total{result=%q} %d\n", "miss", snap.CacheMisses)
		b.WriteString("# HELP bestvpn_batch_runs_total drain runs executed\n")
		b.WriteString("# TYPE bestvpn_batch_runs_total counter\n")
		fmt.Fprintf(b, "bestvpn_batch_runs_total %d\n", snap.Batch.Runs)
		b.WriteString("# HELP bestvpn_batch_records_total drain run record outcomes\n")
		b.WriteString("# TYPE bestvpn_batch_records_total counter\n")
		fmt.Fprintf(b, "bestvpn_batch_records_total{outcome=%q} %d\n", "processed", snap.Batch.Processed)
		fmt.Fprintf(b, "bestvpn_batch_records_total{outcome=%q} %d\n", "skipped", snap.Batch.Skipped)
		b.WriteString("# HELP bestvpn_batch_rows_total rows written per table\n")
		b.WriteString("# TYPE bestvpn_batch_rows_total counter\n")
		fmt.Fprintf(b, "bestvpn_batch_rows_total{table=%q} %d\n", "performance_logs", snap.Batch.Performance)
		fmt.Fprintf(b, "bestvpn_batch_rows_total{table=%q} %d\n", "streaming_checks", snap.Batch.Streaming)
		b.WriteString("# HELP bestvpn_batch_failures_total drain runs aborted by store errors\n")
		b.WriteString("# TYPE bestvpn_batch_failures_total counter\n")
		fmt.Fprintf(b, "bestvpn_batch_failures_total %d\n", snap.Batch.Failures)
		b.WriteString("# HELP bestvpn_gauge operational gauge metrics\n")
		b.WriteString("# TYPE bestvpn_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "bestvpn_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP bestvpn_latency_seconds latency histogram\n")
			b.WriteString("# TYPE bestvpn_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "bestvpn_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "bestvpn_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bestvpn_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "bestvpn_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "bestvpn_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "bestvpn_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "bestvpn_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
