package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/7and1/bestvpnserver/pkg/batch"
	"github.com/7and1/bestvpnserver/pkg/events"
	"github.com/7and1/bestvpnserver/pkg/httpx"
	"github.com/7and1/bestvpnserver/pkg/metrics"
	"github.com/7and1/bestvpnserver/pkg/queue"
	"github.com/7and1/bestvpnserver/pkg/ratelimit"
	"github.com/7and1/bestvpnserver/pkg/store"
	"github.com/7and1/bestvpnserver/pkg/stream"
	"github.com/7and1/bestvpnserver/pkg/telemetry"
)

// Server owns the HTTP surface of the ingest service.
type Server struct {
	Queue           queue.Queue
	Stats           statsStore
	Processor       *batch.Processor
	QueryCache      *store.QueryCache
	Redis           *redis.Client
	Metrics         *metrics.Registry
	Events          *stream.Hub
	RateLimiter     ratelimit.Limiter
	Breaker         *ratelimit.Breaker
	WebhookSecret   []byte
	CronSecret      string
	AllowedProbeIPs map[string]struct{}
	EdgeIPHeader    string
	StatsTTL        time.Duration
	BatchInterval   time.Duration
	Log             zerolog.Logger
}

// statsStore is the read-side slice of store.ResultStore.
type statsStore interface {
	Overview(ctx context.Context) (store.StatsOverview, error)
}

type ingestDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type ingestDBCloser interface {
	ingestDB
	Close()
}

type ingestInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type ingestOpenDBFunc func(ctx context.Context) (ingestDBCloser, error)
type ingestOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type ingestListenFunc func(server *http.Server) error
type ingestStartLoopsFunc func(ctx context.Context, s *Server)

// Testable variables for main()
var (
	exitFatal = func(err error) {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("ingest")
	}
	initTelemetryFn = telemetry.Init
	openDBFn        = func(ctx context.Context) (ingestDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFn     = store.NewRedis
	listenFn        = func(server *http.Server) error { return server.ListenAndServe() }
	startLoopsFn    = func(ctx context.Context, s *Server) {
		if s.BatchInterval > 0 {
			go s.batchLoop(ctx)
		}
		go s.metricsLoop(ctx)
	}
)

func main() {
	if err := runIngest(initTelemetryFn, openDBFn, openRedisFn, listenFn, startLoopsFn); err != nil {
		exitFatal(err)
	}
}

func runIngest(
	initTelemetry ingestInitTelemetryFunc,
	openDB ingestOpenDBFunc,
	openRedis ingestOpenRedisFunc,
	listen ingestListenFunc,
	startLoops ingestStartLoopsFunc,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "ingest").Logger()

	shutdown, err := initTelemetry(ctx, "ingest")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	redisClient, err := openRedis(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, falling back to in-memory queue/limits")
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	reg := metrics.NewRegistry()
	policies := ratelimit.LoadPolicies(os.Getenv)
	var limiter ratelimit.Limiter
	var breaker *ratelimit.Breaker
	var q queue.Queue
	if redisClient != nil {
		redisLimiter := ratelimit.NewRedis(redisClient, policies, logger)
		limiter = redisLimiter
		breaker = redisLimiter.Breaker
		q = queue.NewRedis(redisClient)
	} else {
		limiter = ratelimit.NewInMemory(policies)
		q = queue.NewMemory()
	}
	if env("RATE_LIMIT_ENABLED", "true") != "true" {
		limiter = nil
	}

	cache := store.NewCache(ctx, redisClient)
	queryCache := &store.QueryCache{Cache: cache, Metrics: reg, Log: logger}
	results := &store.ResultStore{DB: pool, Log: logger}
	hub := stream.NewHub()

	var publisher *events.Publisher
	if brokers := strings.TrimSpace(env("KAFKA_BROKERS", "")); brokers != "" {
		publisher, err = events.NewPublisher(events.Config{
			Brokers: strings.Split(brokers, ","),
			Topic:   env("KAFKA_TOPIC", "probe-events"),
		})
		if err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
		defer publisher.Close()
	}

	processor := &batch.Processor{
		Queue:            q,
		Store:            results,
		Hub:              hub,
		Publisher:        publisher,
		Metrics:          reg,
		Log:              logger,
		BatchSize:        envInt("BATCH_SIZE", batch.DefaultBatchSize),
		RevalidateURL:    env("REVALIDATE_URL", ""),
		RevalidateSecret: env("REVALIDATE_SECRET", ""),
		HTTPClient:       telemetry.InstrumentClient(&http.Client{Timeout: time.Millisecond * time.Duration(envInt("REVALIDATE_TIMEOUT_MS", 3000))}),
	}

	s := &Server{
		Queue:           q,
		Stats:           results,
		Processor:       processor,
		QueryCache:      queryCache,
		Redis:           redisClient,
		Metrics:         reg,
		Events:          hub,
		RateLimiter:     limiter,
		Breaker:         breaker,
		WebhookSecret:   []byte(env("PROBE_WEBHOOK_SECRET", "")),
		CronSecret:      env("CRON_SECRET", ""),
		AllowedProbeIPs: parseIPSet(env("PROBE_ALLOWED_IPS", "")),
		EdgeIPHeader:    env("CLIENT_IP_HEADER", ratelimit.DefaultEdgeIPHeader),
		StatsTTL:        envDurationSec("STATS_CACHE_TTL_SEC", 60),
		BatchInterval:   envDurationSec("BATCH_INTERVAL_SEC", 0),
		Log:             logger,
	}
	if len(s.WebhookSecret) == 0 {
		return errors.New("PROBE_WEBHOOK_SECRET is required")
	}
	if s.CronSecret == "" {
		return errors.New("CRON_SECRET is required")
	}

	maxBody := int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20))
	if maxBody <= 0 {
		maxBody = 1 << 20
	}

	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(env("CORS_ALLOWED_ORIGINS", "")))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(telemetry.HTTPMiddleware("ingest"))
	r.Use(httpx.MaxBodyMiddleware(maxBody))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, 200, map[string]string{"status": "ok", "service": "ingest"})
	})
	r.Post("/webhooks/probe-results", s.handleProbeWebhook)
	r.Get("/jobs/process-results", s.handleProcessResults)
	r.Get("/api/stats/overview", s.handleStatsOverview)
	r.Get("/v1/stream", s.withJobToken(s.streamEvents))
	r.Get("/metrics", s.withJobToken(s.Metrics.Handler()))
	r.Get("/metrics/prometheus", s.withJobToken(s.Metrics.PrometheusHandler()))

	if startLoops != nil {
		startLoops(ctx, s)
	}

	addr := ":" + env("PORT", "8090")
	logger.Info().Str("addr", addr).Msg("ingest listening")
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationSec("SHUTDOWN_TIMEOUT_SEC", 10))
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := listen(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// batchLoop drains the queue on a fixed interval when the service runs its
// own scheduler instead of an external cron hitting /jobs/process-results.
func (s *Server) batchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Processor.Run(ctx); err != nil {
				s.Log.Error().Err(err).Msg("scheduled batch run failed")
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics(ctx)
		}
	}
}

func (s *Server) updateOperationalMetrics(ctx context.Context) {
	if s.Metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if s.Queue != nil {
		if depth, err := s.Queue.Len(ctx); err == nil {
			s.Metrics.SetGauge("queue_depth", float64(depth))
		}
	}
	if s.Events != nil {
		s.Metrics.SetGauge("stream_subscribers", float64(s.Events.Subscribers()))
	}
	if s.Breaker != nil {
		open := 0.0
		if s.Breaker.Open() {
			open = 1.0
		}
		s.Metrics.SetGauge("breaker_open", open)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

func (srv *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: 200}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		path := r.Method + " " + r.URL.Path
		srv.Metrics.Observe(path, rec.code, elapsed)
		srv.Metrics.ObserveLatency(path, elapsed)
	})
}

func parseIPSet(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		ip := strings.TrimSpace(part)
		if ip != "" {
			out[ip] = struct{}{}
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
