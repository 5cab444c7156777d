package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/7and1/bestvpnserver/pkg/httpx"
	"github.com/7and1/bestvpnserver/pkg/probesig"
	"github.com/7and1/bestvpnserver/pkg/ratelimit"
	"github.com/7and1/bestvpnserver/pkg/report"
	"github.com/7and1/bestvpnserver/pkg/store"
	"github.com/7and1/bestvpnserver/pkg/stream"
)

const signatureHeader = "X-Probe-Signature"

// checkRateLimit applies the class policy and writes the 429 response
// itself. Returns false when the request must not proceed.
func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request, class ratelimit.Class) bool {
	if s.RateLimiter == nil {
		return true
	}
	clientID := ratelimit.ClientIP(r, s.EdgeIPHeader)
	dec := s.RateLimiter.Check(r.Context(), clientID, class)
	dec.SetHeaders(w.Header())
	if dec.Allowed {
		return true
	}
	s.Metrics.IncRateLimited(string(class))
	httpx.WriteJSON(w, http.StatusTooManyRequests, map[string]string{
		"error": "rate limit exceeded",
		"code":  "RATE_LIMITED",
	})
	return false
}

func (s *Server) handleProbeWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, ratelimit.ClassProbes) {
		s.Metrics.IncRejected("rate_limited")
		return
	}
	if len(s.AllowedProbeIPs) > 0 {
		ip := ratelimit.ClientIP(r, s.EdgeIPHeader)
		if _, ok := s.AllowedProbeIPs[ip]; !ok {
			s.Metrics.IncRejected("forbidden_ip")
			s.Log.Warn().Str("ip", ip).Msg("probe source not in allowlist")
			httpx.Error(w, http.StatusForbidden, "source not allowed")
			return
		}
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		s.Metrics.IncRejected("bad_body")
		return
	}
	if !probesig.Verify(body, r.Header.Get(signatureHeader), s.WebhookSecret) {
		s.Metrics.IncRejected("bad_signature")
		httpx.Error(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	var rep report.Report
	if err := json.Unmarshal(body, &rep); err != nil {
		s.Metrics.IncRejected("invalid_payload")
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := rep.Validate(); err != nil {
		s.Metrics.IncRejected("invalid_payload")
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	now := time.Now().UTC()
	if rep.Stale(now) {
		s.Metrics.IncRejected("stale")
		httpx.Error(w, http.StatusBadRequest, "report timestamp outside accepted window")
		return
	}
	entry := report.QueueEntry{Report: rep, ReceivedAt: now.UnixMilli()}
	if err := s.Queue.Enqueue(r.Context(), entry); err != nil {
		s.Log.Error().Err(err).Int("server_id", rep.ServerID).Msg("enqueue failed")
		httpx.Error(w, http.StatusInternalServerError, "queue unavailable")
		return
	}
	s.Metrics.IncQueued()
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeReportQueued, map[string]any{
			"server_id": rep.ServerID,
			"probe_id":  rep.ProbeID,
		}))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

func (s *Server) handleProcessResults(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, ratelimit.ClassCron) {
		return
	}
	if !tokenMatches(requestToken(r), s.CronSecret) {
		httpx.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	counts, err := s.Processor.Run(r.Context())
	if err != nil {
		s.Log.Error().Err(err).Msg("batch run failed")
		httpx.Error(w, http.StatusBadGateway, "batch processing failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, counts)
}

func (s *Server) handleStatsOverview(w http.ResponseWriter, r *http.Request) {
	if !s.checkRateLimit(w, r, ratelimit.ClassAPI) {
		return
	}
	overview, err := store.GetOrCompute(r.Context(), s.QueryCache, "stats:overview", s.StatsTTL,
		func(ctx context.Context) (store.StatsOverview, error) {
			return s.Stats.Overview(ctx)
		})
	if err != nil {
		s.Log.Error().Err(err).Msg("stats overview query failed")
		httpx.Error(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, overview)
}

// withJobToken guards operational endpoints with the cron bearer token.
// Websocket clients may pass it as ?token= instead of a header.
func (s *Server) withJobToken(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !tokenMatches(requestToken(r), s.CronSecret) {
			httpx.Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h(w, r)
	}
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

// requestToken extracts the bearer token, falling back to the token query
// parameter for clients that cannot set headers.
func requestToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func tokenMatches(got, want string) bool {
	if want == "" || len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
