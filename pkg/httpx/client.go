package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// PostJSON delivers a JSON notification, retrying transport errors and 5xx
// responses. Batch completion pings use it to nudge the site frontend into
// rebuilding cached pages; the receiver may be mid-deploy, so a couple of
// short retries matter more than the response body, which is discarded.
func PostJSON(ctx context.Context, client *http.Client, url string, body []byte, bearer string, retries int, retryDelay time.Duration) (int, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if retries < 0 {
		retries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		if resp.StatusCode >= 500 && attempt < retries {
			lastErr = nil
			continue
		}
		return resp.StatusCode, nil
	}
	return 0, lastErr
}
