package httpx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxUpstreamResponse bounds reads from upstream providers (the repair
// model, billing). Their real responses are a few KiB.
const maxUpstreamResponse = 4 << 20

// PostJSON posts a JSON body and returns status plus the (bounded)
// response body. Transport errors, 429 and 5xx responses are retried up
// to retries extra attempts; retry sleeps respect ctx cancellation.
// Non-retryable statuses return immediately with their body.
func PostJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
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
				return 0, nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		status, respBody, err := postOnce(ctx, client, url, body, headers)
		if err != nil {
			lastErr = err
			continue
		}
		if retryableStatus(status) && attempt < retries {
			lastErr = fmt.Errorf("httpx: upstream status %d", status)
			continue
		}
		return status, respBody, nil
	}
	return 0, nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamResponse))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
