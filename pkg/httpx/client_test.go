package httpx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestPostJSONSendsBodyAndHeaders(t *testing.T) {
	var gotContentType, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		gotContentType = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	status, body, err := PostJSON(context.Background(), srv.Client(), srv.URL,
		[]byte(`{"model":"gpt-4o-mini"}`), map[string]string{"Authorization": "Bearer sk-test"}, 0, 0)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusOK || string(body) != `{"ok":true}` {
		t.Fatalf("status=%d body=%s", status, body)
	}
	if gotBody != `{"model":"gpt-4o-mini"}` {
		t.Fatalf("body = %q", gotBody)
	}
	if gotContentType != "application/json" || gotAuth != "Bearer sk-test" {
		t.Fatalf("headers = %q / %q", gotContentType, gotAuth)
	}
}

func TestPostJSONRetriesProviderThrottling(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	status, _, err := PostJSON(context.Background(), srv.Client(), srv.URL, nil, nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d", attempts.Load())
	}
}

func TestPostJSONDoesNotRetryClientErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"bad schema"}`))
	}))
	defer srv.Close()

	status, body, err := PostJSON(context.Background(), srv.Client(), srv.URL, nil, nil, 3, time.Millisecond)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", status)
	}
	if string(body) != `{"error":"bad schema"}` {
		t.Fatalf("body = %s", body)
	}
	if attempts.Load() != 1 {
		t.Fatalf("4xx must not retry, attempts = %d", attempts.Load())
	}
}

func TestPostJSONExhaustsRetriesOn5xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	status, _, err := PostJSON(context.Background(), srv.Client(), srv.URL, nil, nil, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	// Final attempt's status is surfaced so callers can report it.
	if status != http.StatusBadGateway {
		t.Fatalf("status = %d", status)
	}
	if attempts.Load() != 3 {
		t.Fatalf("attempts = %d", attempts.Load())
	}
}

func TestPostJSONRespectsContextDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	_, _, err := PostJSON(ctx, srv.Client(), srv.URL, nil, nil, 5, time.Hour)
	if err == nil {
		t.Fatal("expected context cancellation error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("cancellation must interrupt the retry sleep")
	}
}

func TestPostJSONTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening

	_, _, err := PostJSON(context.Background(), nil, srv.URL, nil, nil, 1, time.Millisecond)
	if err == nil {
		t.Fatal("expected transport error")
	}
}
