package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/Maverick0351a/signet-protocol/pkg/store"
)

func TestRunSignetStartsAndServes(t *testing.T) {
	dir := t.TempDir()
	keysPath := filepath.Join(dir, "keys.json")
	if err := os.WriteFile(keysPath, []byte(`{"sk_a": {"tenant": "a"}}`), 0o600); err != nil {
		t.Fatalf("write keys: %v", err)
	}
	t.Setenv("SIGNET_API_KEYS_FILE", keysPath)
	t.Setenv("SIGNET_STORAGE_DSN", "sqlite://:memory:")
	t.Setenv("ENVIRONMENT", "test")

	var served *http.Server
	err := runSignet(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context, dsn string) (store.Store, error) { return store.Open(ctx, dsn) },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis in test") },
		func(server *http.Server) error {
			served = server
			return nil
		},
	)
	if err != nil {
		t.Fatalf("runSignet: %v", err)
	}
	if served == nil || served.Handler == nil {
		t.Fatal("server not configured")
	}
}

func TestRunSignetFailsOnBadConfig(t *testing.T) {
	t.Setenv("SIGNET_API_KEYS_FILE", filepath.Join(t.TempDir(), "missing.json"))
	t.Setenv("SIGNET_STORAGE_DSN", "sqlite://:memory:")
	err := runSignet(
		func(ctx context.Context, service string) (func(context.Context) error, error) {
			return func(context.Context) error { return nil }, nil
		},
		func(ctx context.Context, dsn string) (store.Store, error) { return store.Open(ctx, dsn) },
		func(ctx context.Context) (*redis.Client, error) { return nil, errors.New("no redis in test") },
		func(server *http.Server) error { return nil },
	)
	if err == nil {
		t.Fatal("expected config error")
	}
}
