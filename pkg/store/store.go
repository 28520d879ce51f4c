// Package store owns receipts, idempotency records and usage counters.
// Two engines implement the port: SQLite for development, PostgreSQL for
// production. Receipt appends are transactional: the chain advance and the
// usage counters commit together or not at all.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrChainConflict reports a lost append race: the chain head moved
	// after the caller read it. Retryable.
	ErrChainConflict = errors.New("store: chain conflict")
	// ErrNotFound reports a missing trace or record.
	ErrNotFound = errors.New("store: not found")
)

// UsageDelta is applied atomically with a receipt append.
type UsageDelta struct {
	Tenant   string
	Month    string
	VEx      int64
	FUTokens int64
}

// Record is the persisted receipt row. The JSON blobs keep the exact bytes
// the pipeline produced so exports replay byte-identically.
type Record struct {
	TraceID            string
	Hop                int
	TS                 string
	Tenant             string
	CID                string
	CanonBytes         []byte
	Algo               string
	PrevReceiptHash    *string
	ReceiptHash        string
	PolicyBlob         []byte
	ForwardedBlob      []byte
	FallbackUsed       bool
	FUTokens           int
	SemanticViolations []byte
	Signature          string
	Kid                string
}

// Usage is a tenant's counters for one month.
type Usage struct {
	VEx      int64
	FUTokens int64
}

// Store is the storage port the pipeline talks to.
type Store interface {
	// AppendReceipt inserts rec, requiring the current chain head to be
	// exactly expectedPrevHop (0 for genesis), and applies usage in the
	// same transaction. Losers of a concurrent append race get
	// ErrChainConflict.
	AppendReceipt(ctx context.Context, rec Record, expectedPrevHop int, usage UsageDelta) error
	// GetChain returns the ordered receipts of a trace (may be empty).
	GetChain(ctx context.Context, traceID string) ([]Record, error)
	// GetLast returns the chain head or ErrNotFound.
	GetLast(ctx context.Context, traceID string) (Record, error)
	// PutIdempotent stores a response snapshot unless one exists; the
	// stored snapshot is returned either way.
	PutIdempotent(ctx context.Context, apiKey, idemKey string, snapshot []byte) (inserted bool, stored []byte, err error)
	// GetIdempotent returns the cached snapshot or ErrNotFound.
	GetIdempotent(ctx context.Context, apiKey, idemKey string) ([]byte, error)
	// GetMonthlyUsage reads a tenant's counters; zero counters if absent.
	GetMonthlyUsage(ctx context.Context, tenant, month string) (Usage, error)
	// Health pings the engine.
	Health(ctx context.Context) error
	// Name identifies the engine ("sqlite" or "postgres").
	Name() string
	Close()
}

// MonthOf formats a timestamp as the usage bucket key.
func MonthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Open selects an engine by DSN shape: anything starting with postgres://
// or postgresql:// gets the networked engine, everything else is treated
// as a SQLite path.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	path := strings.TrimPrefix(dsn, "sqlite://")
	if path == "" {
		path = "signet.db"
	}
	return OpenSQLite(path)
}
