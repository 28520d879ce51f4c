package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	pgxPoolNewWithConfig   = pgxpool.NewWithConfig
	postgresConnectRetries = 30
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
	postgresSleep          = time.Sleep
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	trace_id TEXT NOT NULL,
	hop INT NOT NULL,
	ts TEXT NOT NULL,
	tenant TEXT NOT NULL,
	cid TEXT NOT NULL,
	canon_bytes BYTEA NOT NULL,
	algo TEXT NOT NULL,
	prev_receipt_hash TEXT,
	receipt_hash TEXT NOT NULL,
	policy_blob JSONB NOT NULL,
	forwarded_blob JSONB,
	fallback_used BOOLEAN NOT NULL DEFAULT FALSE,
	fu_tokens INT NOT NULL DEFAULT 0,
	semantic_violations_blob JSONB,
	signature TEXT NOT NULL,
	kid TEXT NOT NULL,
	PRIMARY KEY (trace_id, hop)
);
CREATE INDEX IF NOT EXISTS idx_receipts_tenant_ts ON receipts(tenant, ts);
CREATE TABLE IF NOT EXISTS idempotency (
	api_key TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	response_blob BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (api_key, idem_key)
);
CREATE TABLE IF NOT EXISTS usage (
	tenant TEXT NOT NULL,
	month TEXT NOT NULL,
	vex_count BIGINT NOT NULL DEFAULT 0,
	fu_tokens BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant, month)
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage(tenant);
`

// PostgresStore is the networked engine for production. Concurrent
// appenders for one trace serialize on the chain head row lock.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects with a bounded retry loop, enforces the optional
// TLS requirement, and ensures the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if requiresSecureTransport("DATABASE_REQUIRE_TLS") {
		if err := validatePostgresTLS(dsn); err != nil {
			return nil, err
		}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = time.Minute * 5
	var pool *pgxpool.Pool
	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		p, err := pgxPoolNewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			postgresSleep(postgresRetryDelay)
			continue
		}
		ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		err = p.Ping(ctxPing)
		cancel()
		if err == nil {
			pool = p
			break
		}
		lastErr = err
		p.Close()
		postgresSleep(postgresRetryDelay)
	}
	if pool == nil {
		return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Name() string { return "postgres" }

func (s *PostgresStore) Health(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) AppendReceipt(ctx context.Context, rec Record, expectedPrevHop int, usage UsageDelta) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int
	err = tx.QueryRow(ctx, `SELECT hop FROM receipts WHERE trace_id=$1 ORDER BY hop DESC LIMIT 1 FOR UPDATE`, rec.TraceID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		current = 0
	} else if err != nil {
		return fmt.Errorf("postgres head: %w", err)
	}
	if current != expectedPrevHop {
		return ErrChainConflict
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO receipts
		(trace_id, hop, ts, tenant, cid, canon_bytes, algo, prev_receipt_hash, receipt_hash,
		 policy_blob, forwarded_blob, fallback_used, fu_tokens, semantic_violations_blob, signature, kid)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, rec.TraceID, rec.Hop, rec.TS, rec.Tenant, rec.CID, rec.CanonBytes, rec.Algo,
		rec.PrevReceiptHash, rec.ReceiptHash, rec.PolicyBlob, rec.ForwardedBlob,
		rec.FallbackUsed, rec.FUTokens, rec.SemanticViolations, rec.Signature, rec.Kid)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrChainConflict
		}
		return fmt.Errorf("postgres insert receipt: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO usage (tenant, month, vex_count, fu_tokens)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant, month) DO UPDATE SET
			vex_count = usage.vex_count + EXCLUDED.vex_count,
			fu_tokens = usage.fu_tokens + EXCLUDED.fu_tokens
	`, usage.Tenant, usage.Month, usage.VEx, usage.FUTokens); err != nil {
		return fmt.Errorf("postgres usage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChain(ctx context.Context, traceID string) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE trace_id=$1 ORDER BY hop ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("postgres chain: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetLast(ctx context.Context, traceID string) (Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE trace_id=$1 ORDER BY hop DESC LIMIT 1`, traceID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) PutIdempotent(ctx context.Context, apiKey, idemKey string, snapshot []byte) (bool, []byte, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO idempotency (api_key, idem_key, response_blob) VALUES ($1,$2,$3)
		ON CONFLICT (api_key, idem_key) DO NOTHING
	`, apiKey, idemKey, snapshot)
	if err != nil {
		return false, nil, fmt.Errorf("postgres idempotency insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, snapshot, nil
	}
	stored, err := s.GetIdempotent(ctx, apiKey, idemKey)
	if err != nil {
		return false, nil, err
	}
	return false, stored, nil
}

func (s *PostgresStore) GetIdempotent(ctx context.Context, apiKey, idemKey string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx, `SELECT response_blob FROM idempotency WHERE api_key=$1 AND idem_key=$2`, apiKey, idemKey).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres idempotency get: %w", err)
	}
	return blob, nil
}

func (s *PostgresStore) GetMonthlyUsage(ctx context.Context, tenant, month string) (Usage, error) {
	var u Usage
	err := s.pool.QueryRow(ctx, `SELECT vex_count, fu_tokens FROM usage WHERE tenant=$1 AND month=$2`, tenant, month).
		Scan(&u.VEx, &u.FUTokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("postgres usage get: %w", err)
	}
	return u, nil
}

func validatePostgresTLS(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid storage DSN: %w", err)
	}
	sslmode := strings.ToLower(strings.TrimSpace(parsed.Query().Get("sslmode")))
	switch sslmode {
	case "verify-full", "verify-ca", "require":
		return nil
	case "allow", "disable", "prefer":
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true but DSN sslmode=%q is insecure", sslmode)
	default:
		return fmt.Errorf("DATABASE_REQUIRE_TLS=true requires explicit sslmode=require|verify-ca|verify-full")
	}
}

func requiresSecureTransport(envKey string) bool {
	raw := strings.TrimSpace(strings.ToLower(os.Getenv(envKey)))
	return raw == "1" || raw == "true" || raw == "yes" || raw == "on"
}
