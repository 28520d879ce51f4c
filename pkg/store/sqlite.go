package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	trace_id TEXT NOT NULL,
	hop INTEGER NOT NULL,
	ts TEXT NOT NULL,
	tenant TEXT NOT NULL,
	cid TEXT NOT NULL,
	canon_bytes BLOB NOT NULL,
	algo TEXT NOT NULL,
	prev_receipt_hash TEXT,
	receipt_hash TEXT NOT NULL,
	policy_blob BLOB NOT NULL,
	forwarded_blob BLOB,
	fallback_used INTEGER NOT NULL DEFAULT 0,
	fu_tokens INTEGER NOT NULL DEFAULT 0,
	semantic_violations_blob BLOB,
	signature TEXT NOT NULL,
	kid TEXT NOT NULL,
	PRIMARY KEY (trace_id, hop)
);
CREATE INDEX IF NOT EXISTS idx_receipts_tenant_ts ON receipts(tenant, ts);
CREATE TABLE IF NOT EXISTS idempotency (
	api_key TEXT NOT NULL,
	idem_key TEXT NOT NULL,
	response_blob BLOB NOT NULL,
	created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	PRIMARY KEY (api_key, idem_key)
);
CREATE TABLE IF NOT EXISTS usage (
	tenant TEXT NOT NULL,
	month TEXT NOT NULL,
	vex_count INTEGER NOT NULL DEFAULT 0,
	fu_tokens INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant, month)
);
CREATE INDEX IF NOT EXISTS idx_usage_tenant ON usage(tenant);
`

// SQLiteStore is the embedded single-file engine for development. A single
// write connection serializes appenders; the chain-head check inside the
// transaction turns lost races into ErrChainConflict.
type SQLiteStore struct {
	db *sqlx.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Health(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() { _ = s.db.Close() }

func (s *SQLiteStore) AppendReceipt(ctx context.Context, rec Record, expectedPrevHop int, usage UsageDelta) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head sql.NullInt64
	if err := tx.GetContext(ctx, &head, `SELECT MAX(hop) FROM receipts WHERE trace_id = ?`, rec.TraceID); err != nil {
		return fmt.Errorf("sqlite head: %w", err)
	}
	current := 0
	if head.Valid {
		current = int(head.Int64)
	}
	if current != expectedPrevHop {
		return ErrChainConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO receipts
		(trace_id, hop, ts, tenant, cid, canon_bytes, algo, prev_receipt_hash, receipt_hash,
		 policy_blob, forwarded_blob, fallback_used, fu_tokens, semantic_violations_blob, signature, kid)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, rec.TraceID, rec.Hop, rec.TS, rec.Tenant, rec.CID, rec.CanonBytes, rec.Algo,
		rec.PrevReceiptHash, rec.ReceiptHash, rec.PolicyBlob, rec.ForwardedBlob,
		rec.FallbackUsed, rec.FUTokens, rec.SemanticViolations, rec.Signature, rec.Kid)
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrChainConflict
		}
		return fmt.Errorf("sqlite insert receipt: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO usage (tenant, month, vex_count, fu_tokens)
		VALUES (?,?,?,?)
		ON CONFLICT(tenant, month) DO UPDATE SET
			vex_count = vex_count + excluded.vex_count,
			fu_tokens = fu_tokens + excluded.fu_tokens
	`, usage.Tenant, usage.Month, usage.VEx, usage.FUTokens); err != nil {
		return fmt.Errorf("sqlite usage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite commit: %w", err)
	}
	return nil
}

const receiptColumns = `trace_id, hop, ts, tenant, cid, canon_bytes, algo, prev_receipt_hash, receipt_hash,
	policy_blob, forwarded_blob, fallback_used, fu_tokens, semantic_violations_blob, signature, kid`

func (s *SQLiteStore) GetChain(ctx context.Context, traceID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE trace_id = ? ORDER BY hop ASC`, traceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite chain: %w", err)
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

func (s *SQLiteStore) GetLast(ctx context.Context, traceID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE trace_id = ? ORDER BY hop DESC LIMIT 1`, traceID)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) PutIdempotent(ctx context.Context, apiKey, idemKey string, snapshot []byte) (bool, []byte, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency (api_key, idem_key, response_blob) VALUES (?,?,?)
		ON CONFLICT(api_key, idem_key) DO NOTHING
	`, apiKey, idemKey, snapshot)
	if err != nil {
		return false, nil, fmt.Errorf("sqlite idempotency insert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, snapshot, nil
	}
	stored, err := s.GetIdempotent(ctx, apiKey, idemKey)
	if err != nil {
		return false, nil, err
	}
	return false, stored, nil
}

func (s *SQLiteStore) GetIdempotent(ctx context.Context, apiKey, idemKey string) ([]byte, error) {
	var blob []byte
	err := s.db.GetContext(ctx, &blob, `SELECT response_blob FROM idempotency WHERE api_key = ? AND idem_key = ?`, apiKey, idemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite idempotency get: %w", err)
	}
	return blob, nil
}

func (s *SQLiteStore) GetMonthlyUsage(ctx context.Context, tenant, month string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx, `SELECT vex_count, fu_tokens FROM usage WHERE tenant = ? AND month = ?`, tenant, month).
		Scan(&u.VEx, &u.FUTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("sqlite usage get: %w", err)
	}
	return u, nil
}

type scanFunc func(dest ...interface{}) error

func scanRecord(scan scanFunc) (Record, error) {
	var rec Record
	var prev sql.NullString
	var forwarded, violations []byte
	err := scan(&rec.TraceID, &rec.Hop, &rec.TS, &rec.Tenant, &rec.CID, &rec.CanonBytes, &rec.Algo,
		&prev, &rec.ReceiptHash, &rec.PolicyBlob, &forwarded, &rec.FallbackUsed, &rec.FUTokens,
		&violations, &rec.Signature, &rec.Kid)
	if err != nil {
		return Record{}, err
	}
	if prev.Valid {
		rec.PrevReceiptHash = &prev.String
	}
	if len(forwarded) > 0 {
		rec.ForwardedBlob = forwarded
	}
	if len(violations) > 0 {
		rec.SemanticViolations = violations
	}
	return rec, nil
}

func isSQLiteConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint")
}
