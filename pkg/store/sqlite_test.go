package store

import (
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func record(traceID string, hop int, prev *string) Record {
	return Record{
		TraceID:         traceID,
		Hop:             hop,
		TS:              "2026-01-02T03:04:05Z",
		Tenant:          "acme",
		CID:             "sha256:cid",
		CanonBytes:      []byte(`{"a":1}`),
		Algo:            "sha256",
		ReceiptHash:     "sha256:hash-" + traceID + string(rune('0'+hop)),
		PrevReceiptHash: prev,
		PolicyBlob:      []byte(`{"engine":"HEL","allowed":true,"reason":"ok"}`),
		Signature:       "c2ln",
		Kid:             "key-1",
	}
}

func TestAppendAndGetChain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendReceipt(ctx, record("t1", 1, nil), 0, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1}); err != nil {
		t.Fatalf("append hop 1: %v", err)
	}
	prev := "sha256:hash-t11"
	if err := s.AppendReceipt(ctx, record("t1", 2, &prev), 1, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1, FUTokens: 7}); err != nil {
		t.Fatalf("append hop 2: %v", err)
	}

	chain, err := s.GetChain(ctx, "t1")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("chain length = %d", len(chain))
	}
	if chain[0].Hop != 1 || chain[1].Hop != 2 {
		t.Fatalf("hops = %d,%d", chain[0].Hop, chain[1].Hop)
	}
	if chain[0].PrevReceiptHash != nil {
		t.Fatal("genesis prev hash must be nil")
	}
	if chain[1].PrevReceiptHash == nil || *chain[1].PrevReceiptHash != prev {
		t.Fatalf("hop 2 prev = %v", chain[1].PrevReceiptHash)
	}

	last, err := s.GetLast(ctx, "t1")
	if err != nil {
		t.Fatalf("last: %v", err)
	}
	if last.Hop != 2 {
		t.Fatalf("last hop = %d", last.Hop)
	}
}

func TestAppendChainConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendReceipt(ctx, record("t1", 1, nil), 0, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	// A second appender that also read head=0 loses.
	err := s.AppendReceipt(ctx, record("t1", 1, nil), 0, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1})
	if !errors.Is(err, ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict, got %v", err)
	}
	// Usage must not have advanced for the loser.
	u, err := s.GetMonthlyUsage(ctx, "acme", "2026-01")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.VEx != 1 {
		t.Fatalf("vex = %d", u.VEx)
	}
}

func TestAppendStaleExpectation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.AppendReceipt(ctx, record("t1", 1, nil), 0, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	err := s.AppendReceipt(ctx, record("t1", 3, nil), 2, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1})
	if !errors.Is(err, ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict for stale expectation, got %v", err)
	}
}

func TestUsageAccumulates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_ = s.AppendReceipt(ctx, record("t1", 1, nil), 0, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1, FUTokens: 10})
	prev := "sha256:hash-t11"
	_ = s.AppendReceipt(ctx, record("t1", 2, &prev), 1, UsageDelta{Tenant: "acme", Month: "2026-01", VEx: 1, FUTokens: 5})
	u, err := s.GetMonthlyUsage(ctx, "acme", "2026-01")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.VEx != 2 || u.FUTokens != 15 {
		t.Fatalf("usage = %+v", u)
	}
	empty, err := s.GetMonthlyUsage(ctx, "acme", "2026-02")
	if err != nil {
		t.Fatalf("usage empty: %v", err)
	}
	if empty.VEx != 0 || empty.FUTokens != 0 {
		t.Fatalf("expected zero usage, got %+v", empty)
	}
}

func TestIdempotencyRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetIdempotent(ctx, "k", "idem-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	inserted, stored, err := s.PutIdempotent(ctx, "k", "idem-1", []byte(`{"r":1}`))
	if err != nil || !inserted {
		t.Fatalf("put: inserted=%v err=%v", inserted, err)
	}
	if string(stored) != `{"r":1}` {
		t.Fatalf("stored = %s", stored)
	}
	// Second insert with different body returns the first snapshot.
	inserted, stored, err = s.PutIdempotent(ctx, "k", "idem-1", []byte(`{"r":2}`))
	if err != nil {
		t.Fatalf("put again: %v", err)
	}
	if inserted {
		t.Fatal("second put must not insert")
	}
	if string(stored) != `{"r":1}` {
		t.Fatalf("stored after conflict = %s", stored)
	}
	got, err := s.GetIdempotent(ctx, "k", "idem-1")
	if err != nil || string(got) != `{"r":1}` {
		t.Fatalf("get = %s err=%v", got, err)
	}
	// Different API key is a separate namespace.
	if _, err := s.GetIdempotent(ctx, "other", "idem-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected namespace isolation, got %v", err)
	}
}

func TestGetLastUnknownTrace(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetLast(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	chain, err := s.GetChain(context.Background(), "missing")
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain) != 0 {
		t.Fatalf("chain = %v", chain)
	}
}

func TestOpenSelectsEngine(t *testing.T) {
	s, err := Open(context.Background(), "sqlite://:memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if s.Name() != "sqlite" {
		t.Fatalf("name = %s", s.Name())
	}
}
