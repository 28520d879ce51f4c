package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/Maverick0351a/signet-protocol/pkg/models"
)

func testReceipt() models.Receipt {
	return models.Receipt{
		TraceID:         "trace-1",
		Hop:             1,
		TS:              "2026-01-02T03:04:05Z",
		Tenant:          "acme",
		CID:             "sha256:abc",
		Canon:           `{"amount_minor":100000,"currency":"USD","invoice_id":"INV-1"}`,
		Algo:            "sha256",
		PrevReceiptHash: nil,
		Policy:          models.PolicyResult{Engine: "HEL", Allowed: true, Reason: "ok"},
	}
}

func TestSignAndVerifyReceipt(t *testing.T) {
	s, err := New("key-2026", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signed, err := s.SignReceipt(testReceipt())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Kid != "key-2026" {
		t.Fatalf("kid = %q", signed.Kid)
	}
	if !strings.HasPrefix(signed.ReceiptHash, "sha256:") {
		t.Fatalf("receipt hash shape: %s", signed.ReceiptHash)
	}
	pub, err := s.PublicKey(signed.Kid)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if err := VerifyReceipt(pub, signed); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	s, err := New("key-2026", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	signed, err := s.SignReceipt(testReceipt())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	pub, _ := s.PublicKey(signed.Kid)

	tampered := signed
	tampered.Canon = strings.Replace(tampered.Canon, "100000", "100001", 1)
	if err := VerifyReceipt(pub, tampered); err == nil {
		t.Fatal("expected verification failure after canon mutation")
	}

	tampered = signed
	tampered.Hop = 2
	if err := VerifyReceipt(pub, tampered); err == nil {
		t.Fatal("expected verification failure after hop mutation")
	}
}

func TestHashExcludesEnvelopeFields(t *testing.T) {
	s, err := New("key-2026", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	r := testReceipt()
	preHash, err := HashReceipt(r)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	signed, err := s.SignReceipt(r)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.ReceiptHash != preHash {
		t.Fatalf("hash changed once signature attached: %s vs %s", signed.ReceiptHash, preHash)
	}
	postHash, err := HashReceipt(signed)
	if err != nil {
		t.Fatalf("hash signed: %v", err)
	}
	if postHash != preHash {
		t.Fatalf("hash not stable across envelope fields: %s vs %s", postHash, preHash)
	}
}

func TestRotationKeepsOldKeysPublished(t *testing.T) {
	s, err := New("key-a", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	first, err := s.SignReceipt(testReceipt())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := s.Rotate("key-b", priv); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if s.ActiveKid() != "key-b" {
		t.Fatalf("active kid = %s", s.ActiveKid())
	}
	jwks := s.JWKS()
	if len(jwks.Keys) != 2 {
		t.Fatalf("expected 2 published keys, got %d", len(jwks.Keys))
	}
	pubA, err := s.PublicKey("key-a")
	if err != nil {
		t.Fatalf("old key dropped: %v", err)
	}
	if err := VerifyReceipt(pubA, first); err != nil {
		t.Fatalf("old signature no longer verifies: %v", err)
	}
	if err := s.Rotate("key-b", priv); err == nil {
		t.Fatal("expected duplicate kid rejection")
	}
}

func TestJWKSShape(t *testing.T) {
	s, err := New("key-2026", "")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	jwks := s.JWKS()
	if len(jwks.Keys) != 1 {
		t.Fatalf("keys = %d", len(jwks.Keys))
	}
	k := jwks.Keys[0]
	if k.Kty != "OKP" || k.Crv != "Ed25519" || k.Alg != "EdDSA" || k.Use != "sig" {
		t.Fatalf("unexpected jwk: %+v", k)
	}
	if k.X == "" || strings.ContainsAny(k.X, "+/=") {
		t.Fatalf("x must be unpadded base64url: %q", k.X)
	}
}

func TestNewRejectsBadMaterial(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty kid")
	}
	if _, err := New("kid", "not-base64!!"); err == nil {
		t.Fatal("expected error for undecodable material")
	}
	if _, err := New("kid", "AAAA"); err == nil {
		t.Fatal("expected error for wrong-length material")
	}
}
