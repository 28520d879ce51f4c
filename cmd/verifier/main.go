// Command verifier checks an exported receipt bundle offline: per-receipt
// hashes and signatures, chain linkage, the bundle CID and the detached
// bundle signature, all against a published JWKS document.
package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/Maverick0351a/signet-protocol/pkg/jcs"
	"github.com/Maverick0351a/signet-protocol/pkg/models"
	"github.com/Maverick0351a/signet-protocol/pkg/signer"
)

var logFatalf = log.Fatalf

func main() {
	bundlePath := flag.String("bundle", "", "path to exported bundle JSON")
	jwksPath := flag.String("jwks", "", "path to JWKS document")
	flag.Parse()
	if *bundlePath == "" || *jwksPath == "" {
		logFatalf("usage: verifier -bundle bundle.json -jwks jwks.json")
		return
	}
	if err := run(*bundlePath, *jwksPath, os.Stdout); err != nil {
		logFatalf("verifier: %v", err)
	}
}

func run(bundlePath, jwksPath string, out *os.File) error {
	bundleRaw, err := os.ReadFile(bundlePath)
	if err != nil {
		return fmt.Errorf("read bundle: %w", err)
	}
	jwksRaw, err := os.ReadFile(jwksPath)
	if err != nil {
		return fmt.Errorf("read jwks: %w", err)
	}
	var bundle models.ExportBundle
	if err := json.Unmarshal(bundleRaw, &bundle); err != nil {
		return fmt.Errorf("parse bundle: %w", err)
	}
	keys, err := parseJWKS(jwksRaw)
	if err != nil {
		return err
	}
	if err := VerifyBundle(bundle, keys); err != nil {
		return err
	}
	fmt.Fprintf(out, "ok: %d receipts, bundle %s\n", len(bundle.Chain), bundle.BundleCID)
	return nil
}

func parseJWKS(raw []byte) (map[string]ed25519.PublicKey, error) {
	var doc signer.JWKS
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	keys := map[string]ed25519.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		pub, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("jwks key %q: invalid x", k.Kid)
		}
		keys[k.Kid] = ed25519.PublicKey(pub)
	}
	return keys, nil
}

// VerifyBundle re-derives every integrity property a verifier can check
// without trusting the exporter.
func VerifyBundle(bundle models.ExportBundle, keys map[string]ed25519.PublicKey) error {
	if len(bundle.Chain) == 0 {
		return fmt.Errorf("bundle has no receipts")
	}
	for i, r := range bundle.Chain {
		if r.TraceID != bundle.TraceID {
			return fmt.Errorf("receipt %d: trace %q does not match bundle %q", i, r.TraceID, bundle.TraceID)
		}
		if r.Hop != i+1 {
			return fmt.Errorf("receipt %d: hop %d, want %d", i, r.Hop, i+1)
		}
		if i == 0 {
			if r.PrevReceiptHash != nil {
				return fmt.Errorf("genesis receipt carries prev_receipt_hash")
			}
		} else {
			prev := bundle.Chain[i-1].ReceiptHash
			if r.PrevReceiptHash == nil || *r.PrevReceiptHash != prev {
				return fmt.Errorf("receipt %d: chain linkage broken", i)
			}
		}
		if cid, err := jcs.CIDForJSON(json.RawMessage(r.Canon)); err != nil || cid != r.CID {
			return fmt.Errorf("receipt %d: cid mismatch", i)
		}
		pub, ok := keys[r.Kid]
		if !ok {
			return fmt.Errorf("receipt %d: kid %q not in key set", i, r.Kid)
		}
		if err := signer.VerifyReceipt(pub, r); err != nil {
			return fmt.Errorf("receipt %d: %w", i, err)
		}
	}

	raw, err := json.Marshal(models.ExportBundle{
		TraceID:    bundle.TraceID,
		Chain:      bundle.Chain,
		ExportedAt: bundle.ExportedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	cid, err := jcs.CIDForJSON(raw)
	if err != nil {
		return fmt.Errorf("canonicalize bundle: %w", err)
	}
	if cid != bundle.BundleCID {
		return fmt.Errorf("bundle cid mismatch: computed %s stored %s", cid, bundle.BundleCID)
	}
	pub, ok := keys[bundle.Kid]
	if !ok {
		return fmt.Errorf("bundle kid %q not in key set", bundle.Kid)
	}
	sig, err := base64.StdEncoding.DecodeString(bundle.Signature)
	if err != nil {
		return fmt.Errorf("decode bundle signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(bundle.BundleCID), sig) {
		return fmt.Errorf("bundle signature invalid")
	}
	return nil
}
