package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/Maverick0351a/signet-protocol/pkg/jcs"
	"github.com/Maverick0351a/signet-protocol/pkg/models"
)

var ErrUnknownKid = errors.New("signer: unknown kid")

// Signer holds the active Ed25519 private key and every public key a
// verifier may still encounter. Rotation adds a key and switches the
// active kid; prior public keys stay published.
type Signer struct {
	mu        sync.RWMutex
	activeKid string
	private   ed25519.PrivateKey
	public    map[string]ed25519.PublicKey
}

// New builds a signer from a base64 (std) encoded Ed25519 seed or full
// private key. An empty material generates an ephemeral key.
func New(kid, materialB64 string) (*Signer, error) {
	if kid == "" {
		return nil, errors.New("signer: kid required")
	}
	var priv ed25519.PrivateKey
	if materialB64 == "" {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("signer: generate key: %w", err)
		}
		priv = generated
	} else {
		raw, err := base64.StdEncoding.DecodeString(materialB64)
		if err != nil {
			return nil, fmt.Errorf("signer: decode key material: %w", err)
		}
		switch len(raw) {
		case ed25519.SeedSize:
			priv = ed25519.NewKeyFromSeed(raw)
		case ed25519.PrivateKeySize:
			priv = ed25519.PrivateKey(raw)
		default:
			return nil, fmt.Errorf("signer: key material must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
		}
	}
	s := &Signer{
		activeKid: kid,
		private:   priv,
		public:    map[string]ed25519.PublicKey{kid: priv.Public().(ed25519.PublicKey)},
	}
	return s, nil
}

// ActiveKid returns the kid new signatures are issued under.
func (s *Signer) ActiveKid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKid
}

// Rotate installs a new active key; the previous public key remains in the
// published set.
func (s *Signer) Rotate(kid string, priv ed25519.PrivateKey) error {
	if kid == "" {
		return errors.New("signer: kid required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.public[kid]; exists {
		return fmt.Errorf("signer: kid %q already registered", kid)
	}
	s.activeKid = kid
	s.private = priv
	s.public[kid] = priv.Public().(ed25519.PublicKey)
	return nil
}

// PublicKey resolves a kid from the key set.
func (s *Signer) PublicKey(kid string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pub, ok := s.public[kid]
	if !ok {
		return nil, ErrUnknownKid
	}
	return pub, nil
}

// SignBytes produces a detached base64 signature over raw bytes.
func (s *Signer) SignBytes(data []byte) (sig string, kid string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw := ed25519.Sign(s.private, data)
	return base64.StdEncoding.EncodeToString(raw), s.activeKid
}

// HashReceipt computes the receipt hash: the CID-form SHA-256 of the
// canonical receipt with receipt_hash, signature and kid absent.
func HashReceipt(r models.Receipt) (string, error) {
	canon, err := canonicalReceipt(r)
	if err != nil {
		return "", err
	}
	return jcs.HashBytes(canon), nil
}

// SignReceipt fills in receipt_hash, signature and kid.
func (s *Signer) SignReceipt(r models.Receipt) (models.Receipt, error) {
	canon, err := canonicalReceipt(r)
	if err != nil {
		return models.Receipt{}, err
	}
	r.ReceiptHash = jcs.HashBytes(canon)
	r.Signature, r.Kid = s.SignBytes(canon)
	return r, nil
}

// VerifyReceipt checks a receipt's hash and detached signature against pub.
func VerifyReceipt(pub ed25519.PublicKey, r models.Receipt) error {
	canon, err := canonicalReceipt(r)
	if err != nil {
		return err
	}
	if got := jcs.HashBytes(canon); got != r.ReceiptHash {
		return fmt.Errorf("signer: receipt hash mismatch: computed %s stored %s", got, r.ReceiptHash)
	}
	sig, err := base64.StdEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("signer: decode signature: %w", err)
	}
	if !ed25519.Verify(pub, canon, sig) {
		return errors.New("signer: invalid signature")
	}
	return nil
}

func canonicalReceipt(r models.Receipt) ([]byte, error) {
	raw, err := json.Marshal(r.SigningEnvelope())
	if err != nil {
		return nil, fmt.Errorf("signer: marshal receipt: %w", err)
	}
	return jcs.Canonicalize(raw)
}
