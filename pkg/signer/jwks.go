package signer

import (
	"encoding/base64"
	"sort"
)

// JWK is an Ed25519 public key in JSON Web Key form.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
}

// JWKS is the published key set document.
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns every key a verifier may encounter, active kid included,
// in stable kid order.
func (s *Signer) JWKS() JWKS {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]JWK, 0, len(s.public))
	for kid, pub := range s.public {
		keys = append(keys, JWK{
			Kty: "OKP",
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(pub),
			Kid: kid,
			Use: "sig",
			Alg: "EdDSA",
		})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Kid < keys[j].Kid })
	return JWKS{Keys: keys}
}
