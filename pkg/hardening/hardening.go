// Package hardening refuses to start the gateway in a production-like
// environment with development-grade configuration: ephemeral signing
// keys, SQLite storage, plaintext backends or permissive CORS.
package hardening

import (
	"fmt"
	"strings"
)

const devKidDefault = "signet-dev-key"

// Options captures the startup configuration the gate inspects.
type Options struct {
	Environment        string
	StrictProdSecurity string

	// Signet-specific required surface.
	SigningKeyB64 string // SIGNET_PRIVATE_KEY_B64
	Kid           string // SIGNET_KID
	APIKeysFile   string // SIGNET_API_KEYS_FILE
	StorageDSN    string // SIGNET_STORAGE_DSN / DATABASE_URL

	// Transport posture.
	DatabaseRequireTLS    string
	RedisAddr             string
	RedisRequireTLS       string
	RedisTLSInsecure      string
	RedisAllowInsecureTLS string
	CORSAllowedOrigins    string
}

// ValidateProduction is a no-op outside production-like environments or
// when strict mode is explicitly disabled.
func ValidateProduction(o Options) error {
	if !isProductionLikeEnv(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}

	// Receipts signed with a generated throwaway key cannot be verified
	// after a restart; production must pin key material and a real kid.
	if strings.TrimSpace(o.SigningKeyB64) == "" {
		return fmt.Errorf("signet: strict production hardening requires SIGNET_PRIVATE_KEY_B64")
	}
	if kid := strings.TrimSpace(o.Kid); kid == "" || kid == devKidDefault {
		return fmt.Errorf("signet: strict production hardening requires a non-default SIGNET_KID")
	}
	if strings.TrimSpace(o.APIKeysFile) == "" {
		return fmt.Errorf("signet: strict production hardening requires SIGNET_API_KEYS_FILE")
	}
	dsn := strings.TrimSpace(o.StorageDSN)
	if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
		return fmt.Errorf("signet: strict production hardening requires the PostgreSQL storage engine, got DSN %q", redactDSN(dsn))
	}

	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("signet: strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("signet: strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if isTrue(o.RedisTLSInsecure, false) || isTrue(o.RedisAllowInsecureTLS, false) {
			return fmt.Errorf("signet: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	return validateCORSOrigins(o.CORSAllowedOrigins)
}

func validateCORSOrigins(raw string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		validCount++
		switch {
		case o == "*":
			return fmt.Errorf("signet: strict production hardening forbids CORS wildcard origin")
		case strings.HasPrefix(o, "http://localhost"),
			strings.HasPrefix(o, "https://localhost"),
			strings.HasPrefix(o, "http://127.0.0.1"),
			strings.HasPrefix(o, "https://127.0.0.1"):
			return fmt.Errorf("signet: strict production hardening forbids localhost CORS origin %q", o)
		case !strings.HasPrefix(o, "https://"):
			return fmt.Errorf("signet: strict production hardening requires HTTPS CORS origin, got %q", o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("signet: strict production hardening requires explicit CORS_ALLOWED_ORIGINS")
	}
	return nil
}

// redactDSN hides credentials when the DSN ends up in an error message.
func redactDSN(dsn string) string {
	if at := strings.Index(dsn, "@"); at >= 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme+3 < at {
			return dsn[:scheme+3] + "****" + dsn[at:]
		}
	}
	return dsn
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func isProductionLikeEnv(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
