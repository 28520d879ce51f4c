// Package config holds the reloadable tenant and reserved-capacity
// configuration. A snapshot is immutable; reload builds a new one and
// swaps the pointer, so in-flight requests keep a consistent view.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/Maverick0351a/signet-protocol/pkg/metering"
)

// TenantConfig is everything an API key resolves to.
type TenantConfig struct {
	Tenant          string   `json:"tenant"`
	Allowlist       []string `json:"allowlist,omitempty"`
	FallbackEnabled bool     `json:"fallback_enabled"`
	FUMonthlyLimit  *int64   `json:"fu_monthly_limit,omitempty"`
	// RateLimitPerMinute overrides the server-wide exchange rate limit.
	RateLimitPerMinute *int   `json:"rate_limit_per_minute,omitempty"`
	StripeItemVEx      string `json:"stripe_item_vex,omitempty"`
	StripeItemFU       string `json:"stripe_item_fu,omitempty"`
}

// Snapshot is one immutable configuration generation.
type Snapshot struct {
	APIKeys  map[string]TenantConfig
	Reserved *metering.ReservedConfig
}

// TenantForKey resolves an API key; ok is false for unknown keys.
func (s *Snapshot) TenantForKey(apiKey string) (TenantConfig, bool) {
	tc, ok := s.APIKeys[apiKey]
	return tc, ok
}

// ReservedFor returns the tenant's reserved capacity, zero-valued when the
// tenant has no reservation.
func (s *Snapshot) ReservedFor(tenant string) metering.ReservedTenant {
	if s.Reserved == nil {
		return metering.ReservedTenant{}
	}
	return s.Reserved.Tenants[tenant]
}

// Holder is the atomically swappable current snapshot.
type Holder struct {
	current atomic.Pointer[Snapshot]

	apiKeysPath  string
	reservedPath string
}

// NewHolder loads the initial snapshot. apiKeysPath is required;
// reservedPath may be empty.
func NewHolder(apiKeysPath, reservedPath string) (*Holder, error) {
	h := &Holder{apiKeysPath: apiKeysPath, reservedPath: reservedPath}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Snapshot pins the configuration generation a request entered with.
func (h *Holder) Snapshot() *Snapshot {
	return h.current.Load()
}

// Reload rebuilds the snapshot from disk and installs it atomically.
// On any error the previous snapshot stays active.
func (h *Holder) Reload() error {
	apiKeys, err := loadAPIKeys(h.apiKeysPath)
	if err != nil {
		return err
	}
	snap := &Snapshot{APIKeys: apiKeys}
	if h.reservedPath != "" {
		reserved, err := metering.LoadReservedConfig(h.reservedPath)
		if err != nil {
			return err
		}
		snap.Reserved = reserved
	}
	h.current.Store(snap)
	return nil
}

func loadAPIKeys(path string) (map[string]TenantConfig, error) {
	if path == "" {
		return nil, errors.New("config: api keys file required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read api keys: %w", err)
	}
	var keys map[string]TenantConfig
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("config: parse api keys: %w", err)
	}
	for apiKey, tc := range keys {
		if tc.Tenant == "" {
			return nil, fmt.Errorf("config: api key %q missing tenant", redactKey(apiKey))
		}
	}
	return keys, nil
}

func redactKey(k string) string {
	if len(k) <= 4 {
		return "****"
	}
	return k[:4] + "****"
}
