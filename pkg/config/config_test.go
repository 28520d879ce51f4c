package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestHolderLoadsAndResolvesKeys(t *testing.T) {
	dir := t.TempDir()
	keys := writeFile(t, dir, "keys.json", `{
		"sk_live_acme": {
			"tenant": "acme",
			"allowlist": ["*.partner.com"],
			"fallback_enabled": true,
			"fu_monthly_limit": 50000,
			"stripe_item_vex": "si_vex",
			"stripe_item_fu": "si_fu"
		}
	}`)
	h, err := NewHolder(keys, "")
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	snap := h.Snapshot()
	tc, ok := snap.TenantForKey("sk_live_acme")
	if !ok {
		t.Fatal("key not resolved")
	}
	if tc.Tenant != "acme" || !tc.FallbackEnabled {
		t.Fatalf("tenant = %+v", tc)
	}
	if tc.FUMonthlyLimit == nil || *tc.FUMonthlyLimit != 50000 {
		t.Fatalf("fu limit = %v", tc.FUMonthlyLimit)
	}
	if _, ok := snap.TenantForKey("unknown"); ok {
		t.Fatal("unknown key must not resolve")
	}
}

func TestHolderRejectsMissingTenant(t *testing.T) {
	dir := t.TempDir()
	keys := writeFile(t, dir, "keys.json", `{"sk_x": {"fallback_enabled": false}}`)
	if _, err := NewHolder(keys, ""); err == nil {
		t.Fatal("expected error for missing tenant")
	}
}

func TestReloadSwapsSnapshotAtomically(t *testing.T) {
	dir := t.TempDir()
	keys := writeFile(t, dir, "keys.json", `{"sk_a": {"tenant": "a"}}`)
	h, err := NewHolder(keys, "")
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	pinned := h.Snapshot()

	writeFile(t, dir, "keys.json", `{"sk_b": {"tenant": "b"}}`)
	if err := h.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := pinned.TenantForKey("sk_a"); !ok {
		t.Fatal("pinned snapshot must keep its generation")
	}
	if _, ok := h.Snapshot().TenantForKey("sk_b"); !ok {
		t.Fatal("new snapshot must see the reloaded key")
	}
}

func TestReloadKeepsOldSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	keys := writeFile(t, dir, "keys.json", `{"sk_a": {"tenant": "a"}}`)
	h, err := NewHolder(keys, "")
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	writeFile(t, dir, "keys.json", `{not json`)
	if err := h.Reload(); err == nil {
		t.Fatal("expected reload error")
	}
	if _, ok := h.Snapshot().TenantForKey("sk_a"); !ok {
		t.Fatal("previous snapshot must remain active")
	}
}

func TestReservedConfigThroughHolder(t *testing.T) {
	dir := t.TempDir()
	keys := writeFile(t, dir, "keys.json", `{"sk_a": {"tenant": "acme"}}`)
	reserved := writeFile(t, dir, "reserved.json", `{
		"tenants": {"acme": {"vex_reserved": 1000, "fu_reserved": 5000}}
	}`)
	h, err := NewHolder(keys, reserved)
	if err != nil {
		t.Fatalf("new holder: %v", err)
	}
	rc := h.Snapshot().ReservedFor("acme")
	if rc.VExReserved != 1000 || rc.FUReserved != 5000 {
		t.Fatalf("reserved = %+v", rc)
	}
	if rc := h.Snapshot().ReservedFor("other"); rc.VExReserved != 0 {
		t.Fatalf("unknown tenant reserved = %+v", rc)
	}
}
