package metering

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	mu    sync.Mutex
	calls map[string]int64
	fail  bool
}

func (r *recordingClient) RecordUsage(ctx context.Context, item string, quantity int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("billing down")
	}
	if r.calls == nil {
		r.calls = map[string]int64{}
	}
	r.calls[item] += quantity
	return nil
}

func (r *recordingClient) total(item string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[item]
}

func TestBufferAggregatesAndFlushesOnClose(t *testing.T) {
	client := &recordingClient{}
	b := NewBuffer(client, 16, time.Hour)
	b.Enqueue(Event{Tenant: "acme", Unit: UnitVEx, Item: "si_vex", Count: 1})
	b.Enqueue(Event{Tenant: "acme", Unit: UnitVEx, Item: "si_vex", Count: 1})
	b.Enqueue(Event{Tenant: "acme", Unit: UnitFU, Item: "si_fu", Count: 42})
	b.Close()

	assert.Equal(t, int64(2), client.total("si_vex"))
	assert.Equal(t, int64(42), client.total("si_fu"))
}

func TestBufferSkipsUnbilledEvents(t *testing.T) {
	client := &recordingClient{}
	b := NewBuffer(client, 16, time.Hour)
	b.Enqueue(Event{Tenant: "acme", Unit: UnitVEx, Item: "", Count: 1})
	b.Enqueue(Event{Tenant: "acme", Unit: UnitFU, Item: "si_fu", Count: 0})
	b.Close()
	assert.Empty(t, client.calls)
}

func TestBufferRequeuesFailedFlush(t *testing.T) {
	client := &recordingClient{fail: true}
	b := NewBuffer(client, 16, time.Hour)
	b.Enqueue(Event{Tenant: "acme", Unit: UnitVEx, Item: "si_vex", Count: 3})

	require.Eventually(t, func() bool {
		b.Flush(context.Background())
		return b.PendingTotal("acme", UnitVEx, "si_vex") == 3
	}, time.Second, 10*time.Millisecond)

	client.mu.Lock()
	client.fail = false
	client.mu.Unlock()
	b.Close()
	assert.Equal(t, int64(3), client.total("si_vex"))
}

func TestComputeOverageUnderReservation(t *testing.T) {
	got := ComputeOverage(500, 1000, []Tier{{Threshold: 0, PricePer: "0.01"}})
	assert.Equal(t, int64(0), got.Overage)
	assert.Equal(t, "0", got.Total)
	assert.Empty(t, got.Tiers)
}

func TestComputeOverageTieredAttribution(t *testing.T) {
	tiers := []Tier{
		{Threshold: 0, PricePer: "0.01"},
		{Threshold: 100, PricePer: "0.008"},
		{Threshold: 1000, PricePer: "0.005"},
	}
	// usage 3500, reserved 1000 → overage 2500:
	// tier1: 0..100 = 100 units, tier2: 100..1000 = 900, tier3: 1000..2500 = 1500.
	got := ComputeOverage(3500, 1000, tiers)
	require.Len(t, got.Tiers, 3)
	assert.Equal(t, int64(100), got.Tiers[0].Units)
	assert.Equal(t, int64(900), got.Tiers[1].Units)
	assert.Equal(t, int64(1500), got.Tiers[2].Units)
	// 100*0.01 + 900*0.008 + 1500*0.005 = 1 + 7.2 + 7.5 = 15.7
	assert.Equal(t, "15.7", got.Total)
}

func TestComputeOverageStopsAtUsage(t *testing.T) {
	tiers := []Tier{
		{Threshold: 0, PricePer: "0.01"},
		{Threshold: 1000, PricePer: "0.005"},
	}
	got := ComputeOverage(1050, 1000, tiers)
	require.Len(t, got.Tiers, 1)
	assert.Equal(t, int64(50), got.Tiers[0].Units)
	assert.Equal(t, "0.5", got.Total)
}

func TestLoadReservedConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reserved.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tenants": {
			"acme": {
				"vex_reserved": 1000,
				"fu_reserved": 5000,
				"vex_overage_tiers": [
					{"threshold": 0, "price_per_unit": "0.01"},
					{"threshold": 100, "price_per_unit": "0.008"}
				]
			}
		}
	}`), 0o600))

	cfg, err := LoadReservedConfig(path)
	require.NoError(t, err)
	rc, ok := cfg.Tenants["acme"]
	require.True(t, ok)
	assert.Equal(t, int64(1000), rc.VExReserved)
	assert.Len(t, rc.VExTiers, 2)
}

func TestLoadReservedConfigRejectsBadTiers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reserved.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"tenants": {
			"acme": {
				"vex_overage_tiers": [
					{"threshold": 100, "price_per_unit": "0.01"},
					{"threshold": 100, "price_per_unit": "0.02"}
				]
			}
		}
	}`), 0o600))
	_, err := LoadReservedConfig(path)
	require.Error(t, err)
}

func TestStripeClientRecordUsage(t *testing.T) {
	var gotPath, gotQuantity, gotAction string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotPath = r.URL.Path
		gotQuantity = r.Form.Get("quantity")
		gotAction = r.Form.Get("action")
		user, _, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test", user)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	c := NewStripeClient(srv.Client(), "sk_test")
	c.BaseURL = srv.URL
	require.NoError(t, c.RecordUsage(context.Background(), "si_123", 7))
	assert.Equal(t, "/v1/subscription_items/si_123/usage_records", gotPath)
	assert.Equal(t, "7", gotQuantity)
	assert.Equal(t, "increment", gotAction)
}

func TestStripeClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()
	c := NewStripeClient(srv.Client(), "sk_test")
	c.BaseURL = srv.URL
	require.Error(t, c.RecordUsage(context.Background(), "si_123", 1))
}
