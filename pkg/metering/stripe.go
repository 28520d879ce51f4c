package metering

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// StripeClient posts usage records against subscription items. Only the
// enqueue call is modeled; reconciliation lives in Stripe's ledger.
type StripeClient struct {
	Client  *http.Client
	BaseURL string
	APIKey  string
}

func NewStripeClient(client *http.Client, apiKey string) *StripeClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &StripeClient{Client: client, BaseURL: "https://api.stripe.com", APIKey: apiKey}
}

func (c *StripeClient) RecordUsage(ctx context.Context, item string, quantity int64) error {
	form := url.Values{}
	form.Set("quantity", strconv.FormatInt(quantity, 10))
	form.Set("action", "increment")
	endpoint := fmt.Sprintf("%s/v1/subscription_items/%s/usage_records", c.BaseURL, url.PathEscape(item))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("metering: build stripe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.APIKey, "")
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("metering: stripe request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("metering: stripe status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// NoopBillingClient discards usage; used when no Stripe key is configured.
type NoopBillingClient struct{}

func (NoopBillingClient) RecordUsage(ctx context.Context, item string, quantity int64) error {
	return nil
}
