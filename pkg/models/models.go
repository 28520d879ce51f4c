package models

import (
	"encoding/json"
)

// ExchangeRequest is the body of POST /v1/exchange.
type ExchangeRequest struct {
	TraceID     string          `json:"trace_id,omitempty"`
	PayloadType string          `json:"payload_type"`
	TargetType  string          `json:"target_type"`
	Payload     json.RawMessage `json:"payload"`
	ForwardURL  string          `json:"forward_url,omitempty"`
}

// PolicyResult records the HEL verdict for a forward URL.
type PolicyResult struct {
	Engine   string `json:"engine"`
	Allowed  bool   `json:"allowed"`
	Reason   string `json:"reason"`
	Host     string `json:"host,omitempty"`
	PinnedIP string `json:"pinned_ip,omitempty"`
}

// ForwardResult records the outcome of a pinned forward attempt.
// StatusCode 0 means the request never completed; Error holds the reason.
type ForwardResult struct {
	URL          string `json:"url"`
	StatusCode   int    `json:"status_code"`
	Host         string `json:"host"`
	PinnedIP     string `json:"pinned_ip"`
	ResponseSize int    `json:"response_size"`
	Error        string `json:"error,omitempty"`
}

// Receipt is the hash-chained, signed record of one verified exchange.
// ReceiptHash and Signature are computed over the canonical form of the
// receipt with ReceiptHash, Signature and Kid absent.
type Receipt struct {
	TraceID            string         `json:"trace_id"`
	Hop                int            `json:"hop"`
	TS                 string         `json:"ts"`
	Tenant             string         `json:"tenant"`
	CID                string         `json:"cid"`
	Canon              string         `json:"canon"`
	Algo               string         `json:"algo"`
	PrevReceiptHash    *string        `json:"prev_receipt_hash"`
	ReceiptHash        string         `json:"receipt_hash,omitempty"`
	Policy             PolicyResult   `json:"policy"`
	Forwarded          *ForwardResult `json:"forwarded,omitempty"`
	FallbackUsed       bool           `json:"fallback_used,omitempty"`
	FUTokens           int            `json:"fu_tokens,omitempty"`
	SemanticViolations []string       `json:"semantic_violations,omitempty"`
	Signature          string         `json:"signature,omitempty"`
	Kid                string         `json:"kid,omitempty"`
}

// ReceiptSummary is the receipt view embedded in an exchange response.
type ReceiptSummary struct {
	TS              string  `json:"ts"`
	CID             string  `json:"cid"`
	ReceiptHash     string  `json:"receipt_hash"`
	PrevReceiptHash *string `json:"prev_receipt_hash"`
	Hop             int     `json:"hop"`
	Kid             string  `json:"kid,omitempty"`
}

// ExchangeResponse is returned by POST /v1/exchange.
type ExchangeResponse struct {
	TraceID    string          `json:"trace_id"`
	Normalized json.RawMessage `json:"normalized"`
	Policy     PolicyResult    `json:"policy"`
	Receipt    ReceiptSummary  `json:"receipt"`
	Forwarded  *ForwardResult  `json:"forwarded,omitempty"`
}

// ExportBundle is a full chain plus signing envelope.
type ExportBundle struct {
	TraceID    string    `json:"trace_id"`
	Chain      []Receipt `json:"chain"`
	ExportedAt string    `json:"exported_at"`
	BundleCID  string    `json:"bundle_cid,omitempty"`
	Signature  string    `json:"signature,omitempty"`
	Kid        string    `json:"kid,omitempty"`
}

// MonthlyUsage is a tenant's month-to-date metered consumption.
type MonthlyUsage struct {
	Tenant   string `json:"tenant"`
	Month    string `json:"month"`
	VExCount int64  `json:"vex_count"`
	FUTokens int64  `json:"fu_tokens"`
}

// SigningEnvelope strips the self-referential fields before hashing or
// signing a receipt.
func (r Receipt) SigningEnvelope() Receipt {
	r.ReceiptHash = ""
	r.Signature = ""
	r.Kid = ""
	return r
}

// Summary reduces a receipt to its response embedding.
func (r Receipt) Summary() ReceiptSummary {
	return ReceiptSummary{
		TS:              r.TS,
		CID:             r.CID,
		ReceiptHash:     r.ReceiptHash,
		PrevReceiptHash: r.PrevReceiptHash,
		Hop:             r.Hop,
		Kid:             r.Kid,
	}
}
