package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/Maverick0351a/signet-protocol/pkg/config"
	"github.com/Maverick0351a/signet-protocol/pkg/fallback"
	"github.com/Maverick0351a/signet-protocol/pkg/httpx"
	"github.com/Maverick0351a/signet-protocol/pkg/invariants"
	"github.com/Maverick0351a/signet-protocol/pkg/jcs"
	"github.com/Maverick0351a/signet-protocol/pkg/metering"
	"github.com/Maverick0351a/signet-protocol/pkg/models"
	"github.com/Maverick0351a/signet-protocol/pkg/ratelimit"
	"github.com/Maverick0351a/signet-protocol/pkg/store"
	"github.com/Maverick0351a/signet-protocol/pkg/telemetry"
)

const (
	headerAPIKey        = "X-SIGNET-API-Key"
	headerAPIKeyLegacy  = "X-ODIN-API-Key"
	headerIdemKey       = "X-SIGNET-Idempotency-Key"
	headerIdemKeyLegacy = "X-ODIN-Idempotency-Key"
	headerIdemHit       = "X-SIGNET-Idempotency-Hit"
	headerTrace         = "X-SIGNET-Trace"
	headerTraceLegacy   = "X-ODIN-Trace"
	headerResponseCID   = "X-ODIN-Response-CID"
	headerSignature     = "X-ODIN-Signature"
	headerKid           = "X-ODIN-KID"
)

var ctrlCharRe = regexp.MustCompile("[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]")

// handleExchange runs the full exchange pipeline: idempotency, validate,
// parse-or-repair, transform, policy, forward, receipt, persist, meter.
func (s *Server) handleExchange(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, apiKey, tenantCfg, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	idemKey := headerValue(r, headerIdemKey, headerIdemKeyLegacy)
	if idemKey == "" {
		httpx.Error(w, http.StatusBadRequest, "missing idempotency header")
		return
	}
	if s.RateLimitEnabled && s.RateLimiter != nil {
		limit := ratelimit.LimitFor(tenantCfg.RateLimitPerMinute, s.RateLimitPerMinute)
		if d := s.RateLimiter.AllowExchange(tenantCfg.Tenant, limit); !d.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())+1))
			httpx.Error(w, http.StatusTooManyRequests, "rate_limited")
			return
		}
	}

	// Idempotent replay: byte-for-byte response, no side effects.
	_, idemDone := telemetry.Phase(ctx, "idempotency")
	snapshot, hit := s.lookupIdempotent(ctx, apiKey, idemKey)
	idemDone()
	if hit {
		s.Metrics.IncIdempotentHit()
		w.Header().Set(headerIdemHit, "1")
		if trace := traceFromSnapshot(snapshot); trace != "" {
			w.Header().Set(headerTrace, trace)
			w.Header().Set(headerTraceLegacy, trace)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(snapshot)
		return
	}

	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req models.ExchangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "invalid json body")
		return
	}
	if req.PayloadType == "" || req.TargetType == "" || len(req.Payload) == 0 {
		httpx.Error(w, http.StatusUnprocessableEntity, "missing payload_type/target_type/payload")
		return
	}
	traceID := strings.TrimSpace(req.TraceID)
	if traceID == "" {
		traceID = uuid.New().String()
	} else if _, err := uuid.Parse(traceID); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "trace_id must be a UUID")
		return
	}

	m, err := s.Mappings.Lookup(req.PayloadType, req.TargetType)
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "unsupported mapping")
		return
	}

	payload, err := decodePayload(req.Payload)
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "payload must be an object")
		return
	}
	payload = sanitizePayload(payload).(map[string]interface{})
	_, validateDone := telemetry.Phase(ctx, "validate_input")
	err = m.ValidatePayload(payload)
	validateDone()
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "input schema invalid: "+clip(err.Error()))
		return
	}

	argsText, argsObj, err := extractArguments(payload)
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, clip(err.Error()))
		return
	}

	fallbackUsed := false
	fuTokens := 0
	if argsObj == nil {
		s.Metrics.IncRepairAttempt()
		_, repairDone := telemetry.Phase(ctx, "attempt_repair")
		argsObj, ok = fallback.RepairHeuristics(argsText)
		repairDone()
		if ok {
			s.Metrics.IncRepairSuccess()
		} else {
			argsObj, fuTokens, ok = s.repairWithFallback(w, r, tenantCfg, m, argsText)
			if !ok {
				return
			}
			fallbackUsed = true
		}
	}

	if err := m.ValidateArguments(argsObj); err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "input schema invalid: "+clip(err.Error()))
		return
	}
	_, transformDone := telemetry.Phase(ctx, "transform")
	normalized, err := m.Transform(argsObj)
	transformDone()
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "transform failed: "+clip(err.Error()))
		return
	}
	_, outputDone := telemetry.Phase(ctx, "validate_output")
	err = m.ValidateOutput(normalized)
	outputDone()
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "normalized schema invalid: "+clip(err.Error()))
		return
	}

	_, cidDone := telemetry.Phase(ctx, "cid")
	canon, err := jcs.CanonicalizeValue(normalized)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "canonicalization failed")
		return
	}
	cid := jcs.HashBytes(canon)
	cidDone()

	// Policy evaluation and best-effort forward. Denials still produce a
	// receipt documenting the verdict; forward failures do not fail the
	// exchange.
	policy := models.PolicyResult{Engine: "HEL", Allowed: true, Reason: "ok"}
	var forwarded *models.ForwardResult
	if req.ForwardURL != "" {
		policyCtx, policyDone := telemetry.Phase(ctx, "policy")
		policy = s.HEL.Evaluate(policyCtx, req.ForwardURL, tenantCfg.Allowlist)
		policyDone()
		if policy.Allowed {
			forwardCtx, forwardDone := telemetry.Phase(ctx, "forward")
			result := s.Forwarder.Forward(forwardCtx, req.ForwardURL, policy.Host, policy.PinnedIP, traceID, canon)
			forwardDone()
			forwarded = &result
			if result.Error != "" {
				s.Metrics.IncForwardError(result.Error)
			} else {
				s.Metrics.IncForward(result.Host)
			}
		} else {
			s.Metrics.IncDenied(policy.Reason)
		}
	}

	head, err := s.Store.GetLast(ctx, traceID)
	expectedPrevHop := 0
	var prevHash *string
	if err == nil {
		expectedPrevHop = head.Hop
		h := head.ReceiptHash
		prevHash = &h
	} else if !errors.Is(err, store.ErrNotFound) {
		httpx.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}

	now := s.now().UTC()
	receipt := models.Receipt{
		TraceID:         traceID,
		Hop:             expectedPrevHop + 1,
		TS:              now.Format("2006-01-02T15:04:05Z"),
		Tenant:          tenantCfg.Tenant,
		CID:             cid,
		Canon:           string(canon),
		Algo:            "sha256",
		PrevReceiptHash: prevHash,
		Policy:          policy,
		Forwarded:       forwarded,
		FallbackUsed:    fallbackUsed,
		FUTokens:        fuTokens,
	}
	receipt, err = s.Signer.SignReceipt(receipt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "receipt signing failed")
		return
	}

	rec, err := recordFromReceipt(receipt)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "receipt encoding failed")
		return
	}
	usage := store.UsageDelta{
		Tenant:   tenantCfg.Tenant,
		Month:    store.MonthOf(now),
		VEx:      1,
		FUTokens: int64(fuTokens),
	}
	_, appendDone := telemetry.Phase(ctx, "append_receipt")
	err = s.Store.AppendReceipt(ctx, rec, expectedPrevHop, usage)
	appendDone()
	if err != nil {
		if errors.Is(err, store.ErrChainConflict) {
			httpx.Error(w, http.StatusConflict, "chain conflict")
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}

	_, billingDone := telemetry.Phase(ctx, "billing_enqueue")
	s.Metering.Enqueue(metering.Event{Tenant: tenantCfg.Tenant, Unit: metering.UnitVEx, Item: tenantCfg.StripeItemVEx, Count: 1})
	s.Metrics.IncBillingEnqueue(string(metering.UnitVEx))
	if fuTokens > 0 {
		s.Metering.Enqueue(metering.Event{Tenant: tenantCfg.Tenant, Unit: metering.UnitFU, Item: tenantCfg.StripeItemFU, Count: int64(fuTokens)})
		s.Metrics.IncBillingEnqueue(string(metering.UnitFU))
	}
	billingDone()
	s.Metrics.IncExchange()
	s.Metrics.AddVEx(1)
	if fallbackUsed {
		s.Metrics.IncFallbackUsed()
		s.Metrics.AddFUTokens(int64(fuTokens))
	}
	if s.Events != nil {
		s.Events.PublishReceipt(receipt.Summary())
	}

	resp := models.ExchangeResponse{
		TraceID:    traceID,
		Normalized: json.RawMessage(canon),
		Policy:     policy,
		Receipt:    receipt.Summary(),
		Forwarded:  forwarded,
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "response encoding failed")
		return
	}
	s.storeIdempotent(ctx, apiKey, idemKey, respBytes)

	w.Header().Set(headerTrace, traceID)
	w.Header().Set(headerTraceLegacy, traceID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBytes)
}

// repairWithFallback gates the model call behind tenant opt-in and the FU
// monthly quota, then re-validates the repaired text. FU tokens for a
// repair that invariants later reject are not billed.
func (s *Server) repairWithFallback(w http.ResponseWriter, r *http.Request, tenantCfg config.TenantConfig, m mappingSurface, argsText string) (map[string]interface{}, int, bool) {
	ctx := r.Context()
	if !tenantCfg.FallbackEnabled {
		httpx.Error(w, http.StatusUnprocessableEntity, "arguments parse failed")
		return nil, 0, false
	}
	if tenantCfg.FUMonthlyLimit != nil {
		used, err := s.Store.GetMonthlyUsage(ctx, tenantCfg.Tenant, store.MonthOf(s.now().UTC()))
		if err != nil {
			httpx.Error(w, http.StatusInternalServerError, "storage failure")
			return nil, 0, false
		}
		estimate := int64(fallback.EstimateTokens(argsText))
		if used.FUTokens+estimate > *tenantCfg.FUMonthlyLimit {
			httpx.Error(w, http.StatusTooManyRequests, "fallback quota exceeded")
			return nil, 0, false
		}
	}
	repairCtx, repairDone := telemetry.Phase(ctx, "fallback_repair")
	repaired, err := s.Fallback.Repair(repairCtx, argsText, m.ArgumentsSchemaJSON())
	repairDone()
	if err != nil {
		httpx.Error(w, http.StatusUnprocessableEntity, "arguments parse/repair failed")
		return nil, 0, false
	}
	obj, ok := fallback.TryParse(repaired.Text)
	if !ok {
		httpx.Error(w, http.StatusUnprocessableEntity, "repair produced non-JSON")
		return nil, 0, false
	}
	if violations := invariants.Validate(argsText, obj, m.RequiredArguments()); len(violations) > 0 {
		s.Metrics.IncSemanticViolation()
		httpx.WriteJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":               "semantic invariants violated",
			"semantic_violations": violations,
		})
		return nil, 0, false
	}
	return obj, repaired.Tokens, true
}

// mappingSurface is the slice of mapping.Mapping the repair path needs.
type mappingSurface interface {
	ArgumentsSchemaJSON() []byte
	RequiredArguments() []string
}

func decodePayload(raw json.RawMessage) (map[string]interface{}, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// extractArguments pulls tool_calls[0].function.arguments. A string comes
// back as text to parse; an already-decoded object short-circuits.
func extractArguments(payload map[string]interface{}) (string, map[string]interface{}, error) {
	toolCalls, _ := payload["tool_calls"].([]interface{})
	if len(toolCalls) == 0 {
		return "", nil, errMissingArguments
	}
	first, _ := toolCalls[0].(map[string]interface{})
	fn, _ := first["function"].(map[string]interface{})
	if fn == nil {
		return "", nil, errMissingArguments
	}
	switch args := fn["arguments"].(type) {
	case string:
		return args, nil, nil
	case map[string]interface{}:
		return "", args, nil
	default:
		return "", nil, errMissingArguments
	}
}

var errMissingArguments = errors.New("tool_calls[0].function.arguments missing")

// sanitizePayload strips control characters from every string and
// normalizes line endings before validation.
func sanitizePayload(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = sanitizePayload(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = sanitizePayload(vv)
		}
		return out
	case string:
		s := strings.ReplaceAll(t, "\r\n", "\n")
		s = strings.ReplaceAll(s, "\r", "\n")
		return ctrlCharRe.ReplaceAllString(s, "")
	default:
		return v
	}
}

func (s *Server) lookupIdempotent(ctx context.Context, apiKey, idemKey string) ([]byte, bool) {
	cacheKey := "idem:" + apiKey + ":" + idemKey
	if s.Cache != nil {
		if cached, err := s.Cache.Get(ctx, cacheKey); err == nil {
			return []byte(cached), true
		}
	}
	snapshot, err := s.Store.GetIdempotent(ctx, apiKey, idemKey)
	if err != nil {
		return nil, false
	}
	if s.Cache != nil {
		_ = s.Cache.Set(ctx, cacheKey, string(snapshot), s.IdemCacheTTL)
	}
	return snapshot, true
}

func (s *Server) storeIdempotent(ctx context.Context, apiKey, idemKey string, snapshot []byte) {
	if _, _, err := s.Store.PutIdempotent(ctx, apiKey, idemKey, snapshot); err != nil {
		return
	}
	if s.Cache != nil {
		_ = s.Cache.Set(ctx, "idem:"+apiKey+":"+idemKey, string(snapshot), s.IdemCacheTTL)
	}
}

func recordFromReceipt(r models.Receipt) (store.Record, error) {
	policyBlob, err := json.Marshal(r.Policy)
	if err != nil {
		return store.Record{}, err
	}
	rec := store.Record{
		TraceID:         r.TraceID,
		Hop:             r.Hop,
		TS:              r.TS,
		Tenant:          r.Tenant,
		CID:             r.CID,
		CanonBytes:      []byte(r.Canon),
		Algo:            r.Algo,
		PrevReceiptHash: r.PrevReceiptHash,
		ReceiptHash:     r.ReceiptHash,
		PolicyBlob:      policyBlob,
		FallbackUsed:    r.FallbackUsed,
		FUTokens:        r.FUTokens,
		Signature:       r.Signature,
		Kid:             r.Kid,
	}
	if r.Forwarded != nil {
		blob, err := json.Marshal(r.Forwarded)
		if err != nil {
			return store.Record{}, err
		}
		rec.ForwardedBlob = blob
	}
	if len(r.SemanticViolations) > 0 {
		blob, err := json.Marshal(r.SemanticViolations)
		if err != nil {
			return store.Record{}, err
		}
		rec.SemanticViolations = blob
	}
	return rec, nil
}

func receiptFromRecord(rec store.Record) (models.Receipt, error) {
	r := models.Receipt{
		TraceID:         rec.TraceID,
		Hop:             rec.Hop,
		TS:              rec.TS,
		Tenant:          rec.Tenant,
		CID:             rec.CID,
		Canon:           string(rec.CanonBytes),
		Algo:            rec.Algo,
		PrevReceiptHash: rec.PrevReceiptHash,
		ReceiptHash:     rec.ReceiptHash,
		FallbackUsed:    rec.FallbackUsed,
		FUTokens:        rec.FUTokens,
		Signature:       rec.Signature,
		Kid:             rec.Kid,
	}
	if err := json.Unmarshal(rec.PolicyBlob, &r.Policy); err != nil {
		return models.Receipt{}, err
	}
	if len(rec.ForwardedBlob) > 0 {
		var fw models.ForwardResult
		if err := json.Unmarshal(rec.ForwardedBlob, &fw); err != nil {
			return models.Receipt{}, err
		}
		r.Forwarded = &fw
	}
	if len(rec.SemanticViolations) > 0 {
		if err := json.Unmarshal(rec.SemanticViolations, &r.SemanticViolations); err != nil {
			return models.Receipt{}, err
		}
	}
	return r, nil
}

func traceFromSnapshot(snapshot []byte) string {
	var probe struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(snapshot, &probe); err != nil {
		return ""
	}
	return probe.TraceID
}

func headerValue(r *http.Request, names ...string) string {
	for _, name := range names {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

func clip(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
