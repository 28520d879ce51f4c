package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/Maverick0351a/signet-protocol/pkg/config"
	"github.com/Maverick0351a/signet-protocol/pkg/httpx"
	"github.com/Maverick0351a/signet-protocol/pkg/jcs"
	"github.com/Maverick0351a/signet-protocol/pkg/metering"
	"github.com/Maverick0351a/signet-protocol/pkg/models"
	"github.com/Maverick0351a/signet-protocol/pkg/store"
	"github.com/Maverick0351a/signet-protocol/pkg/stream"
)

// authenticate resolves the API key against the pinned config snapshot.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (*config.Snapshot, string, config.TenantConfig, bool) {
	apiKey := headerValue(r, headerAPIKey, headerAPIKeyLegacy)
	if apiKey == "" {
		httpx.Error(w, http.StatusUnauthorized, "missing api key header")
		return nil, "", config.TenantConfig{}, false
	}
	snap := s.Config.Snapshot()
	tenantCfg, ok := snap.TenantForKey(apiKey)
	if !ok {
		httpx.Error(w, http.StatusUnauthorized, "invalid api key")
		return nil, "", config.TenantConfig{}, false
	}
	return snap, apiKey, tenantCfg, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	storageName := s.Store.Name()
	if err := s.Store.Health(r.Context()); err != nil {
		storageName = "unavailable"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"storage": storageName,
		"ts":      s.now().UTC().Format("2006-01-02T15:04:05Z"),
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Signer.JWKS())
}

func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	_, _, tenantCfg, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	traceID := chi.URLParam(r, "trace_id")
	chain, err := s.loadTenantChain(r.Context(), traceID, tenantCfg.Tenant)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if chain == nil {
		chain = []models.Receipt{}
	}
	httpx.WriteJSON(w, http.StatusOK, chain)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	_, _, tenantCfg, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	traceID := chi.URLParam(r, "trace_id")
	s.writeExportBundle(w, r, traceID, tenantCfg.Tenant)
}

func (s *Server) handleExportBundle(w http.ResponseWriter, r *http.Request) {
	_, _, tenantCfg, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.TraceID == "" {
		httpx.Error(w, http.StatusBadRequest, "trace_id required")
		return
	}
	s.writeExportBundle(w, r, req.TraceID, tenantCfg.Tenant)
}

// writeExportBundle assembles {trace_id, chain, exported_at}, computes the
// bundle CID over its canonical form, signs the CID, and echoes the
// verification material in protocol headers.
func (s *Server) writeExportBundle(w http.ResponseWriter, r *http.Request, traceID, tenant string) {
	chain, err := s.loadTenantChain(r.Context(), traceID, tenant)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if len(chain) == 0 {
		httpx.Error(w, http.StatusNotFound, "trace not found")
		return
	}
	bundle := models.ExportBundle{
		TraceID:    traceID,
		Chain:      chain,
		ExportedAt: s.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "bundle encoding failed")
		return
	}
	cid, err := jcs.CIDForJSON(raw)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "bundle canonicalization failed")
		return
	}
	bundle.BundleCID = cid
	bundle.Signature, bundle.Kid = s.Signer.SignBytes([]byte(cid))

	w.Header().Set(headerResponseCID, bundle.BundleCID)
	w.Header().Set(headerSignature, bundle.Signature)
	w.Header().Set(headerKid, bundle.Kid)
	httpx.WriteJSON(w, http.StatusOK, bundle)
}

// loadTenantChain reads a chain and enforces tenant isolation: a trace
// owned by another tenant reads as absent.
func (s *Server) loadTenantChain(ctx context.Context, traceID, tenant string) ([]models.Receipt, error) {
	records, err := s.Store.GetChain(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	if records[0].Tenant != tenant {
		return nil, nil
	}
	chain := make([]models.Receipt, 0, len(records))
	for _, rec := range records {
		receipt, err := receiptFromRecord(rec)
		if err != nil {
			return nil, err
		}
		chain = append(chain, receipt)
	}
	return chain, nil
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	snap, _, tenantCfg, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	month := store.MonthOf(s.now().UTC())
	usage, err := s.Store.GetMonthlyUsage(r.Context(), tenantCfg.Tenant, month)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "storage failure")
		return
	}
	reserved := snap.ReservedFor(tenantCfg.Tenant)
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"tenant": tenantCfg.Tenant,
		"month":  month,
		"vex":    metering.ComputeOverage(usage.VEx, reserved.VExReserved, reserved.VExTiers),
		"fu":     metering.ComputeOverage(usage.FUTokens, reserved.FUReserved, reserved.FUTiers),
	})
}

func (s *Server) handleReloadReserved(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	if err := s.Config.Reload(); err != nil {
		httpx.Error(w, http.StatusInternalServerError, "reload failed: "+clip(err.Error()))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) streamReceipts(w http.ResponseWriter, r *http.Request) {
	if _, _, _, ok := s.authenticate(w, r); !ok {
		return
	}
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
