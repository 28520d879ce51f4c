package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the in-process metrics surface for the exchange pipeline.
// Counters mirror the protocol's billable and security-relevant events.
type Registry struct {
	mu                 sync.RWMutex
	endpoint           map[string]*EndpointStat
	exchanges          int64
	idempotentHits     int64
	denied             map[string]int64
	forwardsByHost     map[string]int64
	forwardErrors      map[string]int64
	repairAttempts     int64
	repairSuccess      int64
	fallbackUsed       int64
	semanticViolations int64
	vexUnits           int64
	fuTokens           int64
	billingEnqueues    map[string]int64
	gauges             map[string]float64
	Histograms         *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Exchanges          int64                   `json:"exchanges_total"`
	IdempotentHits     int64                   `json:"idempotent_hits_total"`
	Denied             map[string]int64        `json:"denied_total"`
	ForwardsByHost     map[string]int64        `json:"forward_total"`
	ForwardErrors      map[string]int64        `json:"forward_errors_total"`
	RepairAttempts     int64                   `json:"repair_attempts_total"`
	RepairSuccess      int64                   `json:"repair_success_total"`
	FallbackUsed       int64                   `json:"fallback_used_total"`
	SemanticViolations int64                   `json:"semantic_violation_total"`
	VExUnits           int64                   `json:"vex_units_total"`
	FUTokens           int64                   `json:"fu_tokens_total"`
	BillingEnqueues    map[string]int64        `json:"billing_enqueue_total"`
	Gauges             map[string]float64      `json:"gauges"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:        map[string]*EndpointStat{},
		denied:          map[string]int64{},
		forwardsByHost:  map[string]int64{},
		forwardErrors:   map[string]int64{},
		billingEnqueues: map[string]int64{},
		gauges:          map[string]float64{},
		Histograms:      NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncExchange() {
	r.mu.Lock()
	r.exchanges++
	r.mu.Unlock()
}

func (r *Registry) IncIdempotentHit() {
	r.mu.Lock()
	r.idempotentHits++
	r.mu.Unlock()
}

func (r *Registry) IncDenied(reason string) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "unknown"
	}
	r.mu.Lock()
	r.denied[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncForward(host string) {
	if host == "" {
		return
	}
	r.mu.Lock()
	r.forwardsByHost[host]++
	r.mu.Unlock()
}

func (r *Registry) IncForwardError(reason string) {
	if reason == "" {
		return
	}
	r.mu.Lock()
	r.forwardErrors[reason]++
	r.mu.Unlock()
}

func (r *Registry) IncRepairAttempt() {
	r.mu.Lock()
	r.repairAttempts++
	r.mu.Unlock()
}

func (r *Registry) IncRepairSuccess() {
	r.mu.Lock()
	r.repairSuccess++
	r.mu.Unlock()
}

func (r *Registry) IncFallbackUsed() {
	r.mu.Lock()
	r.fallbackUsed++
	r.mu.Unlock()
}

func (r *Registry) IncSemanticViolation() {
	r.mu.Lock()
	r.semanticViolations++
	r.mu.Unlock()
}

func (r *Registry) AddVEx(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.vexUnits += n
	r.mu.Unlock()
}

func (r *Registry) AddFUTokens(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.fuTokens += n
	r.mu.Unlock()
}

func (r *Registry) IncBillingEnqueue(unit string) {
	if unit == "" {
		return
	}
	r.mu.Lock()
	r.billingEnqueues[unit]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:        time.Now().UTC().Format(time.RFC3339),
		Endpoints:          make(map[string]EndpointStat, len(r.endpoint)),
		Exchanges:          r.exchanges,
		IdempotentHits:     r.idempotentHits,
		Denied:             make(map[string]int64, len(r.denied)),
		ForwardsByHost:     make(map[string]int64, len(r.forwardsByHost)),
		ForwardErrors:      make(map[string]int64, len(r.forwardErrors)),
		RepairAttempts:     r.repairAttempts,
		RepairSuccess:      r.repairSuccess,
		FallbackUsed:       r.fallbackUsed,
		SemanticViolations: r.semanticViolations,
		VExUnits:           r.vexUnits,
		FUTokens:           r.fuTokens,
		BillingEnqueues:    make(map[string]int64, len(r.billingEnqueues)),
		Gauges:             make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.denied {
		out.Denied[k] = v
	}
	for k, v := range r.forwardsByHost {
		out.ForwardsByHost[k] = v
	}
	for k, v := range r.forwardErrors {
		out.ForwardErrors[k] = v
	}
	for k, v := range r.billingEnqueues {
		out.BillingEnqueues[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP signet_exchanges_total verified exchanges completed\n")
		b.WriteString("# TYPE signet_exchanges_total counter\n")
		fmt.Fprintf(b, "signet_exchanges_total %d\n", snap.Exchanges)
		b.WriteString("# HELP signet_idempotent_hits_total idempotent replays served\n")
		b.WriteString("# TYPE signet_idempotent_hits_total counter\n")
		fmt.Fprintf(b, "signet_idempotent_hits_total %d\n", snap.IdempotentHits)
		b.WriteString("# HELP signet_denied_total HEL policy denials by reason\n")
		b.WriteString("# TYPE signet_denied_total counter\n")
		for _, reason := range SortedKeys(snap.Denied) {
			fmt.Fprintf(b, "signet_denied_total{reason=%q} %d\n", reason, snap.Denied[reason])
		}
		b.WriteString("# HELP signet_forward_total pinned forwards by host\n")
		b.WriteString("# TYPE signet_forward_total counter\n")
		for _, host := range SortedKeys(snap.ForwardsByHost) {
			fmt.Fprintf(b, "signet_forward_total{host=%q} %d\n", host, snap.ForwardsByHost[host])
		}
		b.WriteString("# HELP signet_forward_errors_total forward failures by reason\n")
		b.WriteString("# TYPE signet_forward_errors_total counter\n")
		for _, reason := range SortedKeys(snap.ForwardErrors) {
			fmt.Fprintf(b, "signet_forward_errors_total{reason=%q} %d\n", reason, snap.ForwardErrors[reason])
		}
		b.WriteString("# HELP signet_repair_attempts_total argument repair attempts\n")
		b.WriteString("# TYPE signet_repair_attempts_total counter\n")
		fmt.Fprintf(b, "signet_repair_attempts_total %d\n", snap.RepairAttempts)
		b.WriteString("# HELP signet_repair_success_total heuristic repairs that parsed\n")
		b.WriteString("# TYPE signet_repair_success_total counter\n")
		fmt.Fprintf(b, "signet_repair_success_total %d\n", snap.RepairSuccess)
		b.WriteString("# HELP signet_fallback_used_total exchanges that used the model fallback\n")
		b.WriteString("# TYPE signet_fallback_used_total counter\n")
		fmt.Fprintf(b, "signet_fallback_used_total %d\n", snap.FallbackUsed)
		b.WriteString("# HELP signet_semantic_violation_total repairs rejected by invariants\n")
		b.WriteString("# TYPE signet_semantic_violation_total counter\n")
		fmt.Fprintf(b, "signet_semantic_violation_total %d\n", snap.SemanticViolations)
		b.WriteString("# HELP signet_vex_units_total verified exchange units metered\n")
		b.WriteString("# TYPE signet_vex_units_total counter\n")
		fmt.Fprintf(b, "signet_vex_units_total %d\n", snap.VExUnits)
		b.WriteString("# HELP signet_fu_tokens_total fallback unit tokens metered\n")
		b.WriteString("# TYPE signet_fu_tokens_total counter\n")
		fmt.Fprintf(b, "signet_fu_tokens_total %d\n", snap.FUTokens)
		b.WriteString("# HELP signet_billing_enqueue_total billing buffer enqueues by unit\n")
		b.WriteString("# TYPE signet_billing_enqueue_total counter\n")
		for _, unit := range SortedKeys(snap.BillingEnqueues) {
			fmt.Fprintf(b, "signet_billing_enqueue_total{type=%q} %d\n", unit, snap.BillingEnqueues[unit])
		}
		b.WriteString("# HELP signet_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE signet_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "signet_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP signet_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE signet_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "signet_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP signet_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE signet_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "signet_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP signet_gauge operational gauge metrics\n")
		b.WriteString("# TYPE signet_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "signet_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP signet_latency_seconds latency histogram\n")
			b.WriteString("# TYPE signet_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "signet_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "signet_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "signet_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "signet_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
