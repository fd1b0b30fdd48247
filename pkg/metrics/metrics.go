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

type Registry struct {
	mu               sync.RWMutex
	endpoint         map[string]*EndpointStat
	category         map[string]int64
	model            map[string]int64
	gauges           map[string]float64
	breakerState     map[string]string
	draftState       map[string]int64
	telemetryDropped int64
	autoRefunds      int64
	overruns         int64
	inferenceLatency InferenceLatencyStat
	Histograms       *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type InferenceLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt        string                  `json:"generated_at"`
	Endpoints          map[string]EndpointStat `json:"endpoints"`
	Categories         map[string]int64        `json:"categories"`
	Models             map[string]int64        `json:"models"`
	Gauges             map[string]float64      `json:"gauges"`
	BreakerStates      map[string]string       `json:"breaker_states"`
	DraftTotals        map[string]int64        `json:"draft_totals"`
	TelemetryDropped   int64                   `json:"telemetry_dropped_total"`
	BudgetAutoRefunds  int64                   `json:"budget_auto_refund_total"`
	BudgetOverruns     int64                   `json:"budget_overrun_total"`
	InferenceLatencyMS InferenceLatencyStat    `json:"inference_latency_ms"`
	Histograms         []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:     map[string]*EndpointStat{},
		category:     map[string]int64{},
		model:        map[string]int64{},
		gauges:       map[string]float64{},
		breakerState: map[string]string{},
		draftState:   map[string]int64{},
		Histograms:   NewHistogramRegistry(),
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

// IncCategory counts a governed request outcome by failure category.
// Successful requests pass "OK".
func (r *Registry) IncCategory(category string) {
	category = strings.TrimSpace(category)
	if category == "" {
		category = "OK"
	}
	r.mu.Lock()
	r.category[category]++
	r.mu.Unlock()
}

func (r *Registry) IncModel(model string) {
	if model == "" {
		return
	}
	r.mu.Lock()
	r.model[model]++
	r.mu.Unlock()
}

func (r *Registry) ObserveInferenceLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inferenceLatency.Count++
	r.inferenceLatency.TotalMS += ms
	r.inferenceLatency.LastMS = ms
	if ms > r.inferenceLatency.MaxMS {
		r.inferenceLatency.MaxMS = ms
	}
	r.inferenceLatency.AvgMS = float64(r.inferenceLatency.TotalMS) / float64(r.inferenceLatency.Count)
}

// SetBreakerState records the current circuit state for a model.
func (r *Registry) SetBreakerState(model, state string) {
	if model == "" || state == "" {
		return
	}
	r.mu.Lock()
	r.breakerState[model] = state
	r.mu.Unlock()
}

// AddDraftState counts workbench status transitions.
func (r *Registry) AddDraftState(state string, delta int64) {
	state = strings.TrimSpace(strings.ToUpper(state))
	if state == "" || delta <= 0 {
		return
	}
	r.mu.Lock()
	r.draftState[state] += delta
	r.mu.Unlock()
}

func (r *Registry) IncDraftState(state string) {
	r.AddDraftState(state, 1)
}

func (r *Registry) IncTelemetryDropped() {
	r.mu.Lock()
	r.telemetryDropped++
	r.mu.Unlock()
}

func (r *Registry) AddAutoRefunds(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.autoRefunds += int64(n)
	r.mu.Unlock()
}

func (r *Registry) IncOverrun() {
	r.mu.Lock()
	r.overruns++
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
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Categories:        make(map[string]int64, len(r.category)),
		Models:            make(map[string]int64, len(r.model)),
		Gauges:            make(map[string]float64, len(r.gauges)),
		BreakerStates:     make(map[string]string, len(r.breakerState)),
		DraftTotals:       make(map[string]int64, len(r.draftState)),
		TelemetryDropped:  r.telemetryDropped,
		BudgetAutoRefunds: r.autoRefunds,
		BudgetOverruns:    r.overruns,
		InferenceLatencyMS: InferenceLatencyStat{
			Count:   r.inferenceLatency.Count,
			TotalMS: r.inferenceLatency.TotalMS,
			MaxMS:   r.inferenceLatency.MaxMS,
			LastMS:  r.inferenceLatency.LastMS,
			AvgMS:   r.inferenceLatency.AvgMS,
		},
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.category {
		out.Categories[k] = v
	}
	for k, v := range r.model {
		out.Models[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.breakerState {
		out.BreakerStates[k] = v
	}
	for k, v := range r.draftState {
		out.DraftTotals[k] = v
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
		b.WriteString("# HELP adlc_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE adlc_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "adlc_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP adlc_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE adlc_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "adlc_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP adlc_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE adlc_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "adlc_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP adlc_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE adlc_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "adlc_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP adlc_request_category_total governed request outcomes by category\n")
		b.WriteString("# TYPE adlc_request_category_total counter\n")
		for _, cat := range SortedKeys(snap.Categories) {
			fmt.Fprintf(b, "adlc_request_category_total{category=%q} %d\n", cat, snap.Categories[cat])
		}
		b.WriteString("# HELP adlc_model_requests_total inference calls by model\n")
		b.WriteString("# TYPE adlc_model_requests_total counter\n")
		for _, m := range SortedKeys(snap.Models) {
			fmt.Fprintf(b, "adlc_model_requests_total{model=%q} %d\n", m, snap.Models[m])
		}
		b.WriteString("# HELP adlc_gauge operational gauge metrics\n")
		b.WriteString("# TYPE adlc_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "adlc_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP adlc_latency_seconds latency histogram\n")
			b.WriteString("# TYPE adlc_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "adlc_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "adlc_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "adlc_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "adlc_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "adlc_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "adlc_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "adlc_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP adlc_breaker_state circuit state per model (1 = current state)\n")
		b.WriteString("# TYPE adlc_breaker_state gauge\n")
		for _, model := range SortedKeys(snap.BreakerStates) {
			fmt.Fprintf(b, "adlc_breaker_state{model=%q,state=%q} 1\n", model, snap.BreakerStates[model])
		}

		b.WriteString("# HELP adlc_draft_transition_total workbench draft transitions by state\n")
		b.WriteString("# TYPE adlc_draft_transition_total counter\n")
		for _, state := range SortedKeys(snap.DraftTotals) {
			fmt.Fprintf(b, "adlc_draft_transition_total{state=%q} %d\n", state, snap.DraftTotals[state])
		}

		b.WriteString("# HELP adlc_inference_latency_ms upstream inference latency in ms\n")
		b.WriteString("# TYPE adlc_inference_latency_ms gauge\n")
		fmt.Fprintf(b, "adlc_inference_latency_ms{stat=%q} %d\n", "last", snap.InferenceLatencyMS.LastMS)
		fmt.Fprintf(b, "adlc_inference_latency_ms{stat=%q} %.3f\n", "avg", snap.InferenceLatencyMS.AvgMS)
		fmt.Fprintf(b, "adlc_inference_latency_ms{stat=%q} %d\n", "max", snap.InferenceLatencyMS.MaxMS)

		b.WriteString("# HELP adlc_telemetry_dropped_total audit records dropped on a full queue\n")
		b.WriteString("# TYPE adlc_telemetry_dropped_total counter\n")
		fmt.Fprintf(b, "adlc_telemetry_dropped_total %d\n", snap.TelemetryDropped)

		b.WriteString("# HELP adlc_budget_auto_refund_total expired reservations reclaimed by the ledger sweep\n")
		b.WriteString("# TYPE adlc_budget_auto_refund_total counter\n")
		fmt.Fprintf(b, "adlc_budget_auto_refund_total %d\n", snap.BudgetAutoRefunds)

		b.WriteString("# HELP adlc_budget_overrun_total commits clamped by the overrun slack\n")
		b.WriteString("# TYPE adlc_budget_overrun_total counter\n")
		fmt.Fprintf(b, "adlc_budget_overrun_total %d\n", snap.BudgetOverruns)

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
