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

// Registry holds the counters and latency histograms this service
// exposes over Handler/PrometheusHandler.
type Registry struct {
	mu                sync.RWMutex
	endpoint          map[string]*EndpointStat
	gauges            map[string]float64
	wsSessionsOpened  int64
	wsSessionsAuthed  int64
	savesScheduled    int64
	savesCompleted    int64
	accessDeniedCount int64
	httpRequestsTotal int64
	Histograms        *HistogramRegistry
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
	GeneratedAt            string                  `json:"generated_at"`
	Endpoints              map[string]EndpointStat `json:"endpoints"`
	Gauges                 map[string]float64      `json:"gauges"`
	WsSessionsOpened       int64                   `json:"ws_sessions_opened_total"`
	WsSessionsAuthenticated int64                  `json:"ws_sessions_authenticated_total"`
	SavesScheduled         int64                   `json:"saves_scheduled_total"`
	SavesCompleted         int64                   `json:"saves_completed_total"`
	AccessDeniedCount      int64                   `json:"access_denied_total"`
	HTTPRequestsTotal      int64                   `json:"http_requests_total"`
	Histograms             []HistogramSnapshot     `json:"histograms,omitempty"`
}

// NewRegistry constructs an empty Registry, ready for concurrent use.
func NewRegistry() *Registry {
	return &Registry{
		endpoint:   map[string]*EndpointStat{},
		gauges:     map[string]float64{},
		Histograms: NewHistogramRegistry(),
	}
}

// ObserveLatency records a latency sample under name in the histogram
// registry (e.g. per WS message type, per HTTP route).
func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// Observe records one HTTP request against path: count, error rate
// (status >= 400), and latency stats.
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
	r.httpRequestsTotal++
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

// IncWSSessionOpened counts a new WebSocket connection accepted by the
// listener, before Authenticate succeeds.
func (r *Registry) IncWSSessionOpened() {
	r.mu.Lock()
	r.wsSessionsOpened++
	r.mu.Unlock()
}

// IncWSSessionAuthenticated counts a session that completed
// Authenticate, whatever role set the credential resolved to.
func (r *Registry) IncWSSessionAuthenticated() {
	r.mu.Lock()
	r.wsSessionsAuthed++
	r.mu.Unlock()
}

// IncSaveScheduled counts a call to Store.ScheduleSave, regardless of
// whether it armed a new timer or coalesced into a pending one.
func (r *Registry) IncSaveScheduled() {
	r.mu.Lock()
	r.savesScheduled++
	r.mu.Unlock()
}

// IncSaveCompleted counts a store file actually written to disk.
func (r *Registry) IncSaveCompleted() {
	r.mu.Lock()
	r.savesCompleted++
	r.mu.Unlock()
}

// IncAccessDenied counts an Authenticate attempt rejected because its
// credential has no entry under Roles.
func (r *Registry) IncAccessDenied() {
	r.mu.Lock()
	r.accessDeniedCount++
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
		GeneratedAt:             time.Now().UTC().Format(time.RFC3339),
		Endpoints:               make(map[string]EndpointStat, len(r.endpoint)),
		Gauges:                  make(map[string]float64, len(r.gauges)),
		WsSessionsOpened:        r.wsSessionsOpened,
		WsSessionsAuthenticated: r.wsSessionsAuthed,
		SavesScheduled:          r.savesScheduled,
		SavesCompleted:          r.savesCompleted,
		AccessDeniedCount:       r.accessDeniedCount,
		HTTPRequestsTotal:       r.httpRequestsTotal,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
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

		b.WriteString("# HELP alfred_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE alfred_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "alfred_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP alfred_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE alfred_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "alfred_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP alfred_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE alfred_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "alfred_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP alfred_endpoint_total_millis endpoint total time in milliseconds\n")
		b.WriteString("# TYPE alfred_endpoint_total_millis counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "alfred_endpoint_total_millis{endpoint=%q} %d\n", ep, stat.TotalMillis)
		}
		b.WriteString("# HELP alfred_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE alfred_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "alfred_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}

		b.WriteString("# HELP alfred_gauge operational gauge metrics\n")
		b.WriteString("# TYPE alfred_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "alfred_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		for _, h := range snap.Histograms {
			b.WriteString("# HELP alfred_latency_seconds latency histogram\n")
			b.WriteString("# TYPE alfred_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "alfred_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "alfred_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "alfred_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "alfred_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "alfred_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "alfred_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "alfred_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		b.WriteString("# HELP alfred_ws_sessions_opened_total WebSocket connections accepted\n")
		b.WriteString("# TYPE alfred_ws_sessions_opened_total counter\n")
		fmt.Fprintf(b, "alfred_ws_sessions_opened_total %d\n", snap.WsSessionsOpened)

		b.WriteString("# HELP alfred_ws_sessions_authenticated_total WebSocket sessions that authenticated\n")
		b.WriteString("# TYPE alfred_ws_sessions_authenticated_total counter\n")
		fmt.Fprintf(b, "alfred_ws_sessions_authenticated_total %d\n", snap.WsSessionsAuthenticated)

		b.WriteString("# HELP alfred_saves_scheduled_total store saves scheduled\n")
		b.WriteString("# TYPE alfred_saves_scheduled_total counter\n")
		fmt.Fprintf(b, "alfred_saves_scheduled_total %d\n", snap.SavesScheduled)

		b.WriteString("# HELP alfred_saves_completed_total store saves written to disk\n")
		b.WriteString("# TYPE alfred_saves_completed_total counter\n")
		fmt.Fprintf(b, "alfred_saves_completed_total %d\n", snap.SavesCompleted)

		b.WriteString("# HELP alfred_access_denied_total authentication attempts rejected for an unknown credential\n")
		b.WriteString("# TYPE alfred_access_denied_total counter\n")
		fmt.Fprintf(b, "alfred_access_denied_total %d\n", snap.AccessDeniedCount)

		b.WriteString("# HELP alfred_http_requests_total total HTTP requests served\n")
		b.WriteString("# TYPE alfred_http_requests_total counter\n")
		fmt.Fprintf(b, "alfred_http_requests_total %d\n", snap.HTTPRequestsTotal)

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
