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

// Registry is a hand-rolled metrics registry: per-endpoint latency, commit
// classification counts (one bucket per taxonomy failure class), and replay
// pass/fail counts by engine kind. It renders its own Prometheus exposition
// text alongside a JSON snapshot.
type Registry struct {
	mu             sync.RWMutex
	endpoint       map[string]*EndpointStat
	classification map[string]int64
	replayOutcome  map[string]int64
	gauges         map[string]float64
	Histograms     *HistogramRegistry
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
	GeneratedAt    string                  `json:"generated_at"`
	Endpoints      map[string]EndpointStat `json:"endpoints"`
	Classification map[string]int64        `json:"classification"`
	ReplayOutcome  map[string]int64        `json:"replay_outcome"`
	Gauges         map[string]float64      `json:"gauges"`
	Histograms     []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:       map[string]*EndpointStat{},
		classification: map[string]int64{},
		replayOutcome:  map[string]int64{},
		gauges:         map[string]float64{},
		Histograms:     NewHistogramRegistry(),
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

// IncClassification counts one commit outcome by its taxonomy class
// (ACCEPT, SCHEMA_REJECT, HASH_MISMATCH, ...).
func (r *Registry) IncClassification(class string) {
	class = strings.TrimSpace(class)
	if class == "" {
		return
	}
	r.mu.Lock()
	r.classification[class]++
	r.mu.Unlock()
}

// IncReplayOutcome counts one replay run by `<replay_type>|<result>`, e.g.
// "invariant|pass" or "forensic|fail".
func (r *Registry) IncReplayOutcome(replayType, result string) {
	replayType = strings.TrimSpace(replayType)
	result = strings.TrimSpace(result)
	if replayType == "" {
		return
	}
	if result == "" {
		result = "unknown"
	}
	key := replayType + "|" + result
	r.mu.Lock()
	r.replayOutcome[key]++
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
		GeneratedAt:    time.Now().UTC().Format(time.RFC3339),
		Endpoints:      make(map[string]EndpointStat, len(r.endpoint)),
		Classification: make(map[string]int64, len(r.classification)),
		ReplayOutcome:  make(map[string]int64, len(r.replayOutcome)),
		Gauges:         make(map[string]float64, len(r.gauges)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.classification {
		out.Classification[k] = v
	}
	for k, v := range r.replayOutcome {
		out.ReplayOutcome[k] = v
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
		b.WriteString("# HELP ledger_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE ledger_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ledger_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP ledger_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE ledger_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ledger_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP ledger_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE ledger_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ledger_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP ledger_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE ledger_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "ledger_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP ledger_commit_classification_total commit outcomes by failure-taxonomy class\n")
		b.WriteString("# TYPE ledger_commit_classification_total counter\n")
		for _, class := range SortedKeys(snap.Classification) {
			fmt.Fprintf(b, "ledger_commit_classification_total{class=%q} %d\n", class, snap.Classification[class])
		}
		b.WriteString("# HELP ledger_replay_outcome_total replay runs by engine and result\n")
		b.WriteString("# TYPE ledger_replay_outcome_total counter\n")
		for _, key := range SortedKeys(snap.ReplayOutcome) {
			parts := strings.SplitN(key, "|", 2)
			replayType := parts[0]
			result := "unknown"
			if len(parts) == 2 {
				result = parts[1]
			}
			fmt.Fprintf(b, "ledger_replay_outcome_total{replay_type=%q,result=%q} %d\n", replayType, result, snap.ReplayOutcome[key])
		}
		b.WriteString("# HELP ledger_gauge operational gauge metrics\n")
		b.WriteString("# TYPE ledger_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "ledger_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP ledger_latency_seconds latency histogram\n")
			b.WriteString("# TYPE ledger_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "ledger_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "ledger_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "ledger_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "ledger_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "ledger_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "ledger_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "ledger_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
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
