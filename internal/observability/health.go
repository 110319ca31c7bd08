package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes /healthz and /readyz for one job. The job is ready
// once its source is consuming; the last committed batch time is reported
// alongside.
type HealthServer struct {
	job        string
	ready      atomic.Bool
	lastCommit atomic.Int64
}

// NewHealthServer creates a new health server for job.
func NewHealthServer(job string) *HealthServer {
	return &HealthServer{job: job}
}

// SetReady marks the job as consuming.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// MarkCommitted records that a batch was acknowledged at t.
func (h *HealthServer) MarkCommitted(t time.Time) {
	h.lastCommit.Store(t.UnixNano())
}

// Mux serves /metrics from g next to the health endpoints.
func (h *HealthServer) Mux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	h.register(mux)
	return mux
}

func (h *HealthServer) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"job": h.job}
	if ns := h.lastCommit.Load(); ns != 0 {
		body["lastCommit"] = time.Unix(0, ns).UTC().Format(time.RFC3339Nano)
	}
	if !h.ready.Load() {
		body["status"] = "not ready"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	body["status"] = "ready"
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, body map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
