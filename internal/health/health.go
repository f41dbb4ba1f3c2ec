// SPDX-License-Identifier: MIT

// Package health provides a passive, pull-only HTTP surface over a
// SourceManager's metrics and failover history: a JSON /healthz for
// probes/dashboards and a hand-rolled Prometheus text /metrics
// endpoint, mirroring the teacher's health.Handler split.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// SourceInfo describes the health state of a single source adapter, as
// surfaced to the /healthz and /metrics endpoints.
type SourceInfo struct {
	Name              string        `json:"name"`
	State             string        `json:"state"`
	Active            bool          `json:"active"`
	Uptime            time.Duration `json:"uptime_ns"`
	Healthy           bool          `json:"healthy"`
	LastError         string        `json:"last_error,omitempty"`
	RestartCount      int           `json:"restart_count"`
	ConsecutiveFails  int           `json:"consecutive_failures"`
	RingFillFraction  float64       `json:"ring_fill_fraction"`
	Overruns          uint64        `json:"overruns"`
	Underruns         uint64        `json:"underruns"`
	PeakDB            float64       `json:"peak_db"`
	RMSDB             float64       `json:"rms_db"`
	SamplesPerSec     float64       `json:"samples_per_sec"`
	ResourceAlerts    int           `json:"resource_alerts"`
}

// FailoverInfo is the JSON-serializable view of one manager.FailoverEvent.
type FailoverInfo struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Note      string    `json:"note,omitempty"`
}

// StatusProvider returns the current health snapshot of all sources.
// The daemon implements this interface over its SourceManager.
type StatusProvider interface {
	Sources() []SourceInfo
	ActiveSource() string
	RecentFailovers(limit int) []FailoverInfo
}

// Response is the JSON body returned by /healthz.
type Response struct {
	Status       string         `json:"status"`
	Timestamp    time.Time      `json:"timestamp"`
	ActiveSource string         `json:"active_source,omitempty"`
	Sources      []SourceInfo   `json:"sources"`
	Failovers    []FailoverInfo `json:"recent_failovers,omitempty"`
}

// Handler serves the /healthz and /metrics endpoints.
type Handler struct {
	provider StatusProvider
}

// NewHandler creates a health check HTTP handler over provider.
func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// ServeHTTP implements http.Handler, routing to /healthz and /metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/metrics":
		h.serveMetrics(w, r)
	default:
		h.serveHealth(w, r)
	}
}

// status values: healthy (an active source is serving with no degraded
// sources), degraded (active source is serving but some source is
// unhealthy, or the active source itself is Degraded), outage (no
// source is serving — every adapter has reached GivingUp or none is
// configured). "outage" is never downgraded to "unhealthy": an
// operator scanning logs for the literal string must see it
// unambiguously, per the manager's never-synthesize-silence design.
func (h *Handler) serveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := Response{Timestamp: time.Now()}

	var sources []SourceInfo
	if h.provider != nil {
		sources = h.provider.Sources()
		resp.ActiveSource = h.provider.ActiveSource()
		resp.Failovers = h.provider.RecentFailovers(10)
	}
	resp.Sources = sources

	resp.Status = deriveStatus(resp.ActiveSource, sources)

	w.Header().Set("Content-Type", "application/json")
	if resp.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(resp)
}

func deriveStatus(active string, sources []SourceInfo) string {
	if active == "" {
		return "outage"
	}
	allGivingUp := len(sources) > 0
	for _, s := range sources {
		if s.State != "giving_up" {
			allGivingUp = false
			break
		}
	}
	if allGivingUp {
		return "outage"
	}
	for _, s := range sources {
		if s.Name == active && s.State != "healthy" {
			return "degraded"
		}
	}
	for _, s := range sources {
		if !s.Healthy {
			return "degraded"
		}
	}
	return "healthy"
}

// serveMetrics writes a Prometheus text-format metrics response. This
// implements a minimal subset of the exposition format without an
// external dependency — no prometheus/client_golang import required,
// matching the teacher's own hand-rolled metrics endpoint.
func (h *Handler) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var sb strings.Builder

	var sources []SourceInfo
	if h.provider != nil {
		sources = h.provider.Sources()
	}

	if len(sources) > 0 {
		fmt.Fprintln(&sb, "# HELP eas_source_healthy Is the source currently healthy (1=healthy, 0=not).")
		fmt.Fprintln(&sb, "# TYPE eas_source_healthy gauge")
		for _, s := range sources {
			v := 0
			if s.Healthy {
				v = 1
			}
			fmt.Fprintf(&sb, "eas_source_healthy{source=%q} %d\n", s.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_active Is the source currently the active pipeline source.")
		fmt.Fprintln(&sb, "# TYPE eas_source_active gauge")
		for _, s := range sources {
			v := 0
			if s.Active {
				v = 1
			}
			fmt.Fprintf(&sb, "eas_source_active{source=%q} %d\n", s.Name, v)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_uptime_seconds Seconds since the source was last started.")
		fmt.Fprintln(&sb, "# TYPE eas_source_uptime_seconds gauge")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_uptime_seconds{source=%q} %.3f\n", s.Name, s.Uptime.Seconds())
		}

		fmt.Fprintln(&sb, "# HELP eas_source_restarts_total Total restart attempts for the source.")
		fmt.Fprintln(&sb, "# TYPE eas_source_restarts_total counter")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_restarts_total{source=%q} %d\n", s.Name, s.RestartCount)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_ring_fill_fraction Source ring buffer fill fraction.")
		fmt.Fprintln(&sb, "# TYPE eas_source_ring_fill_fraction gauge")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_ring_fill_fraction{source=%q} %.4f\n", s.Name, s.RingFillFraction)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_ring_overruns_total Total ring buffer overruns for the source.")
		fmt.Fprintln(&sb, "# TYPE eas_source_ring_overruns_total counter")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_ring_overruns_total{source=%q} %d\n", s.Name, s.Overruns)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_peak_db Peak amplitude of the source's last window, in dBFS.")
		fmt.Fprintln(&sb, "# TYPE eas_source_peak_db gauge")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_peak_db{source=%q} %.2f\n", s.Name, s.PeakDB)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_samples_per_sec Observed decoded samples/sec over the last rate window.")
		fmt.Fprintln(&sb, "# TYPE eas_source_samples_per_sec gauge")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_samples_per_sec{source=%q} %.2f\n", s.Name, s.SamplesPerSec)
		}

		fmt.Fprintln(&sb, "# HELP eas_source_resource_alerts Count of active process resource alerts (fd/cpu/memory).")
		fmt.Fprintln(&sb, "# TYPE eas_source_resource_alerts gauge")
		for _, s := range sources {
			fmt.Fprintf(&sb, "eas_source_resource_alerts{source=%q} %d\n", s.Name, s.ResourceAlerts)
		}
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sb.String()))
}

// ListenAndServe starts the health HTTP server on addr. It shuts down
// gracefully when ctx is cancelled.
func ListenAndServe(ctx context.Context, addr string, handler http.Handler) error {
	return ListenAndServeReady(ctx, addr, handler, nil)
}

// ListenAndServeReady starts the health HTTP server and signals
// readiness. Binds the listener synchronously so bind failures (e.g.
// port already in use) are returned immediately rather than surfacing
// only after ctx.Done(). Once listening, ready is closed if non-nil.
func ListenAndServeReady(ctx context.Context, addr string, handler http.Handler, ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	if ready != nil {
		close(ready)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return <-errCh
}
