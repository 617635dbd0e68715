// Package scanmetrics exposes Prometheus metrics and a /healthz probe
// for the box-spread scanner.
package scanmetrics

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the scanner.
type Metrics struct {
	CyclesTotal     prometheus.Counter
	CycleDur        prometheus.Histogram
	ExpiriesScanned prometheus.Counter
	ExpiryErrors    prometheus.Counter

	QuotesFetched   prometheus.Counter
	QuoteBatchDur   prometheus.Histogram
	RateLimitWaits  *prometheus.CounterVec // labels: key
	InstrumentsLoad prometheus.Counter

	CandidatesEvaluated prometheus.Counter
	CandidatesFiltered  *prometheus.CounterVec // labels: reason
	CandidatesFound     prometheus.Counter

	OrdersPlaced     *prometheus.CounterVec // labels: mode=live|paper
	OrderErrors      prometheus.Counter
	AuthLogins       prometheus.Counter
	AuthLoginFailure prometheus.Counter
}

// NewMetrics registers and returns all scanner metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_cycles_total",
			Help: "Total scan cycles run",
		}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "boxscanner_cycle_duration_seconds",
			Help:    "Wall-clock duration of one scan cycle",
			Buckets: prometheus.DefBuckets,
		}),
		ExpiriesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_expiries_scanned_total",
			Help: "Total expiries evaluated across all cycles",
		}),
		ExpiryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_expiry_errors_total",
			Help: "Expiries whose evaluation failed and was skipped",
		}),

		QuotesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_quotes_fetched_total",
			Help: "Total instrument quotes fetched from the broker",
		}),
		QuoteBatchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "boxscanner_quote_batch_duration_seconds",
			Help:    "Latency of one quote batch request",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boxscanner_rate_limit_waits_total",
			Help: "Times a call blocked waiting on a rate limiter, by key",
		}, []string{"key"}),
		InstrumentsLoad: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_instruments_loaded_total",
			Help: "Instrument master refreshes performed",
		}),

		CandidatesEvaluated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_candidates_evaluated_total",
			Help: "Total strike-pair candidates priced and risk-checked",
		}),
		CandidatesFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boxscanner_candidates_filtered_total",
			Help: "Candidates rejected, by reason",
		}, []string{"reason"}),
		CandidatesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_candidates_found_total",
			Help: "Candidates that passed all filters",
		}),

		OrdersPlaced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "boxscanner_orders_placed_total",
			Help: "Box-spread orders placed, by execution mode",
		}, []string{"mode"}),
		OrderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_order_errors_total",
			Help: "Order placements that failed",
		}),
		AuthLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_auth_logins_total",
			Help: "Broker sessions generated",
		}),
		AuthLoginFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "boxscanner_auth_login_failures_total",
			Help: "Broker session generation failures",
		}),
	}

	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleDur,
		m.ExpiriesScanned,
		m.ExpiryErrors,
		m.QuotesFetched,
		m.QuoteBatchDur,
		m.RateLimitWaits,
		m.InstrumentsLoad,
		m.CandidatesEvaluated,
		m.CandidatesFiltered,
		m.CandidatesFound,
		m.OrdersPlaced,
		m.OrderErrors,
		m.AuthLogins,
		m.AuthLoginFailure,
	)

	return m
}

// HealthStatus represents scanner liveness for the /healthz probe.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerAuthed       bool      `json:"broker_authed"`
	InstrumentsFresh   bool      `json:"instruments_fresh"`
	LastCycleAt        time.Time `json:"last_cycle_at"`
	LastCycleErr       string    `json:"last_cycle_err,omitempty"`
	LastCandidateCount int       `json:"last_candidate_count"`
	StartedAt          time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetBrokerAuthed(v bool) {
	h.mu.Lock()
	h.BrokerAuthed = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetInstrumentsFresh(v bool) {
	h.mu.Lock()
	h.InstrumentsFresh = v
	h.mu.Unlock()
}

// RecordCycle records the outcome of a completed scan cycle.
func (h *HealthStatus) RecordCycle(candidateCount int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastCycleAt = time.Now()
	h.LastCandidateCount = candidateCount
	if err != nil {
		h.LastCycleErr = err.Error()
	} else {
		h.LastCycleErr = ""
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.BrokerAuthed {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if h.LastCycleErr != "" {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	status := struct {
		Status             string `json:"status"`
		Uptime             string `json:"uptime"`
		BrokerAuthed       bool   `json:"broker_authed"`
		InstrumentsFresh   bool   `json:"instruments_fresh"`
		LastCycleAt        string `json:"last_cycle_at"`
		LastCycleErr       string `json:"last_cycle_err,omitempty"`
		LastCandidateCount int    `json:"last_candidate_count"`
	}{
		Status:             overallStatus,
		Uptime:             time.Since(h.StartedAt).Round(time.Second).String(),
		BrokerAuthed:       h.BrokerAuthed,
		InstrumentsFresh:   h.InstrumentsFresh,
		LastCycleAt:        h.LastCycleAt.Format(time.RFC3339),
		LastCycleErr:       h.LastCycleErr,
		LastCandidateCount: h.LastCandidateCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[scanmetrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[scanmetrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
