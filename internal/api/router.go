// Package api exposes a small read-only HTTP surface over the
// scanner's trade journal and health status, for dashboards and
// on-call tooling that shouldn't have to scrape /healthz or open the
// CSV journal directly.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"trading-systemv1/internal/journal"
)

// TradesReader is the slice of internal/journal the API needs.
type TradesReader interface {
	Recent(limit int) ([]journal.Record, error)
}

// NewRouter builds the HTTP mux for the status API. health is served
// via /api/v1/health so operators can point a single dashboard at
// this port instead of the Prometheus metrics port.
func NewRouter(trades TradesReader, health http.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/health", health)

	mux.HandleFunc("/api/v1/trades/recent", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}

		records, err := trades.Recent(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	})

	return mux
}
