// Package opsapi serves the operational endpoints of a running chartprep
// process: metrics, health and the source catalogue.
package opsapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"stealthcompany.com/chartprep/internal/clinical"
	"stealthcompany.com/chartprep/internal/metrics"
)

// SourceLister is the part of chart.Service the ops endpoints need.
type SourceLister interface {
	ListSources() []clinical.SourceInfo
	DefaultSource() string
}

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status        string   `json:"status"`
	Environment   string   `json:"environment"`
	DefaultSource string   `json:"default_source"`
	Sources       []string `json:"sources"`
	AuditEnabled  bool     `json:"audit_enabled"`
}

// Info is static process information reported by /healthz
type Info struct {
	Environment  string
	AuditEnabled bool
}

// SetupRoutes configures and returns the ops router
func SetupRoutes(svc SourceLister, info Info) *mux.Router {
	r := mux.NewRouter()

	r.Use(metrics.MetricsMiddleware)

	r.HandleFunc("/healthz", HealthHandler(svc, info)).Methods("GET")
	r.HandleFunc("/sources", SourcesHandler(svc)).Methods("GET")

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")

	return r
}

// HealthHandler reports liveness and which sources are configured
func HealthHandler(svc SourceLister, info Info) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos := svc.ListSources()
		ids := make([]string, 0, len(infos))
		for _, s := range infos {
			ids = append(ids, s.ID)
		}

		writeJSON(w, http.StatusOK, HealthResponse{
			Status:        "healthy",
			Environment:   info.Environment,
			DefaultSource: svc.DefaultSource(),
			Sources:       ids,
			AuditEnabled:  info.AuditEnabled,
		})
	}
}

// SourcesHandler lists the selectable sources
func SourcesHandler(svc SourceLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.ListSources())
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
