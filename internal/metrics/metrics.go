package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpClientRequestsTotal   *prometheus.CounterVec
	httpClientRequestDuration *prometheus.HistogramVec
	httpClientInFlight        prometheus.Gauge
	opsRequestsTotal          *prometheus.CounterVec
	opsRequestDuration        *prometheus.HistogramVec
	initializeHTTPMetricsOnce sync.Once
)

// initializeHTTPMetrics registers outbound and ops-server HTTP metrics
func initializeHTTPMetrics() {
	initializeHTTPMetricsOnce.Do(func() {
		// Outbound: every call to a FHIR or token endpoint
		httpClientRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_client_requests_total",
				Help: "Total number of outbound HTTP requests",
			},
			[]string{"host", "method", "status"},
		)

		httpClientRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_client_request_duration_seconds",
				Help:    "Duration of outbound HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"host", "method"},
		)

		httpClientInFlight = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_client_in_flight_requests",
				Help: "Number of outbound HTTP requests awaiting a response",
			},
		)

		// Inbound: the ops server
		opsRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests served by the ops server",
			},
			[]string{"method", "route", "status"},
		)

		opsRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of ops server requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		)

		Registry().MustRegister(
			httpClientRequestsTotal,
			httpClientRequestDuration,
			httpClientInFlight,
			opsRequestsTotal,
			opsRequestDuration,
		)
	})
}

// RecordClientRequest records one outbound HTTP round trip. statusCode is 0
// on transport failure.
func RecordClientRequest(host, method string, statusCode int, duration time.Duration) {
	if !businessEnabled.Load() {
		return
	}
	initializeHTTPMetrics()

	status := "error"
	if statusCode > 0 {
		status = strconv.Itoa(statusCode)
	}
	httpClientRequestsTotal.WithLabelValues(host, method, status).Inc()
	httpClientRequestDuration.WithLabelValues(host, method).Observe(duration.Seconds())
}

func incInFlight() {
	if !businessEnabled.Load() {
		return
	}
	initializeHTTPMetrics()
	httpClientInFlight.Inc()
}

func decInFlight() {
	if !businessEnabled.Load() {
		return
	}
	initializeHTTPMetrics()
	httpClientInFlight.Dec()
}

// RecordOpsRequest records metrics for a request served by the ops server
func RecordOpsRequest(method, route string, statusCode int, duration time.Duration) {
	if !businessEnabled.Load() {
		return
	}
	initializeHTTPMetrics()

	opsRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	opsRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
