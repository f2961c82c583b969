package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	fhirRequestsTotal         *prometheus.CounterVec
	fhirRequestDuration       *prometheus.HistogramVec
	fhirRetriesTotal          *prometheus.CounterVec
	tokenRequestsTotal        *prometheus.CounterVec
	tokenCacheHitsTotal       *prometheus.CounterVec
	bundleAssemblyDuration    *prometheus.HistogramVec
	bundleDegradedCategories  *prometheus.CounterVec
	syntheticPatientsServed   *prometheus.CounterVec
	initializeFHIRMetricsOnce sync.Once
)

// initializeFHIRMetrics registers the client metrics with the singleton registry
func initializeFHIRMetrics() {
	initializeFHIRMetricsOnce.Do(func() {
		fhirRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_requests_total",
				Help: "Total number of requests sent to FHIR sources",
			},
			[]string{"source", "resource_type", "status_code"},
		)

		fhirRequestDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fhir_request_duration_seconds",
				Help:    "Time spent waiting on FHIR sources, retries included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "resource_type"},
		)

		fhirRetriesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fhir_request_retries_total",
				Help: "Total number of retried FHIR requests",
			},
			[]string{"source"},
		)

		tokenRequestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_token_requests_total",
				Help: "Total number of token endpoint exchanges",
			},
			[]string{"vendor", "outcome"},
		)

		tokenCacheHitsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oauth_token_cache_hits_total",
				Help: "Total number of token lookups served from the cache",
			},
			[]string{"vendor"},
		)

		bundleAssemblyDuration = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "patient_bundle_assembly_duration_seconds",
				Help:    "Time spent assembling a patient data bundle",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"source", "degraded"},
		)

		bundleDegradedCategories = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "patient_bundle_degraded_categories_total",
				Help: "Total number of bundle categories replaced by an empty list",
			},
			[]string{"source", "category"},
		)

		syntheticPatientsServed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synthetic_patient_fallbacks_total",
				Help: "Total number of sandbox searches answered with placeholder patients",
			},
			[]string{"source"},
		)

		Registry().MustRegister(
			fhirRequestsTotal,
			fhirRequestDuration,
			fhirRetriesTotal,
			tokenRequestsTotal,
			tokenCacheHitsTotal,
			bundleAssemblyDuration,
			bundleDegradedCategories,
			syntheticPatientsServed,
		)
	})
}

// RecordFHIRRequest records one logical FHIR request. statusCode is 0 when
// no response arrived.
func RecordFHIRRequest(source, resourceType string, startTime time.Time, statusCode int) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	fhirRequestsTotal.WithLabelValues(source, resourceType, strconv.Itoa(statusCode)).Inc()
	fhirRequestDuration.WithLabelValues(source, resourceType).Observe(time.Since(startTime).Seconds())
}

// RecordRetry counts a retried attempt against a source
func RecordRetry(source string) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	fhirRetriesTotal.WithLabelValues(source).Inc()
}

// RecordTokenRequest counts a token exchange with outcome "success" or "failure"
func RecordTokenRequest(vendor, outcome string) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	tokenRequestsTotal.WithLabelValues(vendor, outcome).Inc()
}

// RecordTokenCacheHit counts a token served without a network call
func RecordTokenCacheHit(vendor string) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	tokenCacheHitsTotal.WithLabelValues(vendor).Inc()
}

// RecordBundleAssembly records the duration of one bundle build
func RecordBundleAssembly(source string, startTime time.Time, degraded bool) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	bundleAssemblyDuration.WithLabelValues(source, strconv.FormatBool(degraded)).Observe(time.Since(startTime).Seconds())
}

// RecordDegradedCategory counts a category that fell back to an empty list
func RecordDegradedCategory(source, category string) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	bundleDegradedCategories.WithLabelValues(source, category).Inc()
}

// RecordSyntheticFallback counts a sandbox search answered with placeholders
func RecordSyntheticFallback(source string) {
	if !businessEnabled.Load() {
		return
	}
	initializeFHIRMetrics()

	syntheticPatientsServed.WithLabelValues(source).Inc()
}
