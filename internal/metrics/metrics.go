// Package metrics exposes the service's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// to prevent metrics from being registered multiple times
	isInitVar uint32

	signRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sign_requests_total",
		Help: "The total number of verify-and-sign requests by execution mode and outcome",
	}, []string{"mode", "outcome"})

	provisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "provisions_total",
		Help: "The total number of key-share-set provisioning attempts by outcome",
	}, []string{"outcome"})

	signnetRequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signnet_request_latency_milliseconds",
		Help:    "Latency of signing-network fan-out operations",
		Buckets: prometheus.LinearBuckets(5, 50, 12),
	}, []string{"operation", "outcome"})

	jwksFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jwks_fetches_total",
		Help: "The total number of issuer key-set fetches by outcome",
	}, []string{"outcome"})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_processed_total",
		Help: "The total number of processed HTTP API requests",
	}, []string{"method", "endpoint"})

	httpResponseTime = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_time_milliseconds",
		Help:    "HTTP API response time distributions",
		Buckets: []float64{1, 10, 50, 100, 200, 300, 400, 500},
	}, []string{"method", "endpoint"})
)

func setIsInit() {
	atomic.StoreUint32(&isInitVar, 1)
}

func isInit() bool {
	return atomic.LoadUint32(&isInitVar) == 1
}

// Init registers all metrics. Safe to call more than once.
func Init() {
	if isInit() {
		return
	}
	setIsInit()

	prometheus.MustRegister(signRequestsTotal)
	prometheus.MustRegister(provisionsTotal)
	prometheus.MustRegister(signnetRequestLatency)
	prometheus.MustRegister(jwksFetchesTotal)
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpResponseTime)
}

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSignRequest counts one verify-and-sign request.
func RecordSignRequest(mode, outcome string) {
	if !isInit() {
		return
	}
	signRequestsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordProvision counts one provisioning attempt.
func RecordProvision(outcome string) {
	if !isInit() {
		return
	}
	provisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSignnetRequest records a signing-network fan-out latency.
func ObserveSignnetRequest(operation, outcome string, d time.Duration) {
	if !isInit() {
		return
	}
	signnetRequestLatency.WithLabelValues(operation, outcome).Observe(float64(d.Milliseconds()))
}

// RecordJWKSFetch counts one issuer key-set fetch.
func RecordJWKSFetch(outcome string) {
	if !isInit() {
		return
	}
	jwksFetchesTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest records an HTTP API request and its latency.
func ObserveHTTPRequest(method, endpoint string, d time.Duration) {
	if !isInit() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, endpoint).Inc()
	httpResponseTime.WithLabelValues(method, endpoint).Observe(float64(d.Milliseconds()))
}
