// Package monitoring holds the Prometheus metrics for the API.
package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// HTTP surface
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Job pipeline
	JobsSubmitted  *prometheus.CounterVec
	CallbacksTotal *prometheus.CounterVec

	// Unlock state machine
	UnlocksTotal         *prometheus.CounterVec
	ChainConsumeDuration *prometheus.HistogramVec

	// Topups
	TopupsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg. main passes
// prometheus.DefaultRegisterer; tests pass a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kangklip_http_requests_total",
				Help: "HTTP requests by route, method and status code",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kangklip_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		JobsSubmitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kangklip_jobs_submitted_total",
				Help: "Job submissions by outcome",
			},
			[]string{"outcome"}, // outcome: dispatched, rejected, failed
		),

		CallbacksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kangklip_callbacks_total",
				Help: "Worker callbacks by reported status",
			},
			[]string{"status"}, // status: RUNNING, SUCCEEDED, FAILED, rejected
		),

		UnlocksTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kangklip_unlocks_total",
				Help: "Clip unlock attempts by outcome",
			},
			[]string{"outcome"}, // outcome: new, replay, insufficient, chain_failure, conflict
		),

		ChainConsumeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kangklip_chain_consume_duration_seconds",
				Help:    "Duration of on-chain credit consumes",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 60},
			},
			[]string{"result"}, // result: confirmed, submit_failed, tx_failed, timeout, error
		),

		TopupsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "kangklip_topups_total",
				Help: "Topup confirmations by result",
			},
			[]string{"result"}, // result: credited, replay, rejected
		),
	}
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(route, method string, status int, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}

// RecordJobSubmitted records a job submission outcome.
func (m *Metrics) RecordJobSubmitted(outcome string) {
	m.JobsSubmitted.WithLabelValues(outcome).Inc()
}

// RecordCallback records a worker callback by status.
func (m *Metrics) RecordCallback(status string) {
	m.CallbacksTotal.WithLabelValues(status).Inc()
}

// RecordUnlock records an unlock attempt outcome.
func (m *Metrics) RecordUnlock(outcome string) {
	m.UnlocksTotal.WithLabelValues(outcome).Inc()
}

// RecordChainConsume records one on-chain consume attempt.
func (m *Metrics) RecordChainConsume(result string, seconds float64) {
	m.ChainConsumeDuration.WithLabelValues(result).Observe(seconds)
}

// RecordTopup records a topup confirmation result.
func (m *Metrics) RecordTopup(result string) {
	m.TopupsTotal.WithLabelValues(result).Inc()
}
