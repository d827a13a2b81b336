package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the broker.
type Metrics struct {
	// Ingress metrics
	QueriesSubmitted *prometheus.CounterVec
	QueriesRejected  *prometheus.CounterVec

	// Dispatch metrics
	DispatchDuration *prometheus.HistogramVec
	DispatchRetries  *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec

	// Realm metrics
	RealmProcessed   *prometheus.CounterVec
	RealmErrors      *prometheus.CounterVec
	RealmConnections *prometheus.GaugeVec

	// Worker metrics
	WorkerHealth  *prometheus.GaugeVec
	WorkersActive *prometheus.GaugeVec

	// Federation metrics
	CrossRealmQueries      prometheus.Counter
	CrossFederationQueries prometheus.Counter
	FailedRoutes           prometheus.Counter
	PeersFresh             prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics on a dedicated
// registry so tests can construct multiple instances.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueriesSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_queries_submitted_total",
				Help: "Total number of queries accepted at ingress",
			},
			[]string{"realm", "query_type"},
		),
		QueriesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_queries_rejected_total",
				Help: "Total number of queries rejected at ingress",
			},
			[]string{"reason"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_dispatch_duration_seconds",
				Help:    "Duration of remote worker dispatch calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"realm", "status"},
		),
		DispatchRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_dispatch_retries_total",
				Help: "Total number of dispatch retries against a different worker",
			},
			[]string{"realm"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_queue_depth",
				Help: "Current depth of a realm dispatch queue",
			},
			[]string{"realm"},
		),
		RealmProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_realm_processed_total",
				Help: "Total queries that reached a terminal result in a realm",
			},
			[]string{"realm", "status"},
		),
		RealmErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_realm_errors_total",
				Help: "Total terminal query failures per realm",
			},
			[]string{"realm"},
		),
		RealmConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_realm_connections",
				Help: "Current in-flight queries per realm",
			},
			[]string{"realm"},
		),
		WorkerHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_worker_health_score",
				Help: "Current health score of a worker",
			},
			[]string{"realm", "address"},
		),
		WorkersActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "broker_workers_active",
				Help: "Number of non-blacklisted workers per realm",
			},
			[]string{"realm"},
		),
		CrossRealmQueries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_cross_realm_queries_total",
				Help: "Total queries dispatched through a different local realm",
			},
		),
		CrossFederationQueries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_cross_federation_queries_total",
				Help: "Total queries forwarded to a federation peer",
			},
		),
		FailedRoutes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "broker_failed_routes_total",
				Help: "Total queries that exhausted all routing fallbacks",
			},
		),
		PeersFresh: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_federation_peers_fresh",
				Help: "Number of federation peers within the staleness window",
			},
		),
	}
}

// RecordSubmission records an accepted ingress query.
func (m *Metrics) RecordSubmission(realm, queryType string) {
	m.QueriesSubmitted.WithLabelValues(realm, queryType).Inc()
}

// RecordRejection records a rejected ingress query.
func (m *Metrics) RecordRejection(reason string) {
	m.QueriesRejected.WithLabelValues(reason).Inc()
}

// RecordDispatch records one remote worker call.
func (m *Metrics) RecordDispatch(realm, status string, seconds float64) {
	m.DispatchDuration.WithLabelValues(realm, status).Observe(seconds)
}

// RecordRetry records a dispatch retry.
func (m *Metrics) RecordRetry(realm string) {
	m.DispatchRetries.WithLabelValues(realm).Inc()
}

// RecordTerminal records a terminal query outcome for a realm.
func (m *Metrics) RecordTerminal(realm, status string) {
	m.RealmProcessed.WithLabelValues(realm, status).Inc()
	if status != "ok" && status != "canceled" {
		m.RealmErrors.WithLabelValues(realm).Inc()
	}
}

// SetQueueDepth updates the queue depth gauge for a realm.
func (m *Metrics) SetQueueDepth(realm string, depth int) {
	m.QueueDepth.WithLabelValues(realm).Set(float64(depth))
}

// SetWorkerHealth updates the health score gauge for a worker.
func (m *Metrics) SetWorkerHealth(realm, address string, score float64) {
	m.WorkerHealth.WithLabelValues(realm, address).Set(score)
}
