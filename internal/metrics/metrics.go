package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine
type Metrics struct {
	// Operation queue metrics
	PendingOperationsTotal   prometheus.Gauge
	OperationsEnqueuedTotal  *prometheus.CounterVec
	OperationsCollapsedTotal prometheus.Counter

	// Push metrics
	PushesTotal      *prometheus.CounterVec
	PushDuration     prometheus.Histogram
	PushedItemsTotal prometheus.Counter
	PushErrorsTotal  *prometheus.CounterVec
	ConflictsTotal   prometheus.Counter

	// Pull metrics
	PullsTotal       *prometheus.CounterVec
	PullDuration     prometheus.Histogram
	PulledItemsTotal prometheus.Counter
	PullPagesTotal   prometheus.Counter

	// Local store metrics
	StoreUpsertsTotal prometheus.Counter
	StoreDeletesTotal prometheus.Counter
	StoreReadDuration prometheus.Histogram
}

// New creates and registers all metrics on the given registerer. Pass a
// fresh prometheus.NewRegistry from tests so registration never collides.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Operation queue metrics
		PendingOperationsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "offsync",
			Subsystem: "queue",
			Name:      "pending_operations_total",
			Help:      "Current number of pending operations awaiting push",
		}),
		OperationsEnqueuedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "queue",
			Name:      "operations_enqueued_total",
			Help:      "Total number of operations enqueued by kind",
		}, []string{"kind"}),
		OperationsCollapsedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "queue",
			Name:      "operations_collapsed_total",
			Help:      "Total number of operations collapsed into an existing pending operation",
		}),

		// Push metrics
		PushesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "push",
			Name:      "pushes_total",
			Help:      "Total number of push runs by completion status",
		}, []string{"status"}),
		PushDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offsync",
			Subsystem: "push",
			Name:      "duration_seconds",
			Help:      "Histogram of push run durations",
			Buckets:   prometheus.DefBuckets,
		}),
		PushedItemsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "push",
			Name:      "items_total",
			Help:      "Total number of operations successfully pushed",
		}),
		PushErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "push",
			Name:      "errors_total",
			Help:      "Total number of push item failures by reason",
		}, []string{"reason"}),
		ConflictsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "push",
			Name:      "conflicts_total",
			Help:      "Total number of server conflicts detected during push",
		}),

		// Pull metrics
		PullsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "pull",
			Name:      "pulls_total",
			Help:      "Total number of pull runs by outcome",
		}, []string{"outcome"}),
		PullDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offsync",
			Subsystem: "pull",
			Name:      "duration_seconds",
			Help:      "Histogram of pull run durations",
			Buckets:   prometheus.DefBuckets,
		}),
		PulledItemsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "pull",
			Name:      "items_total",
			Help:      "Total number of records pulled from the remote table",
		}),
		PullPagesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "pull",
			Name:      "pages_total",
			Help:      "Total number of pages fetched during pulls",
		}),

		// Local store metrics
		StoreUpsertsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "store",
			Name:      "upserts_total",
			Help:      "Total number of records upserted into the local store",
		}),
		StoreDeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offsync",
			Subsystem: "store",
			Name:      "deletes_total",
			Help:      "Total number of records deleted from the local store",
		}),
		StoreReadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "offsync",
			Subsystem: "store",
			Name:      "read_duration_seconds",
			Help:      "Histogram of local store read durations",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordPush records metrics for a completed push run
func (m *Metrics) RecordPush(status string, duration float64, pushed int) {
	m.PushesTotal.WithLabelValues(status).Inc()
	m.PushDuration.Observe(duration)
	m.PushedItemsTotal.Add(float64(pushed))
}

// RecordPushError records a single failed push item
func (m *Metrics) RecordPushError(reason string) {
	m.PushErrorsTotal.WithLabelValues(reason).Inc()
}

// RecordConflict records a server conflict detected during push
func (m *Metrics) RecordConflict() {
	m.ConflictsTotal.Inc()
}

// RecordPull records metrics for a completed pull run
func (m *Metrics) RecordPull(outcome string, duration float64, items, pages int) {
	m.PullsTotal.WithLabelValues(outcome).Inc()
	m.PullDuration.Observe(duration)
	m.PulledItemsTotal.Add(float64(items))
	m.PullPagesTotal.Add(float64(pages))
}

// RecordEnqueue records a newly enqueued operation
func (m *Metrics) RecordEnqueue(kind string) {
	m.OperationsEnqueuedTotal.WithLabelValues(kind).Inc()
}

// RecordCollapse records an operation collapsed into an existing one
func (m *Metrics) RecordCollapse() {
	m.OperationsCollapsedTotal.Inc()
}

// UpdatePendingOperations updates the pending operation gauge
func (m *Metrics) UpdatePendingOperations(count int64) {
	m.PendingOperationsTotal.Set(float64(count))
}
