package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution outcomes recorded by the resolver.
const (
	OutcomeCreatedPrimary   = "created_primary"
	OutcomeCreatedSecondary = "created_secondary"
	OutcomeMatched          = "matched"
	OutcomeInvalid          = "invalid"
	OutcomeError            = "error"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	Resolutions     *prometheus.CounterVec
	ContactsCreated *prometheus.CounterVec
	ClustersMerged  prometheus.Counter
	RequestDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_resolutions_total",
			Help: "Identify calls by outcome",
		}, []string{"outcome"}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_contacts_created_total",
			Help: "Contacts inserted by link precedence",
		}, []string{"link_precedence"}),
		ClustersMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "identity_clusters_merged_total",
			Help: "Primary contacts demoted into an older cluster",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "identity_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
}

// ObserveResolution counts one resolve call. Safe on a nil receiver.
func (m *Metrics) ObserveResolution(outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(outcome).Inc()
}

// ObserveContactCreated counts one inserted contact. Safe on a nil receiver.
func (m *Metrics) ObserveContactCreated(precedence string) {
	if m == nil {
		return
	}
	m.ContactsCreated.WithLabelValues(precedence).Inc()
}

// ObserveMerge counts demoted primaries. Safe on a nil receiver.
func (m *Metrics) ObserveMerge(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ClustersMerged.Add(float64(n))
}
