// Package metrics exposes Prometheus instrumentation for the embedding and
// retrieval pipeline.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docqa"

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// ProviderCalls counts provider requests. Labels: provider, outcome (ok, error)
	ProviderCalls *prometheus.CounterVec

	// BudgetExhausted counts providers being marked exhausted. Labels: provider
	BudgetExhausted *prometheus.CounterVec

	// Fallbacks counts embed calls served by a provider other than the one
	// first selected. Labels: from, to
	Fallbacks *prometheus.CounterVec

	// DimensionMismatch counts queries whose provider dimensionality differs
	// from the dominant corpus dimensionality. Labels: stage (route, query)
	DimensionMismatch *prometheus.CounterVec

	// RouteDecisions counts router outcomes. Labels: provider, degraded
	RouteDecisions *prometheus.CounterVec

	RetrievalDuration prometheus.Histogram

	// StoredRecords tracks records per dimensionality. Labels: dimensionality
	StoredRecords *prometheus.GaugeVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProviderCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "provider_calls_total",
			Help:      "Embedding provider requests by outcome",
		}, []string{"provider", "outcome"}),
		BudgetExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "budget_exhausted_total",
			Help:      "Times a provider was marked exhausted for its budget window",
		}, []string{"provider"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "fallbacks_total",
			Help:      "Embed calls served by a provider other than the preferred or first selected one",
		}, []string{"from", "to"}),
		DimensionMismatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "dimension_mismatch_total",
			Help:      "Queries embedded with a dimensionality other than the corpus majority",
		}, []string{"stage"}),
		RouteDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "decisions_total",
			Help:      "Query provider routing decisions",
		}, []string{"provider", "degraded"}),
		RetrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "End-to-end retrieval latency",
			Buckets:   prometheus.DefBuckets,
		}),
		StoredRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "records",
			Help:      "Embedding records by dimensionality",
		}, []string{"dimensionality"}),
	}
}

func (m *Metrics) ProviderCall(provider string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Exhausted(provider string) {
	if m == nil {
		return
	}
	m.BudgetExhausted.WithLabelValues(provider).Inc()
}

func (m *Metrics) Fallback(from, to string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) Mismatch(stage string) {
	if m == nil {
		return
	}
	m.DimensionMismatch.WithLabelValues(stage).Inc()
}

func (m *Metrics) Route(provider string, degraded bool) {
	if m == nil {
		return
	}
	m.RouteDecisions.WithLabelValues(provider, strconv.FormatBool(degraded)).Inc()
}

func (m *Metrics) ObserveRetrieval(start time.Time) {
	if m == nil {
		return
	}
	m.RetrievalDuration.Observe(time.Since(start).Seconds())
}

// SetProfile replaces the per-dimensionality record gauges.
func (m *Metrics) SetProfile(counts map[int]int) {
	if m == nil {
		return
	}
	m.StoredRecords.Reset()
	for dim, n := range counts {
		m.StoredRecords.WithLabelValues(strconv.Itoa(dim)).Set(float64(n))
	}
}
