package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the router's prometheus collectors. Each Metrics value
// registers on its own registerer so tests never share collectors.
type Metrics struct {
	decisions     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	notifyErrors  *prometheus.CounterVec
	sweepEntries  *prometheus.CounterVec
	fieldImpact   prometheus.Histogram
	routeDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attune_routing_decisions_total",
			Help: "Routing decisions by tier and reason",
		}, []string{"tier", "reason"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attune_deliveries_total",
			Help: "Delivery executions by tier and outcome",
		}, []string{"tier", "outcome"}),
		notifyErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attune_notification_failures_total",
			Help: "Best-effort notifications that failed to dispatch",
		}, []string{"kind"}),
		sweepEntries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "attune_sweep_entries_total",
			Help: "Queue entries processed by the sweeper by outcome",
		}, []string{"outcome"}),
		fieldImpact: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "attune_field_impact",
			Help:    "Field impact per routed message",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.3, 0.5},
		}),
		routeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "attune_route_duration_seconds",
			Help:    "Wall time of RouteMessage including gentle preparation waits",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
	}
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	reason := d.Reason
	if d.Tier == TierSilent {
		// silent reasons name the recipient's activity, which is free text
		reason = "silent activity"
	}
	m.decisions.WithLabelValues(string(d.Tier), reason).Inc()
}

func (m *Metrics) delivery(tier Tier, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.deliveries.WithLabelValues(string(tier), outcome).Inc()
}

func (m *Metrics) notifyFailed(kind string) {
	if m == nil {
		return
	}
	m.notifyErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) sweep(outcome string) {
	if m == nil {
		return
	}
	m.sweepEntries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) routed(impact, seconds float64) {
	if m == nil {
		return
	}
	m.fieldImpact.Observe(impact)
	m.routeDuration.Observe(seconds)
}
