// Package metrics holds the Prometheus collectors for the dispatch loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mr1hm/go-fire-dispatch/internal/models"
)

const namespace = "fire_dispatch"

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	Polls         prometheus.Counter
	Dispatches    *prometheus.CounterVec
	Recoveries    prometheus.Counter
	Notifications *prometheus.CounterVec
	AtRisk        *prometheus.GaugeVec
	Checkpoint    prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Polls: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Number of change checks against the watched layer.",
		}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Number of dispatch cycles by result.",
		}, []string{"result"}),
		Recoveries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Number of session rebuilds after remote errors.",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
		AtRisk: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "at_risk_features",
			Help:      "Features in each derived at-risk layer after the last dispatch.",
		}, []string{"layer"}),
		Checkpoint: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_timestamp_ms",
			Help:      "Watched-layer timestamp of the last successful dispatch, epoch ms.",
		}),
	}
}

func (m *Metrics) ObserveDispatch(ok bool) {
	m.Dispatches.WithLabelValues(result(ok)).Inc()
}

func (m *Metrics) ObserveNotification(sink string, ok bool) {
	m.Notifications.WithLabelValues(sink, result(ok)).Inc()
}

func (m *Metrics) SetAtRisk(layer models.LayerRole, n int) {
	m.AtRisk.WithLabelValues(string(layer)).Set(float64(n))
}

func (m *Metrics) SetCheckpoint(ts int64) {
	m.Checkpoint.Set(float64(ts))
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}
