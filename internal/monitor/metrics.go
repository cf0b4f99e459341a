// Package monitor exposes engine observability: prometheus metrics and
// periodic host statistics.
package monitor

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/opsarch/nodewatch/internal/model"
	"github.com/opsarch/nodewatch/internal/notify"
)

// Metrics holds the engine's prometheus collectors. It plugs into the
// aggregation and notification paths as a sample publisher and a
// notification channel respectively.
type Metrics struct {
	samplesTotal     *prometheus.CounterVec
	nodeStatus       *prometheus.GaugeVec
	responseTime     prometheus.Histogram
	alertTransitions *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		samplesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodewatch",
			Name:      "health_samples_total",
			Help:      "Health samples recorded, by resulting status.",
		}, []string{"status"}),
		nodeStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nodewatch",
			Name:      "node_status",
			Help:      "Last observed status per node (1 for the active status).",
		}, []string{"node_id", "status"}),
		responseTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nodewatch",
			Name:      "node_response_time_ms",
			Help:      "Average node response time per sample in milliseconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}),
		alertTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nodewatch",
			Name:      "alert_transitions_total",
			Help:      "Alert lifecycle transitions that passed notification filters.",
		}, []string{"transition", "severity"}),
	}
}

// PublishSample implements aggregate.Publisher.
func (m *Metrics) PublishSample(sample *model.HealthSample) {
	m.samplesTotal.WithLabelValues(string(sample.Status)).Inc()
	for _, status := range []model.HealthStatus{
		model.HealthStatusGreen, model.HealthStatusYellow,
		model.HealthStatusRed, model.HealthStatusUnknown,
	} {
		value := 0.0
		if status == sample.Status {
			value = 1.0
		}
		m.nodeStatus.WithLabelValues(sample.NodeID, string(status)).Set(value)
	}
	if sample.ResponseTimeMs != nil {
		m.responseTime.Observe(*sample.ResponseTimeMs)
	}
}

// Name implements notify.Channel.
func (m *Metrics) Name() string { return "metrics" }

// Send implements notify.Channel.
func (m *Metrics) Send(ctx context.Context, event *notify.Event) error {
	m.alertTransitions.WithLabelValues(
		string(event.Transition),
		string(event.Alert.Severity),
	).Inc()
	return nil
}
