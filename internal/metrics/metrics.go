package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the notification pipeline and its
// delivery channels. A nil *Metrics records nothing.
type Metrics struct {
	NotificationsTotal *prometheus.CounterVec
	PipelineDuration   prometheus.Histogram
	LedgerConflicts    prometheus.Counter
	FanoutDeliveries   *prometheus.CounterVec
	FanoutFailures     *prometheus.CounterVec
	CrmJobsTotal       *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
}

// New registers all metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		NotificationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_notifications_total",
			Help: "Purchase notifications received, by outcome",
		}, []string{"outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "entitlement_pipeline_duration_seconds",
			Help:    "Duration of notification processing from verification to commit",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
		LedgerConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "entitlement_ledger_conflicts_total",
			Help: "Concurrent first-insert races retried by the ledger",
		}),
		FanoutDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_fanout_deliveries_total",
			Help: "Successful live deliveries, by channel",
		}, []string{"channel"}),
		FanoutFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_fanout_failures_total",
			Help: "Failed live deliveries, by channel",
		}, []string{"channel"}),
		CrmJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlement_crm_jobs_total",
			Help: "CRM sync job attempts, by result",
		}, []string{"result"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "entitlement_stream_sessions",
			Help: "Open live stream sessions",
		}),
	}
}

// IncNotification records a notification outcome.
func (m *Metrics) IncNotification(outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(outcome).Inc()
}

// ObservePipeline records processing time. Call with time.Now() at the start.
func (m *Metrics) ObservePipeline(start time.Time) {
	if m == nil {
		return
	}
	m.PipelineDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncLedgerConflict() {
	if m == nil {
		return
	}
	m.LedgerConflicts.Inc()
}

// AddDeliveries records n successful deliveries on channel.
func (m *Metrics) AddDeliveries(channel string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.FanoutDeliveries.WithLabelValues(channel).Add(float64(n))
}

func (m *Metrics) IncFanoutFailure(channel string) {
	if m == nil {
		return
	}
	m.FanoutFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) IncCrmJob(result string) {
	if m == nil {
		return
	}
	m.CrmJobsTotal.WithLabelValues(result).Inc()
}

// SetSessions records the number of open stream sessions.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}
