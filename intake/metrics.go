package intake

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the intake pipeline's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	DeliveriesAccepted  prometheus.Counter
	DeliveriesDuplicate prometheus.Counter
	DeliveriesRejected  *prometheus.CounterVec
	Merges              *prometheus.CounterVec
	ProcessingFailures  prometheus.Counter
	TerminalFailures    prometheus.Counter
	SweeperRequeues     *prometheus.CounterVec
	ProcessingDuration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeliveriesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_intake_deliveries_accepted_total",
			Help: "Total number of new inbound deliveries written to the ledger",
		}),
		DeliveriesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_intake_deliveries_duplicate_total",
			Help: "Total number of inbound deliveries short-circuited by idempotency key",
		}),
		DeliveriesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_intake_deliveries_rejected_total",
			Help: "Total number of inbound deliveries rejected before reaching the ledger",
		}, []string{"reason"}),
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_intake_merges_total",
			Help: "Total number of processed deliveries by merge action",
		}, []string{"action"}),
		ProcessingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_intake_processing_failures_total",
			Help: "Total number of failed processing attempts",
		}),
		TerminalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crm_intake_terminal_failures_total",
			Help: "Total number of deliveries that exhausted their attempts",
		}),
		SweeperRequeues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crm_intake_sweeper_requeues_total",
			Help: "Total number of deliveries re-enqueued by the sweeper",
		}, []string{"reason"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crm_intake_processing_duration_seconds",
			Help:    "Duration of delivery processing",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.DeliveriesAccepted,
			m.DeliveriesDuplicate,
			m.DeliveriesRejected,
			m.Merges,
			m.ProcessingFailures,
			m.TerminalFailures,
			m.SweeperRequeues,
			m.ProcessingDuration,
		)
	}
	return m
}

func (m *Metrics) accepted() {
	if m != nil {
		m.DeliveriesAccepted.Inc()
	}
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.DeliveriesDuplicate.Inc()
	}
}

func (m *Metrics) rejected(reason string) {
	if m != nil {
		m.DeliveriesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) merged(action string) {
	if m != nil {
		m.Merges.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) failed(terminal bool) {
	if m == nil {
		return
	}
	m.ProcessingFailures.Inc()
	if terminal {
		m.TerminalFailures.Inc()
	}
}

func (m *Metrics) requeued(reason string) {
	if m != nil {
		m.SweeperRequeues.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) observe(start time.Time) {
	if m != nil {
		m.ProcessingDuration.Observe(time.Since(start).Seconds())
	}
}
