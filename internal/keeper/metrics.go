package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_keeper_transitions_total",
		Help: "Anchor state transitions applied by the keeper, by ledger and target state.",
	}, []string{"ledger", "state"})

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_keeper_submissions_total",
		Help: "Submission attempts by ledger and outcome.",
	}, []string{"ledger", "result"})

	staleReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_keeper_stale_claims_released_total",
		Help: "Expired submission claims returned to pending.",
	}, []string{"ledger"})

	passDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evidence_keeper_pass_duration_seconds",
		Help:    "Duration of one reconciliation pass per ledger.",
		Buckets: prometheus.DefBuckets,
	}, []string{"ledger"})

	archivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_keeper_archived_total",
		Help: "Custody bundles uploaded by result.",
	}, []string{"result"})

	ledgerUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evidence_ledger_up",
		Help: "1 if the ledger endpoint answered its last health probes.",
	}, []string{"ledger"})

	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evidence_notifications_total",
		Help: "Webhook deliveries by success status.",
	}, []string{"status"})
)

// RecordLedgerUp records a health probe outcome.
func RecordLedgerUp(ledger string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	ledgerUp.WithLabelValues(ledger).Set(v)
}

// RecordNotification records a webhook delivery result.
func RecordNotification(success bool) {
	if success {
		notificationsTotal.WithLabelValues("success").Inc()
	} else {
		notificationsTotal.WithLabelValues("failure").Inc()
	}
}
