package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	submissions     *prometheus.CounterVec
	submitRetries   prometheus.Counter
	lockConflicts   prometheus.Counter
	replaysRejected prometheus.Counter
	signatureFails  *prometheus.CounterVec
	dispenses       prometheus.Counter
	reconOverrides  prometheus.Counter
	reconRepairs    *prometheus.CounterVec
	noncesEvicted   prometheus.Counter
}

var (
	ledgerOnce     sync.Once
	ledgerRegistry *LedgerMetrics
)

func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rxledger_submissions_total",
				Help: "Ledger submissions by event type and result.",
			}, []string{"type", "result"}),
			submitRetries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rxledger_submit_retries_total",
				Help: "Retried gateway calls after transient failures.",
			}),
			lockConflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rxledger_lock_conflicts_total",
				Help: "Dispense attempts rejected because the lock was held.",
			}),
			replaysRejected: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rxledger_replays_rejected_total",
				Help: "Events rejected for a previously consumed nonce.",
			}),
			signatureFails: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rxledger_signature_failures_total",
				Help: "Signature verification failures by policy outcome.",
			}, []string{"policy"}),
			dispenses: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rxledger_dispenses_total",
				Help: "Successful dispense operations.",
			}),
			reconOverrides: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rxledger_recon_status_overrides_total",
				Help: "Cached statuses overwritten from the ledger mirror.",
			}),
			reconRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "rxledger_recon_repairs_total",
				Help: "Degraded channel id repair attempts by result.",
			}, []string{"result"}),
			noncesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "rxledger_nonces_evicted_total",
				Help: "Nonces dropped past the retention horizon.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.submissions,
			ledgerRegistry.submitRetries,
			ledgerRegistry.lockConflicts,
			ledgerRegistry.replaysRejected,
			ledgerRegistry.signatureFails,
			ledgerRegistry.dispenses,
			ledgerRegistry.reconOverrides,
			ledgerRegistry.reconRepairs,
			ledgerRegistry.noncesEvicted,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveSubmission(eventType, result string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(eventType, result).Inc()
}

func (m *LedgerMetrics) ObserveSubmitRetry() {
	if m == nil {
		return
	}
	m.submitRetries.Inc()
}

func (m *LedgerMetrics) ObserveLockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

func (m *LedgerMetrics) ObserveReplayRejected() {
	if m == nil {
		return
	}
	m.replaysRejected.Inc()
}

func (m *LedgerMetrics) ObserveSignatureFailure(policy string) {
	if m == nil {
		return
	}
	m.signatureFails.WithLabelValues(policy).Inc()
}

func (m *LedgerMetrics) ObserveDispense() {
	if m == nil {
		return
	}
	m.dispenses.Inc()
}

func (m *LedgerMetrics) ObserveReconOverride() {
	if m == nil {
		return
	}
	m.reconOverrides.Inc()
}

func (m *LedgerMetrics) ObserveReconRepair(result string) {
	if m == nil {
		return
	}
	m.reconRepairs.WithLabelValues(result).Inc()
}

func (m *LedgerMetrics) ObserveNoncesEvicted(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.noncesEvicted.Add(float64(count))
}
