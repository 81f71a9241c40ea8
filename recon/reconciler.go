// Package recon runs the background loop that corrects cached channel
// status against the ledger's authoritative mirror and repairs channels
// created under degraded placeholder ids.
package recon

import (
	"context"
	"log/slog"
	"time"

	"rxledger/core"
	"rxledger/core/types"
	"rxledger/observability/metrics"
)

// Config captures the loop's dependencies.
type Config struct {
	Store          *core.Store
	Gateway        core.Gateway
	Audit          core.AuditSink
	Interval       time.Duration
	NonceRetention time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Loop reconciles the local cache on a fixed interval. It reads channel
// state and writes only status; dispense counts stay authoritative in the
// store and are never derived from the ledger's coarse status. The loop
// never touches the dispense lock.
type Loop struct {
	store          *core.Store
	gateway        core.Gateway
	audit          core.AuditSink
	interval       time.Duration
	nonceRetention time.Duration
	log            *slog.Logger
	now            func() time.Time
}

func New(cfg Config) *Loop {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Loop{
		store:          cfg.Store,
		gateway:        cfg.Gateway,
		audit:          cfg.Audit,
		interval:       interval,
		nonceRetention: cfg.NonceRetention,
		log:            logger,
		now:            now,
	}
}

// Start runs the loop until the context is cancelled.
func (l *Loop) Start(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every tracked channel once and evicts stale nonces.
func (l *Loop) RunOnce(ctx context.Context) {
	for _, topicID := range l.store.TopicIDs() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.reconcileChannel(ctx, topicID)
	}
	if l.nonceRetention > 0 {
		if evicted := l.store.EvictNonces(l.now().Add(-l.nonceRetention)); evicted > 0 {
			metrics.Ledger().ObserveNoncesEvicted(evicted)
			l.log.Info("evicted nonces past retention", "count", evicted)
		}
	}
}

func (l *Loop) reconcileChannel(ctx context.Context, topicID string) {
	ch, ok := l.store.GetChannel(topicID)
	if !ok {
		return
	}
	if ch.Degraded {
		l.repairChannel(ctx, ch)
		return
	}

	status, err := l.gateway.QueryStatus(ctx, topicID)
	if err != nil {
		l.log.Debug("status query failed, keeping cached value", "topic", topicID, "err", err)
		return
	}
	mirrored := types.Status(status)
	if !mirrored.Valid() {
		l.log.Warn("ledger reported unknown status", "topic", topicID, "status", status)
		return
	}
	if mirrored == ch.Status {
		return
	}
	if l.store.SetStatus(topicID, mirrored) {
		metrics.Ledger().ObserveReconOverride()
		l.log.Info("adopted ledger status", "topic", topicID,
			"cached", ch.Status, "ledger", mirrored)
		l.appendAudit(ctx, core.AuditEntry{
			TopicID:     topicID,
			SignatureOK: true,
			Note:        "reconciliation: status " + string(ch.Status) + " -> " + string(mirrored),
			At:          l.now(),
		})
	}
}

// repairChannel retries channel creation for a degraded placeholder id and
// rebinds the local state under the real id the ledger assigns.
func (l *Loop) repairChannel(ctx context.Context, ch types.Channel) {
	realID, err := l.gateway.CreateChannel(ctx, "repair "+ch.ID)
	if err != nil {
		metrics.Ledger().ObserveReconRepair("failed")
		l.log.Debug("degraded channel repair failed", "topic", ch.ID, "err", err)
		return
	}
	if err := l.store.RebindChannel(ch.ID, realID); err != nil {
		metrics.Ledger().ObserveReconRepair("conflict")
		l.log.Warn("degraded channel rebind failed", "topic", ch.ID, "realId", realID, "err", err)
		return
	}
	metrics.Ledger().ObserveReconRepair("ok")
	l.log.Info("repaired degraded channel", "placeholder", ch.ID, "topic", realID)
	l.appendAudit(ctx, core.AuditEntry{
		TopicID:     realID,
		SignatureOK: true,
		Note:        "reconciliation: rebound from placeholder " + ch.ID,
		At:          l.now(),
	})
}

func (l *Loop) appendAudit(ctx context.Context, entry core.AuditEntry) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Append(ctx, entry); err != nil {
		l.log.Warn("audit append failed", "topic", entry.TopicID, "err", err)
	}
}
