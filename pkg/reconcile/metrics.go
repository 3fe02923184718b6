package reconcile

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports the Reconciler's consistency and ops counters as
// Prometheus gauges, per SPEC_FULL.md's domain-stack wiring of
// prometheus/client_golang. The teacher carries no metrics dependency of
// its own; this follows client_golang's documented GaugeVec/Collector
// registration pattern rather than a teacher file.
type Metrics struct {
	missingEntryRefs  prometheus.Gauge
	missingManifestRefs prometheus.Gauge
	orphanBlobRows    prometheus.Gauge

	pendingOutbox      prometheus.Gauge
	availableOutbox    prometheus.Gauge
	oldestPendingAgeS  prometheus.Gauge
	incompleteGCRuns   prometheus.Gauge
	recentPolicyTimeouts prometheus.Gauge
}

// NewMetrics constructs and registers gauges against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		missingEntryRefs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "reconcile", Name: "missing_entry_blob_refs",
			Help: "Artifact entries referencing a blob digest with no catalog row.",
		}),
		missingManifestRefs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "reconcile", Name: "missing_manifest_blob_refs",
			Help: "Manifests referencing a blob digest with no catalog row.",
		}),
		orphanBlobRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "reconcile", Name: "orphan_blob_rows",
			Help: "Blob catalog rows with no live referencing entry or manifest.",
		}),
		pendingOutbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "ops", Name: "outbox_pending",
			Help: "Outbox events not yet marked delivered.",
		}),
		availableOutbox: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "ops", Name: "outbox_available_now",
			Help: "Outbox events pending and available for delivery as of now.",
		}),
		oldestPendingAgeS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "ops", Name: "outbox_oldest_pending_age_seconds",
			Help: "Age of the oldest pending outbox event, in seconds.",
		}),
		incompleteGCRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "ops", Name: "gc_runs_incomplete",
			Help: "GC runs with no recorded completion.",
		}),
		recentPolicyTimeouts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "artifortress", Subsystem: "ops", Name: "policy_timeouts_recent",
			Help: "Policy evaluations that timed out in the last 24 hours.",
		}),
	}
	reg.MustRegister(
		m.missingEntryRefs, m.missingManifestRefs, m.orphanBlobRows,
		m.pendingOutbox, m.availableOutbox, m.oldestPendingAgeS,
		m.incompleteGCRuns, m.recentPolicyTimeouts,
	)
	return m
}

// Collect runs both reports and sets every gauge from the result.
// cmd/artifortressd does not call it; each call refreshes the gauges once.
func (m *Metrics) Collect(ctx context.Context, r *Reconciler, tenantID string, sampleLimit int) error {
	consistency, err := r.ConsistencyReport(ctx, sampleLimit)
	if err != nil {
		return err
	}
	m.missingEntryRefs.Set(float64(consistency.MissingArtifactEntryBlobRefCount))
	m.missingManifestRefs.Set(float64(consistency.MissingManifestBlobRefCount))
	m.orphanBlobRows.Set(float64(consistency.OrphanBlobRowCount))

	ops, err := r.OpsSummary(ctx, tenantID)
	if err != nil {
		return err
	}
	m.pendingOutbox.Set(float64(ops.PendingOutbox))
	m.availableOutbox.Set(float64(ops.AvailableNowOutbox))
	m.oldestPendingAgeS.Set(ops.OldestPendingOutboxAge.Seconds())
	m.incompleteGCRuns.Set(float64(ops.IncompleteGCRuns))
	m.recentPolicyTimeouts.Set(float64(ops.RecentPolicyTimeouts))
	return nil
}
