// Package reconcile is the Reconciler & Ops Summary (§4.J): read-only
// consistency reports and operational counters. Nothing here mutates
// state; it exists to surface drift for operators and dashboards.
// Grounded on the teacher's repair-checker pattern (storj's segment
// "verify"/audit reports: count + bounded sample of anomalies, never an
// automatic fix), with its counters exported as
// `prometheus/client_golang` gauges per SPEC_FULL.md's domain stack.
package reconcile

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("reconcile")

const (
	defaultSampleLimit = 50
	maxSampleLimit      = 200

	policyTimeoutWindow = 24 * time.Hour
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// ConsistencyReport is §4.J's read-only drift report.
type ConsistencyReport struct {
	MissingArtifactEntryBlobRefCount int
	MissingArtifactEntryBlobRefs     []MissingRef

	MissingManifestBlobRefCount int
	MissingManifestBlobRefs     []MissingRef

	OrphanBlobRowCount int
	OrphanBlobRows     []string // digests
}

// MissingRef names one entry/manifest referencing an absent blob digest.
type MissingRef struct {
	VersionID string
	Digest    string
}

// OpsSummary is §4.J's operational counters.
type OpsSummary struct {
	PendingOutbox         int
	AvailableNowOutbox    int
	OldestPendingOutboxAge time.Duration
	HasPendingOutbox      bool
	IncompleteGCRuns      int
	RecentPolicyTimeouts  int
}

// Reconciler computes both reports over a Store snapshot.
type Reconciler struct {
	store store.Store
	now   Clock
}

// New constructs a Reconciler.
func New(st store.Store) *Reconciler {
	return &Reconciler{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the reconciler's clock; used by tests.
func (r *Reconciler) WithClock(clock Clock) *Reconciler {
	r.now = clock
	return r
}

// ConsistencyReport scans for dangling references and orphan blob rows,
// capping each sample at sampleLimit (clamped to [1, 200], default 50).
func (r *Reconciler) ConsistencyReport(ctx context.Context, sampleLimit int) (*ConsistencyReport, error) {
	if sampleLimit <= 0 {
		sampleLimit = defaultSampleLimit
	}
	if sampleLimit > maxSampleLimit {
		sampleLimit = maxSampleLimit
	}

	blobs, err := r.store.Blobs().ListAll(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	digestSet := make(map[string]bool, len(blobs))
	for _, b := range blobs {
		digestSet[b.Digest] = false // false = not yet seen referenced
	}

	report := &ConsistencyReport{}

	asOf := r.now()
	liveDigests, err := r.store.ArtifactEntries().ListLiveDigests(ctx, asOf)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, d := range liveDigests {
		if _, ok := digestSet[d]; !ok {
			report.MissingArtifactEntryBlobRefCount++
			if len(report.MissingArtifactEntryBlobRefs) < sampleLimit {
				report.MissingArtifactEntryBlobRefs = append(report.MissingArtifactEntryBlobRefs, MissingRef{Digest: d})
			}
		} else {
			digestSet[d] = true
		}
	}

	manifestDigests, err := r.store.Manifests().ListLiveManifestDigests(ctx, asOf)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	for _, d := range manifestDigests {
		if _, ok := digestSet[d]; !ok {
			report.MissingManifestBlobRefCount++
			if len(report.MissingManifestBlobRefs) < sampleLimit {
				report.MissingManifestBlobRefs = append(report.MissingManifestBlobRefs, MissingRef{Digest: d})
			}
		} else {
			digestSet[d] = true
		}
	}

	for digest, referenced := range digestSet {
		if referenced {
			continue
		}
		report.OrphanBlobRowCount++
		if len(report.OrphanBlobRows) < sampleLimit {
			report.OrphanBlobRows = append(report.OrphanBlobRows, digest)
		}
	}

	return report, nil
}

// OpsSummary computes the operational counters for tenantID.
func (r *Reconciler) OpsSummary(ctx context.Context, tenantID string) (*OpsSummary, error) {
	now := r.now()
	summary := &OpsSummary{}

	pending, err := r.store.Outbox().CountPending(ctx, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	summary.PendingOutbox = pending

	available, err := r.store.Outbox().CountAvailable(ctx, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	summary.AvailableNowOutbox = available

	age, has, err := r.store.Outbox().OldestPendingAge(ctx, now)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	summary.OldestPendingOutboxAge = age
	summary.HasPendingOutbox = has

	incomplete, err := r.store.GCRuns().CountIncomplete(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	summary.IncompleteGCRuns = incomplete

	timeouts, err := r.store.Audit().CountRecentByAction(ctx, tenantID, "policy.timeout", now.Add(-policyTimeoutWindow))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	summary.RecentPolicyTimeouts = timeouts

	return summary, nil
}
