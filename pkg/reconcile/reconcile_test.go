package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/reconcile"
)

func TestConsistencyReportFindsOrphansAndMissingRefs(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()

	// An orphan: a blob row with no referencing entry or manifest.
	_, err := st.Blobs().UpsertWithLengthCheck(ctx, "orphan-digest", 5, "staging/x", "etag")
	require.NoError(t, err)

	// A live entry referencing a digest that was never cataloged.
	pkg, err := st.Packages().UpsertGet(ctx, "repo1", "npm", "", "pkg")
	require.NoError(t, err)
	v := &store.Version{VersionID: "v1", RepoID: "repo1", PackageID: pkg.PackageID, Version: "1.0.0", State: store.VersionDraft, CreatedAt: time.Now()}
	require.NoError(t, st.Versions().InsertDraft(ctx, v))
	require.NoError(t, st.ArtifactEntries().Upsert(ctx, &store.ArtifactEntry{
		VersionID: "v1", RelativePath: "a.txt", BlobDigest: "missing-digest", SizeBytes: 1,
	}))

	r := reconcile.New(st)
	report, err := r.ConsistencyReport(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MissingArtifactEntryBlobRefCount)
	assert.Equal(t, "missing-digest", report.MissingArtifactEntryBlobRefs[0].Digest)
	assert.Equal(t, 1, report.OrphanBlobRowCount)
	assert.Equal(t, "orphan-digest", report.OrphanBlobRows[0])
}

func TestOpsSummaryCountsOutboxAndTimeouts(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	inserted, err := st.Outbox().InsertIfAbsent(ctx, &store.OutboxEvent{
		TenantID: "t1", AggregateType: "package_version", AggregateID: "v1", EventType: "version.published",
		OccurredAt: fixedNow.Add(-time.Hour), AvailableAt: fixedNow.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.True(t, inserted)

	require.NoError(t, st.Audit().Insert(ctx, &store.AuditEntry{
		TenantID: "t1", Action: "policy.timeout", OccurredAt: fixedNow.Add(-time.Hour),
	}))

	r := reconcile.New(st).WithClock(func() time.Time { return fixedNow })
	summary, err := r.OpsSummary(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.PendingOutbox)
	assert.Equal(t, 1, summary.AvailableNowOutbox)
	assert.True(t, summary.HasPendingOutbox)
	assert.Equal(t, time.Hour, summary.OldestPendingOutboxAge)
	assert.Equal(t, 1, summary.RecentPolicyTimeouts)
	assert.Equal(t, 0, summary.IncompleteGCRuns)
}
