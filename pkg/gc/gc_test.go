package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sremani/artifortress/internal/objectstore"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/gc"
)

// seedOrphanBlob stores an unreferenced blob; the store stamps its
// created_at with the wall-clock time of the call.
func seedOrphanBlob(t *testing.T, st store.Store, objs *objectstore.Memory, digest string) {
	t.Helper()
	key := "staging/orphan/" + digest
	objs.Stage(key, "upload-"+digest, 1, []byte("payload-"+digest))
	require.NoError(t, st.WithTx(context.Background(), func(ctx context.Context, tx store.Store) error {
		_, err := tx.Blobs().UpsertWithLengthCheck(ctx, digest, int64(len("payload-"+digest)), key, "etag-"+digest)
		return err
	}))
}

// TestDryRunReportsCandidatesWithoutDeleting walks §4.H dry-run mode: an
// orphan blob past the grace window is counted as a candidate but survives.
func TestDryRunReportsCandidatesWithoutDeleting(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	objs := objectstore.NewMemory()
	// The blob is created now; the GC clock runs 48h ahead so it is past
	// the 24h grace window.
	fixedNow := time.Now().UTC().Add(48 * time.Hour)

	seedOrphanBlob(t, st, objs, "deadbeef00000000000000000000000000000000000000000000000000abcd")

	runner := gc.New(st, objs, zaptest.NewLogger(t)).WithClock(func() time.Time { return fixedNow })
	run, err := runner.Run(ctx, gc.Options{Mode: store.GCDryRun, GraceHours: 24})
	require.NoError(t, err)
	assert.False(t, run.Failed)
	assert.Equal(t, 1, run.CandidateCount)
	assert.Equal(t, 0, run.DeletedBlobCount)

	all, err := st.Blobs().ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

// TestExecuteDeletesOrphansNotLiveSet walks §4.H execute mode: an orphan
// past the grace window is deleted, while a blob referenced by a live
// artifact entry survives regardless of age.
func TestExecuteDeletesOrphansNotLiveSet(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	objs := objectstore.NewMemory()
	// Blobs are created now; the GC clock runs 48h ahead.
	fixedNow := time.Now().UTC().Add(48 * time.Hour)

	orphanDigest := "deadbeef00000000000000000000000000000000000000000000000000abcd"
	liveDigest := "cafefeed00000000000000000000000000000000000000000000000000abcd"
	seedOrphanBlob(t, st, objs, orphanDigest)
	seedOrphanBlob(t, st, objs, liveDigest)

	pkg, err := st.Packages().UpsertGet(ctx, "repo1", "npm", "", "pkg")
	require.NoError(t, err)
	v := &store.Version{VersionID: "v1", RepoID: "repo1", PackageID: pkg.PackageID, Version: "1.0.0", State: store.VersionDraft, CreatedAt: fixedNow}
	require.NoError(t, st.Versions().InsertDraft(ctx, v))
	require.NoError(t, st.ArtifactEntries().Upsert(ctx, &store.ArtifactEntry{
		VersionID: "v1", RelativePath: "a.txt", BlobDigest: liveDigest, SizeBytes: 1,
	}))

	runner := gc.New(st, objs, zaptest.NewLogger(t)).WithClock(func() time.Time { return fixedNow })
	run, err := runner.Run(ctx, gc.Options{Mode: store.GCExecute, GraceHours: 24})
	require.NoError(t, err)
	assert.False(t, run.Failed)
	assert.Equal(t, 1, run.CandidateCount)
	assert.Equal(t, 1, run.DeletedBlobCount)
	assert.Equal(t, 0, run.DeleteErrorCount)

	_, err = st.Blobs().Get(ctx, orphanDigest)
	assert.Equal(t, store.ErrNotFound, err)

	liveBlob, err := st.Blobs().Get(ctx, liveDigest)
	require.NoError(t, err)
	assert.Equal(t, liveDigest, liveBlob.Digest)
}

// TestExecuteDeletesTombstonedVersionsPastRetention exercises the
// batch-deletion of expired tombstoned versions alongside blob GC.
func TestExecuteDeletesTombstonedVersionsPastRetention(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	objs := objectstore.NewMemory()
	fixedNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	pkg, err := st.Packages().UpsertGet(ctx, "repo1", "npm", "", "pkg")
	require.NoError(t, err)
	tombstonedAt := fixedNow.Add(-48 * time.Hour)
	v := &store.Version{VersionID: "v1", RepoID: "repo1", PackageID: pkg.PackageID, Version: "1.0.0", State: store.VersionTombstoned, CreatedAt: fixedNow.Add(-72 * time.Hour), TombstonedAt: &tombstonedAt}
	require.NoError(t, st.Versions().InsertDraft(ctx, v))
	require.NoError(t, st.Tombstones().Upsert(ctx, &store.Tombstone{VersionID: "v1", RetentionUntil: fixedNow.Add(-1 * time.Hour), Reason: "policy"}))

	runner := gc.New(st, objs, zaptest.NewLogger(t)).WithClock(func() time.Time { return fixedNow })
	run, err := runner.Run(ctx, gc.Options{Mode: store.GCExecute})
	require.NoError(t, err)
	assert.Equal(t, 1, run.DeletedVersionCount)

	_, err = st.Versions().Get(ctx, "v1")
	assert.Equal(t, store.ErrNotFound, err)
}

// TestRunFinalizesOptionsOutOfRangeAreClamped runs with out-of-range
// grace/batch options and checks that the run still completes.
func TestRunFinalizesOptionsOutOfRangeAreClamped(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	objs := objectstore.NewMemory()
	runner := gc.New(st, objs, zaptest.NewLogger(t))

	run, err := runner.Run(ctx, gc.Options{Mode: store.GCDryRun, GraceHours: -5, BatchSize: 99999})
	require.NoError(t, err)
	assert.False(t, run.Failed)
	assert.NotNil(t, run.CompletedAt)
}
