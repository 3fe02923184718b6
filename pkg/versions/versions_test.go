package versions_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/versions"
)

const testDigest = "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func seedCommittedBlob(t *testing.T, st store.Store, repoID, digest string, length int64) {
	t.Helper()
	ctx := context.Background()
	_, err := st.Blobs().UpsertWithLengthCheck(ctx, digest, length, "staging/t/r/u1", "etag")
	require.NoError(t, err)
	require.NoError(t, st.Uploads().Insert(ctx, &store.UploadSession{
		RepoID:              repoID,
		ExpectedDigest:      digest,
		ExpectedLength:      length,
		State:               store.UploadCommitted,
		CommittedBlobDigest: digest,
	}))
}

func TestPublishHappyPath(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := versions.New(st)
	seedCommittedBlob(t, st, "repo1", testDigest, 100)

	v, err := svc.CreateOrReuseDraft(ctx, "repo1", "npm", "", "left-pad", "1.0.0")
	require.NoError(t, err)

	_, err = svc.UpsertEntries(ctx, "repo1", v.VersionID, []versions.EntryInput{
		{RelativePath: "index.js", BlobDigest: testDigest, SizeBytes: 100},
	})
	require.NoError(t, err)

	_, err = svc.UpsertManifest(ctx, "repo1", v.VersionID, "npm", []byte(`{"name":"left-pad","version":"1.0.0"}`), "")
	require.NoError(t, err)

	result, err := svc.Publish(ctx, "tenant1", v.VersionID, "alice")
	require.NoError(t, err)
	assert.False(t, result.Idempotent)
	assert.True(t, result.EventEmitted)
	assert.Equal(t, store.VersionPublished, result.Version.State)

	// Publish again: idempotent per Invariant 6.
	result2, err := svc.Publish(ctx, "tenant1", v.VersionID, "alice")
	require.NoError(t, err)
	assert.True(t, result2.Idempotent)
	assert.False(t, result2.EventEmitted)

	count, err := st.Outbox().CountPending(ctx, result.Version.CreatedAt.AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, count) // Invariant 7: outbox rows <= 1 per (tenant, aggregate, event_type)
}

func TestUpsertEntriesMissingBlobRejected(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := versions.New(st)

	v, err := svc.CreateOrReuseDraft(ctx, "repo1", "npm", "", "pkg", "1.0.0")
	require.NoError(t, err)

	_, err = svc.UpsertEntries(ctx, "repo1", v.VersionID, []versions.EntryInput{
		{RelativePath: "index.js", BlobDigest: testDigest, SizeBytes: 10},
	})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "blob_missing", ae.Code)
}

func TestPublishRequiresManifestAndEntries(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := versions.New(st)

	v, err := svc.CreateOrReuseDraft(ctx, "repo1", "npm", "", "pkg", "1.0.0")
	require.NoError(t, err)

	_, err = svc.Publish(ctx, "tenant1", v.VersionID, "alice")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "no_artifact_entries", ae.Code)
}

func TestManifestRequiredFieldsPerType(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := versions.New(st)

	v, err := svc.CreateOrReuseDraft(ctx, "repo1", "maven", "com.example", "thing", "1.0.0")
	require.NoError(t, err)

	_, err = svc.UpsertManifest(ctx, "repo1", v.VersionID, "maven", []byte(`{"groupId":"com.example"}`), "")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindValidation, ae.Kind)

	_, err = svc.UpsertManifest(ctx, "repo1", v.VersionID, "maven", []byte(`{"groupId":"com.example","artifactId":"thing","version":"1.0.0"}`), "")
	require.NoError(t, err)
}

func TestTombstoneIdempotentAndRejectsRepublish(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := versions.New(st)

	v, err := svc.CreateOrReuseDraft(ctx, "repo1", "npm", "", "pkg", "1.0.0")
	require.NoError(t, err)

	ts, err := svc.Tombstone(ctx, "tenant1", v.VersionID, "policy violation", "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, store.VersionTombstoned, ts.State)

	ts2, err := svc.Tombstone(ctx, "tenant1", v.VersionID, "ignored", "carol", 0)
	require.NoError(t, err)
	assert.Equal(t, "policy violation", ts2.TombstoneReason) // idempotent, original reason kept

	_, err = svc.Publish(ctx, "tenant1", v.VersionID, "alice")
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConflict, ae.Kind)
}

func TestEntryDuplicatePathRejected(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc := versions.New(st)
	seedCommittedBlob(t, st, "repo1", testDigest, 5)

	v, err := svc.CreateOrReuseDraft(ctx, "repo1", "npm", "", "pkg", "1.0.0")
	require.NoError(t, err)

	_, err = svc.UpsertEntries(ctx, "repo1", v.VersionID, []versions.EntryInput{
		{RelativePath: "a.txt", BlobDigest: testDigest, SizeBytes: 5},
		{RelativePath: "a.txt", BlobDigest: testDigest, SizeBytes: 5},
	})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindValidation, ae.Kind)
}
