package upload_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/digestutil"
	"github.com/sremani/artifortress/internal/objectstore"
	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/store/memstore"
	"github.com/sremani/artifortress/pkg/upload"
)

func newEngine(t *testing.T) (*upload.Engine, *objectstore.Memory, store.Store) {
	t.Helper()
	st := memstore.New()
	objs := objectstore.NewMemory()
	eng := upload.New(st, objs, zaptest.NewLogger(t))
	return eng, objs, st
}

// TestHappyUpload walks scenario 1 of §8: create -> presign -> complete ->
// commit, ending in a committed session whose blob digest/length match.
func TestHappyUpload(t *testing.T) {
	ctx := context.Background()
	eng, objs, st := newEngine(t)

	data := []byte("hello artifortress, this is a test artifact payload")
	digest := digestutil.SumSHA256Hex(data)

	sess, deduped, err := eng.CreateSession(ctx, "tenant1", "repo1", "lib", digest, int64(len(data)))
	require.NoError(t, err)
	require.False(t, deduped)
	assert.Equal(t, store.UploadInitiated, sess.State)

	part, err := eng.PresignPart(ctx, sess.UploadID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, part.N)

	afterPresign, err := st.Uploads().Get(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadPartsUploading, afterPresign.State)

	// A second presign must not move the state further (round-trip property in §8).
	_, err = eng.PresignPart(ctx, sess.UploadID, 1, 0)
	require.NoError(t, err)
	stillUploading, err := st.Uploads().Get(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadPartsUploading, stillUploading.State)

	etag := objs.Stage(afterPresign.ObjectStagingKey, afterPresign.StorageUploadID, 1, data)

	completed, err := eng.CompleteParts(ctx, sess.UploadID, []objectstore.Part{{N: 1, ETag: etag}})
	require.NoError(t, err)
	assert.Equal(t, store.UploadPendingCommit, completed.State)

	committed, aerr := eng.Commit(ctx, sess.UploadID)
	require.Nil(t, aerr)
	assert.Equal(t, store.UploadCommitted, committed.State)
	assert.Equal(t, digest, committed.CommittedBlobDigest)

	blob, err := st.Blobs().Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), blob.Length)
}

// TestCommitDigestMismatch walks scenario 2 of §8.
func TestCommitDigestMismatch(t *testing.T) {
	ctx := context.Background()
	eng, objs, st := newEngine(t)

	expected := digestutil.SumSHA256Hex([]byte("expected-bytes"))
	sess, _, err := eng.CreateSession(ctx, "tenant1", "repo1", "lib", expected, 14)
	require.NoError(t, err)

	_, err = eng.PresignPart(ctx, sess.UploadID, 1, 0)
	require.NoError(t, err)

	wrongData := []byte("totally-different-content")
	afterPresign, _ := st.Uploads().Get(ctx, sess.UploadID)
	etag := objs.Stage(afterPresign.ObjectStagingKey, afterPresign.StorageUploadID, 1, wrongData)
	_, err = eng.CompleteParts(ctx, sess.UploadID, []objectstore.Part{{N: 1, ETag: etag}})
	require.NoError(t, err)

	_, aerr := eng.Commit(ctx, sess.UploadID)
	require.NotNil(t, aerr)
	assert.Equal(t, "upload_verification_failed", aerr.Code)
	assert.True(t, aerr.HasVerification)
	assert.Equal(t, expected, aerr.ExpectedDigest)
	assert.NotEqual(t, expected, aerr.ActualDigest)

	aborted, err := st.Uploads().Get(ctx, sess.UploadID)
	require.NoError(t, err)
	assert.Equal(t, store.UploadAborted, aborted.State)
	assert.Equal(t, "digest_mismatch", aborted.AbortedReason)
}

// TestDedupCreateSession walks the §8 "Dedup create-session" round-trip:
// the second session for the same digest+length is synthetically committed
// without touching the object store.
func TestDedupCreateSession(t *testing.T) {
	ctx := context.Background()
	eng, objs, st := newEngine(t)

	data := []byte("dedup-me")
	digest := digestutil.SumSHA256Hex(data)

	first, deduped, err := eng.CreateSession(ctx, "t1", "r1", "lib", digest, int64(len(data)))
	require.NoError(t, err)
	require.False(t, deduped)

	_, err = eng.PresignPart(ctx, first.UploadID, 1, 0)
	require.NoError(t, err)
	afterPresign, _ := st.Uploads().Get(ctx, first.UploadID)
	etag := objs.Stage(afterPresign.ObjectStagingKey, afterPresign.StorageUploadID, 1, data)
	_, err = eng.CompleteParts(ctx, first.UploadID, []objectstore.Part{{N: 1, ETag: etag}})
	require.NoError(t, err)
	_, aerr := eng.Commit(ctx, first.UploadID)
	require.Nil(t, aerr)

	second, deduped, err := eng.CreateSession(ctx, "t1", "r2", "lib2", digest, int64(len(data)))
	require.NoError(t, err)
	assert.True(t, deduped)
	assert.Equal(t, store.UploadCommitted, second.State)
	assert.Equal(t, digest, second.CommittedBlobDigest)
}

// TestDedupLengthConflict covers the digest-exists-at-different-length
// conflict branch of §4.D "Create".
func TestDedupLengthConflict(t *testing.T) {
	ctx := context.Background()
	eng, objs, st := newEngine(t)

	data := []byte("twelve-bytes")
	digest := digestutil.SumSHA256Hex(data)
	first, _, err := eng.CreateSession(ctx, "t1", "r1", "lib", digest, int64(len(data)))
	require.NoError(t, err)
	_, err = eng.PresignPart(ctx, first.UploadID, 1, 0)
	require.NoError(t, err)
	afterPresign, _ := st.Uploads().Get(ctx, first.UploadID)
	etag := objs.Stage(afterPresign.ObjectStagingKey, afterPresign.StorageUploadID, 1, data)
	_, err = eng.CompleteParts(ctx, first.UploadID, []objectstore.Part{{N: 1, ETag: etag}})
	require.NoError(t, err)
	_, aerr := eng.Commit(ctx, first.UploadID)
	require.Nil(t, aerr)

	_, _, err = eng.CreateSession(ctx, "t1", "r1", "lib", digest, int64(len(data))+1)
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.KindConflict, ae.Kind)
	assert.Equal(t, "digest_length_conflict", ae.Code)
}

func TestAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)

	sess, _, err := eng.CreateSession(ctx, "t1", "r1", "lib", digestutil.SumSHA256Hex([]byte("x")), 1)
	require.NoError(t, err)

	first, err := eng.Abort(ctx, sess.UploadID, "")
	require.NoError(t, err)
	assert.Equal(t, "client_abort", first.AbortedReason)

	second, err := eng.Abort(ctx, sess.UploadID, "some_other_reason")
	require.NoError(t, err)
	assert.Equal(t, "client_abort", second.AbortedReason) // original reason preserved
}

func TestCompleteRequiresPartsUploading(t *testing.T) {
	ctx := context.Background()
	eng, _, _ := newEngine(t)

	sess, _, err := eng.CreateSession(ctx, "t1", "r1", "lib", digestutil.SumSHA256Hex([]byte("y")), 1)
	require.NoError(t, err)

	_, err = eng.CompleteParts(ctx, sess.UploadID, []objectstore.Part{{N: 1, ETag: "\"etag\""}})
	ae, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, "no_parts", ae.Code)
}
