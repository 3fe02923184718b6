// Package upload is the Upload Session Engine (§4.D): it drives the
// upload state machine, coordinates the object store and metadata store,
// and performs digest/length verification with dedup-on-commit. Grounded
// on the teacher's satellite/metainfo upload-coordination style (an
// endpoint that drives the object store and a metadata adapter together)
// generalized to the multipart/commit protocol this spec calls for.
package upload

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sremani/artifortress/internal/apierr"
	"github.com/sremani/artifortress/internal/digestutil"
	"github.com/sremani/artifortress/internal/objectstore"
	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("upload")

const (
	sessionTTL        = 60 * time.Minute
	presignTTLDefault = 900 * time.Second
	presignTTLMin     = 60 * time.Second
	presignTTLMax     = 3600 * time.Second
)

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Engine implements the upload session state machine of §4.D.
type Engine struct {
	store   store.Store
	objects objectstore.Store
	log     *zap.Logger
	now     Clock
}

// New constructs an Engine over the given metadata store and object store.
func New(st store.Store, objects objectstore.Store, log *zap.Logger) *Engine {
	return &Engine{store: st, objects: objects, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the engine's clock; used by tests.
func (e *Engine) WithClock(clock Clock) *Engine {
	e.now = clock
	return e
}

func stagingKey(tenantID, repoKey, uploadID string) string {
	return fmt.Sprintf("staging/%s/%s/%s", tenantID, repoKey, uploadID)
}

// CreateSession implements §4.D "Create". If a Blob already exists with
// the expected digest and the same length, a synthetic already-committed
// session is returned without any object-store interaction (the dedup
// path). If a Blob exists with a different length, it's a conflict. Else a
// real multipart upload is started and an `initiated` session recorded.
func (e *Engine) CreateSession(ctx context.Context, tenantID, repoID, repoKey, digest string, length int64) (sess *store.UploadSession, deduped bool, err error) {
	if !digestutil.IsSHA256Hex(digest) {
		return nil, false, apierr.Validation("digest", "digest must be a 64-character lowercase hex SHA-256")
	}
	if length <= 0 {
		return nil, false, apierr.Validation("length", "length must be > 0")
	}

	existing, lookupErr := e.store.Blobs().Get(ctx, digest)
	if lookupErr == nil {
		if existing.Length != length {
			return nil, false, apierr.Conflict("digest_length_conflict",
				fmt.Sprintf("digest %s already exists with length %d", digest, existing.Length))
		}
		now := e.now()
		committedAt := now
		sess = &store.UploadSession{
			TenantID:            tenantID,
			RepoID:              repoID,
			ExpectedDigest:      digest,
			ExpectedLength:      length,
			State:               store.UploadCommitted,
			CommittedBlobDigest: digest,
			CreatedAt:           now,
			ExpiresAt:           now.Add(sessionTTL),
			UpdatedAt:           now,
			CommittedAt:         &committedAt,
		}
		if err := e.store.Uploads().Insert(ctx, sess); err != nil {
			return nil, false, Error.Wrap(err)
		}
		return sess, true, nil
	} else if lookupErr != store.ErrNotFound {
		return nil, false, Error.Wrap(lookupErr)
	}

	uploadID := uuid.NewString()
	key := stagingKey(tenantID, repoKey, uploadID)
	mp, err := e.objects.StartMultipart(ctx, key)
	if err != nil {
		return nil, false, translateStoreErr(err)
	}

	now := e.now()
	sess = &store.UploadSession{
		UploadID:         uploadID,
		TenantID:         tenantID,
		RepoID:           repoID,
		ExpectedDigest:   digest,
		ExpectedLength:   length,
		State:            store.UploadInitiated,
		ObjectStagingKey: mp.Key,
		StorageUploadID:  mp.UploadID,
		CreatedAt:        now,
		ExpiresAt:        now.Add(sessionTTL),
		UpdatedAt:        now,
	}
	if err := e.store.Uploads().Insert(ctx, sess); err != nil {
		// Best-effort abort on rollback, per §7 "the one step that tolerates failure".
		_ = e.objects.AbortMultipart(ctx, mp.Key, mp.UploadID)
		return nil, false, Error.Wrap(err)
	}
	return sess, false, nil
}

func (e *Engine) requireNotExpired(sess *store.UploadSession) error {
	if e.now().After(sess.ExpiresAt) {
		return apierr.Conflict("upload_expired", "upload session has expired")
	}
	return nil
}

// PresignPart implements §4.D "Presign part": a PUT URL with TTL bounded
// to [60, 3600] seconds. The first successful presign transitions
// initiated -> parts_uploading.
func (e *Engine) PresignPart(ctx context.Context, uploadID string, n int, ttl time.Duration) (*objectstore.PresignedPart, error) {
	sess, err := e.store.Uploads().Get(ctx, uploadID)
	if err != nil {
		return nil, notFoundOrWrap(err, "upload")
	}
	if err := e.requireNotExpired(sess); err != nil {
		return nil, err
	}
	if sess.State != store.UploadInitiated && sess.State != store.UploadPartsUploading {
		return nil, apierr.Conflict("invalid_state", fmt.Sprintf("session is %s, expected initiated or parts_uploading", sess.State))
	}
	if ttl <= 0 {
		ttl = presignTTLDefault
	}
	if ttl < presignTTLMin {
		ttl = presignTTLMin
	}
	if ttl > presignTTLMax {
		ttl = presignTTLMax
	}

	part, err := e.objects.PresignPart(ctx, sess.ObjectStagingKey, sess.StorageUploadID, n, ttl)
	if err != nil {
		return nil, translateStoreErr(err)
	}

	if sess.State == store.UploadInitiated {
		_, terr := e.store.Uploads().TransitionState(ctx, uploadID, store.UploadInitiated, store.UploadPartsUploading, nil)
		if terr != nil && terr != store.ErrNoRowsUpdated {
			return nil, Error.Wrap(terr)
		}
		// ErrNoRowsUpdated here means a concurrent presign already won the
		// race and moved the session on; the part URL we just minted is
		// still valid, so we don't surface a retry conflict to this caller.
	}
	return part, nil
}

// CompleteParts implements §4.D "Complete": requires parts_uploading,
// validates/dedups/sorts parts, calls CompleteMultipart, and transitions
// to pending_commit. Idempotent on pending_commit.
func (e *Engine) CompleteParts(ctx context.Context, uploadID string, parts []objectstore.Part) (*store.UploadSession, error) {
	sess, err := e.store.Uploads().Get(ctx, uploadID)
	if err != nil {
		return nil, notFoundOrWrap(err, "upload")
	}
	if sess.State == store.UploadPendingCommit {
		return sess, nil // idempotent
	}
	if err := e.requireNotExpired(sess); err != nil {
		return nil, err
	}
	if sess.State == store.UploadInitiated {
		return nil, apierr.Conflict("no_parts", "no parts have been uploaded")
	}
	if sess.State != store.UploadPartsUploading {
		return nil, apierr.Conflict("invalid_state", fmt.Sprintf("session is %s, expected parts_uploading", sess.State))
	}
	for _, p := range parts {
		if p.N < 1 {
			return nil, apierr.Validation("parts", fmt.Sprintf("part number %d must be >= 1", p.N))
		}
		if p.ETag == "" {
			return nil, apierr.Validation("parts", fmt.Sprintf("part %d has empty etag", p.N))
		}
	}

	if err := e.objects.CompleteMultipart(ctx, sess.ObjectStagingKey, sess.StorageUploadID, parts); err != nil {
		return nil, translateStoreErr(err)
	}

	updated, terr := e.store.Uploads().TransitionState(ctx, uploadID, store.UploadPartsUploading, store.UploadPendingCommit, nil)
	if terr == store.ErrNoRowsUpdated {
		return nil, apierr.Conflict("state_changed", "upload session state changed; retry")
	}
	if terr != nil {
		return nil, Error.Wrap(terr)
	}
	return updated, nil
}

// Abort implements §4.D "Abort": permitted in initiated/parts_uploading/
// pending_commit, tolerates NotFound from the object store, and is
// idempotent on aborted (returning the original reason).
func (e *Engine) Abort(ctx context.Context, uploadID, reason string) (*store.UploadSession, error) {
	if reason == "" {
		reason = "client_abort"
	}
	sess, err := e.store.Uploads().Get(ctx, uploadID)
	if err != nil {
		return nil, notFoundOrWrap(err, "upload")
	}
	if sess.State == store.UploadAborted {
		return sess, nil // idempotent, original reason already recorded
	}
	switch sess.State {
	case store.UploadInitiated, store.UploadPartsUploading, store.UploadPendingCommit:
	default:
		return nil, apierr.Conflict("invalid_state", fmt.Sprintf("cannot abort session in state %s", sess.State))
	}

	if sess.StorageUploadID != "" {
		if err := e.objects.AbortMultipart(ctx, sess.ObjectStagingKey, sess.StorageUploadID); err != nil {
			return nil, translateStoreErr(err)
		}
	}

	abortedAt := e.now()
	updated, terr := e.store.Uploads().TransitionState(ctx, uploadID, sess.State, store.UploadAborted, func(s *store.UploadSession) {
		s.AbortedAt = &abortedAt
		s.AbortedReason = reason
	})
	if terr == store.ErrNoRowsUpdated {
		return nil, apierr.Conflict("state_changed", "upload session state changed; retry")
	}
	if terr != nil {
		return nil, Error.Wrap(terr)
	}
	return updated, nil
}

// Commit implements §4.D "Commit": streams the staged object back,
// recomputes digest/length, and on mismatch aborts the session with a
// classified reason. On match, upserts the Blob and flips the session to
// committed in one metadata transaction. Idempotent on committed.
func (e *Engine) Commit(ctx context.Context, uploadID string) (*store.UploadSession, *apierr.Error) {
	sess, err := e.store.Uploads().Get(ctx, uploadID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, apierr.NotFound("upload", "upload session not found")
		}
		return nil, apierr.Unavailable("store_error", err.Error())
	}
	if sess.State == store.UploadCommitted {
		return sess, nil // idempotent
	}
	if sess.State != store.UploadPendingCommit {
		return nil, apierr.Conflict("invalid_state", fmt.Sprintf("session is %s, expected pending_commit", sess.State))
	}

	obj, oerr := e.objects.Download(ctx, sess.ObjectStagingKey, nil)
	if oerr != nil {
		return nil, translateStoreErr(oerr)
	}
	actualDigest, actualLength, verr := digestutil.VerifyStream(ctx, obj.Stream)
	_ = obj.Release() // released on every exit path, per §9
	if verr != nil {
		return nil, apierr.Unavailable("verify_stream_failed", verr.Error())
	}

	if actualDigest != sess.ExpectedDigest || actualLength != sess.ExpectedLength {
		reason := "length_mismatch"
		if actualDigest != sess.ExpectedDigest {
			reason = "digest_mismatch" // digest wins when both differ, per §4.D
		}
		abortedAt := e.now()
		_, _ = e.store.Uploads().TransitionState(ctx, uploadID, store.UploadPendingCommit, store.UploadAborted, func(s *store.UploadSession) {
			s.AbortedAt = &abortedAt
			s.AbortedReason = reason
		})
		return nil, apierr.VerificationFailure(sess.ExpectedDigest, actualDigest, sess.ExpectedLength, actualLength)
	}

	var committed *store.UploadSession
	txErr := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if _, err := tx.Blobs().UpsertWithLengthCheck(ctx, sess.ExpectedDigest, sess.ExpectedLength, sess.ObjectStagingKey, obj.ETag); err != nil {
			return err
		}
		committedAt := e.now()
		updated, terr := tx.Uploads().TransitionState(ctx, uploadID, store.UploadPendingCommit, store.UploadCommitted, func(s *store.UploadSession) {
			s.CommittedBlobDigest = sess.ExpectedDigest
			s.CommittedAt = &committedAt
		})
		if terr != nil {
			return terr
		}
		committed = updated
		return nil
	})
	if txErr == store.ErrNoRowsUpdated {
		return nil, apierr.Conflict("state_changed", "upload session state changed; retry")
	}
	if txErr != nil {
		return nil, apierr.Unavailable("store_error", txErr.Error())
	}
	return committed, nil
}

func notFoundOrWrap(err error, resource string) error {
	if err == store.ErrNotFound {
		return apierr.NotFound(resource, resource+" not found")
	}
	return Error.Wrap(err)
}

func translateStoreErr(err error) error {
	se, ok := objectstore.AsStoreError(err)
	if !ok {
		return apierr.Unavailable("object_store_error", err.Error())
	}
	switch se.Kind {
	case objectstore.KindInvalidRequest:
		return apierr.Validation("object_store", se.Error())
	case objectstore.KindNotFound:
		return apierr.NotFound("object", se.Error())
	case objectstore.KindInvalidRange:
		return apierr.RangeInvalid(se.Error())
	case objectstore.KindAccessDenied, objectstore.KindTransientFailure, objectstore.KindUnexpectedFailure:
		return apierr.Unavailable("object_store_unavailable", se.Error())
	default:
		return apierr.Unavailable("object_store_error", se.Error())
	}
}
