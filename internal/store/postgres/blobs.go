package postgres

import (
	"context"
	"time"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type blobStore struct{ q tagsql.Queryer }

// UpsertWithLengthCheck implements the §4.E length-collision invariant: a
// conflicting digest with a different length is a fault, surfaced as a
// plain wrapped error (not a sentinel); the upload engine renders it as a
// 503 store_error rather than a conflict.
func (s *blobStore) UpsertWithLengthCheck(ctx context.Context, digest string, length int64, storageKey, etag string) (*store.Blob, error) {
	existing, err := s.Get(ctx, digest)
	if err == nil {
		if existing.Length != length {
			return nil, Error.New("blob %s exists with length %d, got %d", digest, existing.Length, length)
		}
		if etag != "" && existing.ObjectETag == "" {
			_, err := s.q.ExecContext(ctx, `UPDATE blobs SET object_etag = $2 WHERE digest = $1`, digest, etag)
			if err != nil {
				return nil, wrapErr(err)
			}
			existing.ObjectETag = etag
		}
		return existing, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	now := timeNow()
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO blobs (digest, length, storage_key, object_etag, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (digest) DO NOTHING`, digest, length, storageKey, etag, now)
	if err != nil {
		return nil, wrapErr(err)
	}
	return s.Get(ctx, digest)
}

func (s *blobStore) Get(ctx context.Context, digest string) (*store.Blob, error) {
	b := &store.Blob{}
	err := s.q.QueryRowContext(ctx, `
		SELECT digest, length, storage_key, object_etag, created_at FROM blobs WHERE digest = $1`, digest).
		Scan(&b.Digest, &b.Length, &b.StorageKey, &b.ObjectETag, &b.CreatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	return b, nil
}

func (s *blobStore) Exists(ctx context.Context, digest string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM blobs WHERE digest = $1)`, digest).Scan(&exists)
	return exists, wrapErr(err)
}

func (s *blobStore) CommittedInRepo(ctx context.Context, repoID, digest string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM upload_sessions
			WHERE repo_id = $1 AND state = 'committed' AND committed_blob_digest = $2
		)`, repoID, digest).Scan(&exists)
	return exists, wrapErr(err)
}

func (s *blobStore) ListOrphanCandidates(ctx context.Context, runID string, cutoff time.Time, limit int) ([]*store.Blob, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT b.digest, b.length, b.storage_key, b.object_etag, b.created_at
		FROM blobs b
		WHERE b.created_at <= $2
		  AND NOT EXISTS (SELECT 1 FROM gc_marks m WHERE m.run_id = $1 AND m.digest = b.digest)
		  AND NOT EXISTS (SELECT 1 FROM artifact_entries e WHERE e.blob_digest = b.digest)
		  AND NOT EXISTS (SELECT 1 FROM manifests man WHERE man.manifest_digest = b.digest)
		ORDER BY b.created_at
		LIMIT $3`, runID, cutoff, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.Blob
	for rows.Next() {
		b := &store.Blob{}
		if err := rows.Scan(&b.Digest, &b.Length, &b.StorageKey, &b.ObjectETag, &b.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, b)
	}
	return out, wrapErr(rows.Err())
}

func (s *blobStore) Delete(ctx context.Context, digest string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM blobs WHERE digest = $1`, digest)
	return wrapErr(err)
}

func (s *blobStore) ListAll(ctx context.Context) ([]*store.Blob, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT digest, length, storage_key, object_etag, created_at FROM blobs`)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.Blob
	for rows.Next() {
		b := &store.Blob{}
		if err := rows.Scan(&b.Digest, &b.Length, &b.StorageKey, &b.ObjectETag, &b.CreatedAt); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, b)
	}
	return out, wrapErr(rows.Err())
}

// timeNow exists so the postgres package has one seam for "now" without
// pulling a Clock type into every repository struct; callers that need
// deterministic time (tests, GC, policy) supply it explicitly. It stamps
// blobs.created_at on insert and upload_sessions.updated_at on transition.
func timeNow() time.Time { return time.Now().UTC() }
