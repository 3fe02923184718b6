package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type uploadStore struct{ q tagsql.Queryer }

func (s *uploadStore) Insert(ctx context.Context, u *store.UploadSession) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO upload_sessions (
			upload_id, tenant_id, repo_id, expected_digest, expected_length, state,
			object_staging_key, storage_upload_id, committed_blob_digest,
			created_at, expires_at, updated_at, aborted_at, aborted_reason, committed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		u.UploadID, u.TenantID, u.RepoID, u.ExpectedDigest, u.ExpectedLength, u.State,
		u.ObjectStagingKey, u.StorageUploadID, u.CommittedBlobDigest,
		u.CreatedAt, u.ExpiresAt, u.UpdatedAt, u.AbortedAt, u.AbortedReason, u.CommittedAt)
	return wrapErr(err)
}

func scanUpload(row interface{ Scan(dest ...interface{}) error }) (*store.UploadSession, error) {
	u := &store.UploadSession{}
	err := row.Scan(&u.UploadID, &u.TenantID, &u.RepoID, &u.ExpectedDigest, &u.ExpectedLength, &u.State,
		&u.ObjectStagingKey, &u.StorageUploadID, &u.CommittedBlobDigest,
		&u.CreatedAt, &u.ExpiresAt, &u.UpdatedAt, &u.AbortedAt, &u.AbortedReason, &u.CommittedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	return u, nil
}

const uploadColumns = `upload_id, tenant_id, repo_id, expected_digest, expected_length, state,
	object_staging_key, storage_upload_id, committed_blob_digest,
	created_at, expires_at, updated_at, aborted_at, aborted_reason, committed_at`

func (s *uploadStore) Get(ctx context.Context, uploadID string) (*store.UploadSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_sessions WHERE upload_id = $1`, uploadID)
	return scanUpload(row)
}

// TransitionState performs the conditional `WHERE state = fromState` update
// §4.D requires, applying mutate's field changes via a fixed column list
// (object_staging_key, storage_upload_id, committed_blob_digest,
// aborted_at, aborted_reason, committed_at) after re-reading the row.
func (s *uploadStore) TransitionState(ctx context.Context, uploadID string, fromState, toState store.UploadState, mutate func(*store.UploadSession)) (*store.UploadSession, error) {
	current, err := s.Get(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if current.State != fromState {
		return nil, store.ErrNoRowsUpdated
	}
	if mutate != nil {
		mutate(current)
	}
	current.State = toState
	current.UpdatedAt = timeNow()

	res, err := s.q.ExecContext(ctx, `
		UPDATE upload_sessions SET
			state = $2, object_staging_key = $3, storage_upload_id = $4, committed_blob_digest = $5,
			updated_at = $6, aborted_at = $7, aborted_reason = $8, committed_at = $9
		WHERE upload_id = $1 AND state = $10`,
		uploadID, current.State, current.ObjectStagingKey, current.StorageUploadID, current.CommittedBlobDigest,
		current.UpdatedAt, current.AbortedAt, current.AbortedReason, current.CommittedAt, fromState)
	if err != nil {
		return nil, wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrapErr(err)
	}
	if n == 0 {
		return nil, store.ErrNoRowsUpdated
	}
	return current, nil
}

func (s *uploadStore) ListExpired(ctx context.Context, asOf time.Time) ([]*store.UploadSession, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+uploadColumns+` FROM upload_sessions
		WHERE expires_at < $1 AND state NOT IN ('committed', 'aborted')`, asOf)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.UploadSession
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, wrapErr(rows.Err())
}

func (s *uploadStore) ClearCommittedDigestReferences(ctx context.Context, digests []string) error {
	if len(digests) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE upload_sessions SET committed_blob_digest = ''
		WHERE committed_blob_digest = ANY($1)`, pq.Array(digests))
	return wrapErr(err)
}
