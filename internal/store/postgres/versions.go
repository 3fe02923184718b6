package postgres

import (
	"context"
	"time"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type versionStore struct{ q tagsql.Queryer }

const versionColumns = `version_id, repo_id, package_id, version, state, created_at, published_at, tombstoned_at, tombstone_reason`

func scanVersion(row interface{ Scan(dest ...interface{}) error }) (*store.Version, error) {
	v := &store.Version{}
	err := row.Scan(&v.VersionID, &v.RepoID, &v.PackageID, &v.Version, &v.State,
		&v.CreatedAt, &v.PublishedAt, &v.TombstonedAt, &v.TombstoneReason)
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

func (s *versionStore) InsertDraft(ctx context.Context, v *store.Version) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO versions (version_id, repo_id, package_id, version, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		v.VersionID, v.RepoID, v.PackageID, v.Version, v.State, v.CreatedAt)
	return wrapErr(err)
}

func (s *versionStore) GetByTriple(ctx context.Context, repoID, packageID, version string) (*store.Version, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions WHERE repo_id = $1 AND package_id = $2 AND version = $3`,
		repoID, packageID, version)
	return scanVersion(row)
}

// LockForUpdate must be called inside a transaction (db.WithTx); the
// FOR UPDATE clause is the whole point and relies on the caller's *Tx.
func (s *versionStore) LockForUpdate(ctx context.Context, versionID string) (*store.Version, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE version_id = $1 FOR UPDATE`, versionID)
	return scanVersion(row)
}

func (s *versionStore) Update(ctx context.Context, v *store.Version) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE versions SET state = $2, published_at = $3, tombstoned_at = $4, tombstone_reason = $5
		WHERE version_id = $1`,
		v.VersionID, v.State, v.PublishedAt, v.TombstonedAt, v.TombstoneReason)
	if err != nil {
		return wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *versionStore) Get(ctx context.Context, versionID string) (*store.Version, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM versions WHERE version_id = $1`, versionID)
	return scanVersion(row)
}

func (s *versionStore) ListTombstonedPastRetention(ctx context.Context, asOf time.Time, limit int) ([]*store.Version, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM versions v
		JOIN tombstones t ON t.version_id = v.version_id
		WHERE v.state = 'tombstoned' AND t.retention_until <= $1
		LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, wrapErr(rows.Err())
}

func (s *versionStore) DeleteBatch(ctx context.Context, versionIDs []string) error {
	for _, id := range versionIDs {
		if _, err := s.q.ExecContext(ctx, `DELETE FROM artifact_entries WHERE version_id = $1`, id); err != nil {
			return wrapErr(err)
		}
		if _, err := s.q.ExecContext(ctx, `DELETE FROM manifests WHERE version_id = $1`, id); err != nil {
			return wrapErr(err)
		}
		if _, err := s.q.ExecContext(ctx, `DELETE FROM tombstones WHERE version_id = $1`, id); err != nil {
			return wrapErr(err)
		}
		if _, err := s.q.ExecContext(ctx, `DELETE FROM versions WHERE version_id = $1`, id); err != nil {
			return wrapErr(err)
		}
	}
	return nil
}
