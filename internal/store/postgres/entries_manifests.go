package postgres

import (
	"context"
	"time"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type entryStore struct{ q tagsql.Queryer }

func (s *entryStore) Upsert(ctx context.Context, e *store.ArtifactEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO artifact_entries (version_id, relative_path, blob_digest, checksum_sha1, checksum_sha256, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (version_id, relative_path) DO UPDATE SET
			blob_digest = EXCLUDED.blob_digest, checksum_sha1 = EXCLUDED.checksum_sha1,
			checksum_sha256 = EXCLUDED.checksum_sha256, size_bytes = EXCLUDED.size_bytes`,
		e.VersionID, e.RelativePath, e.BlobDigest, e.ChecksumSHA1, e.ChecksumSHA256, e.SizeBytes)
	return wrapErr(err)
}

func (s *entryStore) ListForVersion(ctx context.Context, versionID string) ([]*store.ArtifactEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT version_id, relative_path, blob_digest, checksum_sha1, checksum_sha256, size_bytes
		FROM artifact_entries WHERE version_id = $1 ORDER BY relative_path`, versionID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.ArtifactEntry
	for rows.Next() {
		e := &store.ArtifactEntry{}
		if err := rows.Scan(&e.VersionID, &e.RelativePath, &e.BlobDigest, &e.ChecksumSHA1, &e.ChecksumSHA256, &e.SizeBytes); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

func (s *entryStore) CountForVersion(ctx context.Context, versionID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM artifact_entries WHERE version_id = $1`, versionID).Scan(&n)
	return n, wrapErr(err)
}

// ListLiveDigests implements §4.H root-set materialization for artifact
// entries: a version is alive if it's not tombstoned, or its tombstone's
// retention_until hasn't passed asOf yet.
func (s *entryStore) ListLiveDigests(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT e.blob_digest
		FROM artifact_entries e
		JOIN versions v ON v.version_id = e.version_id
		LEFT JOIN tombstones t ON t.version_id = v.version_id
		WHERE v.state != 'tombstoned' OR t.retention_until > $1 OR t.version_id IS NULL`, asOf)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, d)
	}
	return out, wrapErr(rows.Err())
}

func (s *entryStore) FindByDigestInRepo(ctx context.Context, repoID, digest string) ([]*store.ArtifactEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT e.version_id, e.relative_path, e.blob_digest, e.checksum_sha1, e.checksum_sha256, e.size_bytes
		FROM artifact_entries e
		JOIN versions v ON v.version_id = e.version_id
		WHERE v.repo_id = $1 AND e.blob_digest = $2`, repoID, digest)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.ArtifactEntry
	for rows.Next() {
		e := &store.ArtifactEntry{}
		if err := rows.Scan(&e.VersionID, &e.RelativePath, &e.BlobDigest, &e.ChecksumSHA1, &e.ChecksumSHA256, &e.SizeBytes); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, e)
	}
	return out, wrapErr(rows.Err())
}

type manifestStore struct{ q tagsql.Queryer }

func (s *manifestStore) Upsert(ctx context.Context, m *store.Manifest) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO manifests (version_id, document, manifest_digest)
		VALUES ($1, $2, $3)
		ON CONFLICT (version_id) DO UPDATE SET document = EXCLUDED.document, manifest_digest = EXCLUDED.manifest_digest`,
		m.VersionID, m.Document, m.ManifestDigest)
	return wrapErr(err)
}

func (s *manifestStore) Get(ctx context.Context, versionID string) (*store.Manifest, error) {
	m := &store.Manifest{}
	err := s.q.QueryRowContext(ctx, `
		SELECT version_id, document, manifest_digest FROM manifests WHERE version_id = $1`, versionID).
		Scan(&m.VersionID, &m.Document, &m.ManifestDigest)
	if err != nil {
		return nil, wrapErr(err)
	}
	return m, nil
}

func (s *manifestStore) Exists(ctx context.Context, versionID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM manifests WHERE version_id = $1)`, versionID).Scan(&exists)
	return exists, wrapErr(err)
}

func (s *manifestStore) ListLiveManifestDigests(ctx context.Context, asOf time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT m.manifest_digest
		FROM manifests m
		JOIN versions v ON v.version_id = m.version_id
		LEFT JOIN tombstones t ON t.version_id = v.version_id
		WHERE m.manifest_digest != '' AND (v.state != 'tombstoned' OR t.retention_until > $1 OR t.version_id IS NULL)`, asOf)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, wrapErr(err)
		}
		out = append(out, d)
	}
	return out, wrapErr(rows.Err())
}

type tombstoneStore struct{ q tagsql.Queryer }

func (s *tombstoneStore) Upsert(ctx context.Context, t *store.Tombstone) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO tombstones (version_id, retention_until, reason, deleted_by_subject)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (version_id) DO UPDATE SET
			retention_until = EXCLUDED.retention_until, reason = EXCLUDED.reason,
			deleted_by_subject = EXCLUDED.deleted_by_subject`,
		t.VersionID, t.RetentionUntil, t.Reason, t.DeletedBySubject)
	return wrapErr(err)
}

func (s *tombstoneStore) Get(ctx context.Context, versionID string) (*store.Tombstone, error) {
	t := &store.Tombstone{}
	err := s.q.QueryRowContext(ctx, `
		SELECT version_id, retention_until, reason, deleted_by_subject FROM tombstones WHERE version_id = $1`, versionID).
		Scan(&t.VersionID, &t.RetentionUntil, &t.Reason, &t.DeletedBySubject)
	if err != nil {
		return nil, wrapErr(err)
	}
	return t, nil
}
