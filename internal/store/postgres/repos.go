package postgres

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type repoStore struct{ q tagsql.Queryer }

func (s *repoStore) Insert(ctx context.Context, r *store.Repo) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO repos (repo_id, tenant_id, repo_key, repo_type, upstream_url, member_keys, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.RepoID, r.TenantID, r.RepoKey, r.RepoType, r.UpstreamURL, pq.Array(r.MemberKeys), r.CreatedAt)
	return wrapErr(err)
}

func scanRepo(row interface{ Scan(dest ...interface{}) error }) (*store.Repo, error) {
	r := &store.Repo{}
	var memberKeys pq.StringArray
	err := row.Scan(&r.RepoID, &r.TenantID, &r.RepoKey, &r.RepoType, &r.UpstreamURL, &memberKeys, &r.CreatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	r.MemberKeys = []string(memberKeys)
	return r, nil
}

func (s *repoStore) GetByKey(ctx context.Context, tenantID, repoKey string) (*store.Repo, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT repo_id, tenant_id, repo_key, repo_type, upstream_url, member_keys, created_at
		FROM repos WHERE tenant_id = $1 AND repo_key = $2`, tenantID, repoKey)
	return scanRepo(row)
}

func (s *repoStore) GetByID(ctx context.Context, repoID string) (*store.Repo, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT repo_id, tenant_id, repo_key, repo_type, upstream_url, member_keys, created_at
		FROM repos WHERE repo_id = $1`, repoID)
	return scanRepo(row)
}

func (s *repoStore) List(ctx context.Context, tenantID string) ([]*store.Repo, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT repo_id, tenant_id, repo_key, repo_type, upstream_url, member_keys, created_at
		FROM repos WHERE tenant_id = $1 ORDER BY repo_key`, tenantID)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.Repo
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, wrapErr(rows.Err())
}

func (s *repoStore) Delete(ctx context.Context, repoID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM repos WHERE repo_id = $1`, repoID)
	return wrapErr(err)
}

type patStore struct{ q tagsql.Queryer }

func (s *patStore) Insert(ctx context.Context, p *store.PAT) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO pats (token_id, tenant_id, subject, token_hash, scopes, expires_at, revoked_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.TokenID, p.TenantID, p.Subject, p.TokenHash, pq.Array(p.Scopes), p.ExpiresAt, p.RevokedAt, p.CreatedAt)
	return wrapErr(err)
}

func (s *patStore) GetActiveByHash(ctx context.Context, tokenHash string) (*store.PAT, error) {
	p := &store.PAT{}
	var scopes pq.StringArray
	err := s.q.QueryRowContext(ctx, `
		SELECT token_id, tenant_id, subject, token_hash, scopes, expires_at, revoked_at, created_at
		FROM pats WHERE token_hash = $1 AND revoked_at IS NULL`, tokenHash).
		Scan(&p.TokenID, &p.TenantID, &p.Subject, &p.TokenHash, &scopes, &p.ExpiresAt, &p.RevokedAt, &p.CreatedAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	p.Scopes = []string(scopes)
	return p, nil
}

func (s *patStore) Revoke(ctx context.Context, tokenID string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `UPDATE pats SET revoked_at = $2 WHERE token_id = $1 AND revoked_at IS NULL`, tokenID, at)
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

func (s *patStore) CountActiveForTenant(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM pats WHERE tenant_id = $1 AND revoked_at IS NULL AND expires_at > now()`, tenantID).Scan(&n)
	return n, wrapErr(err)
}

type roleBindingStore struct{ q tagsql.Queryer }

func (s *roleBindingStore) Upsert(ctx context.Context, b *store.RoleBinding) error {
	roles := make([]string, len(b.Roles))
	for i, r := range b.Roles {
		roles[i] = string(r)
	}
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO role_bindings (repo_id, subject, roles)
		VALUES ($1, $2, $3)
		ON CONFLICT (repo_id, subject) DO UPDATE SET roles = EXCLUDED.roles`,
		b.RepoID, b.Subject, pq.Array(roles))
	return wrapErr(err)
}

func (s *roleBindingStore) Get(ctx context.Context, repoID, subject string) (*store.RoleBinding, error) {
	b := &store.RoleBinding{}
	var roles pq.StringArray
	err := s.q.QueryRowContext(ctx, `
		SELECT repo_id, subject, roles FROM role_bindings WHERE repo_id = $1 AND subject = $2`,
		repoID, subject).Scan(&b.RepoID, &b.Subject, &roles)
	if err != nil {
		return nil, wrapErr(err)
	}
	b.Roles = rolesFromStrings(roles)
	return b, nil
}

func (s *roleBindingStore) ListForSubject(ctx context.Context, subject string) ([]*store.RoleBinding, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT repo_id, subject, roles FROM role_bindings WHERE subject = $1`, subject)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.RoleBinding
	for rows.Next() {
		b := &store.RoleBinding{}
		var roles pq.StringArray
		if err := rows.Scan(&b.RepoID, &b.Subject, &roles); err != nil {
			return nil, wrapErr(err)
		}
		b.Roles = rolesFromStrings(roles)
		out = append(out, b)
	}
	return out, wrapErr(rows.Err())
}

func rolesFromStrings(in []string) []store.Role {
	out := make([]store.Role, len(in))
	for i, r := range in {
		out[i] = store.Role(r)
	}
	return out
}
