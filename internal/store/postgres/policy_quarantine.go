package postgres

import (
	"context"
	"time"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type policyEvalStore struct{ q tagsql.Queryer }

func (s *policyEvalStore) Insert(ctx context.Context, e *store.PolicyEvaluation) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO policy_evaluations (
			evaluation_id, tenant_id, repo_id, version_id, action, decision, decision_source,
			reason, policy_engine_version, evaluated_at, evaluated_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.EvaluationID, e.TenantID, e.RepoID, e.VersionID, e.Action, e.Decision, e.DecisionSource,
		e.Reason, e.PolicyEngineVersion, e.EvaluatedAt, e.EvaluatedBy)
	return wrapErr(err)
}

// CountRecentTimeouts exists to satisfy the store contract, but the
// fail-closed Gate (pkg/policy) never inserts a row on timeout, so this
// always returns 0 against real data; the Reconciler instead uses
// AuditStore.CountRecentByAction("policy.timeout", ...). See DESIGN.md.
func (s *policyEvalStore) CountRecentTimeouts(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM policy_evaluations WHERE decision_source = 'timeout' AND evaluated_at >= $1`, since).Scan(&n)
	return n, wrapErr(err)
}

type quarantineStore struct{ q tagsql.Queryer }

func scanQuarantine(row interface{ Scan(dest ...interface{}) error }) (*store.QuarantineItem, error) {
	q := &store.QuarantineItem{}
	err := row.Scan(&q.QuarantineID, &q.TenantID, &q.RepoID, &q.VersionID, &q.Status, &q.Reason,
		&q.CreatedAt, &q.ResolvedAt, &q.ResolvedBy)
	if err != nil {
		return nil, wrapErr(err)
	}
	return q, nil
}

const quarantineColumns = `quarantine_id, tenant_id, repo_id, version_id, status, reason, created_at, resolved_at, resolved_by`

// Upsert resets any prior resolution on conflict of (tenant, repo,
// version), matching memstore's semantics: a fresh quarantine decision
// for a version supersedes an earlier resolved one.
func (s *quarantineStore) Upsert(ctx context.Context, q *store.QuarantineItem) error {
	row := s.q.QueryRowContext(ctx, `
		INSERT INTO quarantine_items (quarantine_id, tenant_id, repo_id, version_id, status, reason, created_at, resolved_at, resolved_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, repo_id, version_id) DO UPDATE SET
			status = EXCLUDED.status, reason = EXCLUDED.reason, resolved_at = NULL, resolved_by = ''
		RETURNING `+quarantineColumns,
		q.QuarantineID, q.TenantID, q.RepoID, q.VersionID, q.Status, q.Reason, q.CreatedAt, q.ResolvedAt, q.ResolvedBy)
	updated, err := scanQuarantine(row)
	if err != nil {
		return err
	}
	*q = *updated
	return nil
}

func (s *quarantineStore) GetByVersion(ctx context.Context, tenantID, repoID, versionID string) (*store.QuarantineItem, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+quarantineColumns+` FROM quarantine_items WHERE tenant_id = $1 AND repo_id = $2 AND version_id = $3`,
		tenantID, repoID, versionID)
	return scanQuarantine(row)
}

func (s *quarantineStore) Get(ctx context.Context, quarantineID string) (*store.QuarantineItem, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+quarantineColumns+` FROM quarantine_items WHERE quarantine_id = $1`, quarantineID)
	return scanQuarantine(row)
}

func (s *quarantineStore) TransitionStatus(ctx context.Context, quarantineID string, toStatus store.QuarantineStatus, resolvedBy string, resolvedAt time.Time) (*store.QuarantineItem, error) {
	row := s.q.QueryRowContext(ctx, `
		UPDATE quarantine_items SET status = $2, resolved_by = $3, resolved_at = $4
		WHERE quarantine_id = $1 AND status = 'quarantined'
		RETURNING `+quarantineColumns,
		quarantineID, toStatus, resolvedBy, resolvedAt)
	item, err := scanQuarantine(row)
	if err == store.ErrNotFound {
		return nil, store.ErrNoRowsUpdated
	}
	return item, err
}

func (s *quarantineStore) AnyActiveForDigestInRepo(ctx context.Context, repoID, digest string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM quarantine_items q
			JOIN artifact_entries e ON e.version_id = q.version_id
			JOIN versions v ON v.version_id = q.version_id
			WHERE v.repo_id = $1 AND e.blob_digest = $2 AND q.status IN ('quarantined', 'rejected')
		)`, repoID, digest).Scan(&exists)
	return exists, wrapErr(err)
}
