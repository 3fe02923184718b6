package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type auditStore struct{ q tagsql.Queryer }

func (s *auditStore) Insert(ctx context.Context, a *store.AuditEntry) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO audit_entries (audit_id, tenant_id, actor, action, resource_type, resource_id, details, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.AuditID, a.TenantID, a.Actor, a.Action, a.ResourceType, a.ResourceID, details, a.OccurredAt)
	return wrapErr(err)
}

func scanAudit(row interface{ Scan(dest ...interface{}) error }) (*store.AuditEntry, error) {
	a := &store.AuditEntry{}
	var details []byte
	err := row.Scan(&a.AuditID, &a.TenantID, &a.Actor, &a.Action, &a.ResourceType, &a.ResourceID, &details, &a.OccurredAt)
	if err != nil {
		return nil, wrapErr(err)
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &a.Details); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	return a, nil
}

const auditColumns = `audit_id, tenant_id, actor, action, resource_type, resource_id, details, occurred_at`

func (s *auditStore) List(ctx context.Context, tenantID string, limit int) ([]*store.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+auditColumns+` FROM audit_entries WHERE tenant_id = $1 ORDER BY occurred_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	var out []*store.AuditEntry
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, wrapErr(rows.Err())
}

func (s *auditStore) CountRecentByAction(ctx context.Context, tenantID, action string, since time.Time) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM audit_entries WHERE tenant_id = $1 AND action = $2 AND occurred_at >= $3`,
		tenantID, action, since).Scan(&n)
	return n, wrapErr(err)
}
