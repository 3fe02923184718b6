package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

type outboxStore struct{ q tagsql.Queryer }

// InsertIfAbsent relies on a unique index over
// (tenant_id, aggregate_type, aggregate_id, event_type) to implement the
// idempotency guarantee of Invariant 7: ON CONFLICT DO NOTHING tells us
// whether a row was actually inserted via the returned row count.
func (s *outboxStore) InsertIfAbsent(ctx context.Context, e *store.OutboxEvent) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, aggregate_type, aggregate_id, event_type, payload, occurred_at, available_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, aggregate_type, aggregate_id, event_type) DO NOTHING`,
		e.EventID, e.TenantID, e.AggregateType, e.AggregateID, e.EventType, e.Payload, e.OccurredAt, e.AvailableAt)
	if err != nil {
		return false, wrapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

func (s *outboxStore) CountPending(ctx context.Context, asOf time.Time) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT count(*) FROM outbox_events WHERE delivered_at IS NULL`).Scan(&n)
	return n, wrapErr(err)
}

func (s *outboxStore) CountAvailable(ctx context.Context, asOf time.Time) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		SELECT count(*) FROM outbox_events WHERE delivered_at IS NULL AND available_at <= $1`, asOf).Scan(&n)
	return n, wrapErr(err)
}

func (s *outboxStore) OldestPendingAge(ctx context.Context, asOf time.Time) (time.Duration, bool, error) {
	var oldest sql.NullTime
	err := s.q.QueryRowContext(ctx, `
		SELECT min(occurred_at) FROM outbox_events WHERE delivered_at IS NULL`).Scan(&oldest)
	if err != nil {
		return 0, false, wrapErr(err)
	}
	if !oldest.Valid {
		return 0, false, nil
	}
	return asOf.Sub(oldest.Time), true, nil
}
