// Package audit is the Audit Log (§4.I): a thin, tenant-scoped wrapper over
// the append-only AuditEntry store. Callers that must participate in a
// state-changing transaction (publish, tombstone) call Logger.Append with
// the transactional store.Store directly; everything else can use a Logger
// bound to the top-level store for best-effort durability, per §4.I's
// "other writes... may occur in a follow-up transaction" note. Grounded on
// the teacher's thin audit/event wrapper pattern (satellite's console
// audit log is a similarly narrow insert+list surface over one table).
package audit

import (
	"context"
	"time"

	"github.com/zeebo/errs"

	"github.com/sremani/artifortress/internal/store"
)

// Error is the package's error class.
var Error = errs.Class("audit")

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Logger appends and lists Audit Entry rows.
type Logger struct {
	store store.Store
	now   Clock
}

// New constructs a Logger bound to st (either the top-level Store or a
// transactional view handed to a WithTx callback).
func New(st store.Store) *Logger {
	return &Logger{store: st, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the logger's clock; used by tests.
func (l *Logger) WithClock(clock Clock) *Logger {
	l.now = clock
	return l
}

// Append records one audit entry. details may be nil.
func (l *Logger) Append(ctx context.Context, tenantID, actor, action, resourceType, resourceID string, details map[string]string) error {
	entry := &store.AuditEntry{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Details:      details,
		OccurredAt:   l.now(),
	}
	if err := l.store.Audit().Insert(ctx, entry); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// List returns the most recent entries for tenantID, newest first, capped
// at limit.
func (l *Logger) List(ctx context.Context, tenantID string, limit int) ([]*store.AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	entries, err := l.store.Audit().List(ctx, tenantID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return entries, nil
}
