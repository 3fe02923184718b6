// Package postgres is the production Metadata Store Adapter (§4.C):
// github.com/lib/pq over database/sql, wrapped by internal/tagsql, with
// SELECT ... FOR UPDATE row locking, array columns for scopes/member
// keys, a JSONB column for manifest documents and audit details, and
// ON CONFLICT upserts. Grounded on the teacher's satellitedb package
// (one *sql.DB, one repository struct per aggregate, a WithTx helper
// closing over *sql.Tx).
package postgres

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sremani/artifortress/internal/store"
	"github.com/sremani/artifortress/internal/tagsql"
)

// Error is the package's error class.
var Error = errs.Class("postgres")

// DB is the postgres-backed store.Store implementation.
type DB struct {
	conn *tagsql.DB
	q    tagsql.Queryer // equal to conn outside a transaction, or a *tagsql.Tx inside one
	log  *zap.Logger
}

// Open connects to dsn via lib/pq.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*DB, error) {
	conn, err := tagsql.Open("postgres", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		return nil, Error.Wrap(err)
	}
	return &DB{conn: conn, q: conn, log: log}, nil
}

// Ping verifies connectivity.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.conn.PingContext(ctx))
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.conn.Close())
}

// WithTx implements store.Store's reentrant transaction boundary: a
// DB already running inside a transaction (db.q is a *tagsql.Tx) runs fn
// against itself rather than nesting.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if _, alreadyTx := db.q.(*tagsql.Tx); alreadyTx {
		return fn(ctx, db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	txDB := &DB{conn: db.conn, q: tx, log: db.log}
	if err := fn(ctx, txDB); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			db.log.Warn("rollback failed", zap.Error(rerr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

func (db *DB) Repos() store.RepoStore                         { return &repoStore{q: db.q} }
func (db *DB) PATs() store.PATStore                           { return &patStore{q: db.q} }
func (db *DB) RoleBindings() store.RoleBindingStore           { return &roleBindingStore{q: db.q} }
func (db *DB) Blobs() store.BlobStore                         { return &blobStore{q: db.q} }
func (db *DB) Uploads() store.UploadStore                     { return &uploadStore{q: db.q} }
func (db *DB) Packages() store.PackageStore                   { return &packageStore{q: db.q} }
func (db *DB) Versions() store.VersionStore                   { return &versionStore{q: db.q} }
func (db *DB) ArtifactEntries() store.ArtifactEntryStore      { return &entryStore{q: db.q} }
func (db *DB) Manifests() store.ManifestStore                 { return &manifestStore{q: db.q} }
func (db *DB) Tombstones() store.TombstoneStore               { return &tombstoneStore{q: db.q} }
func (db *DB) Outbox() store.OutboxStore                      { return &outboxStore{q: db.q} }
func (db *DB) PolicyEvaluations() store.PolicyEvaluationStore { return &policyEvalStore{q: db.q} }
func (db *DB) Quarantine() store.QuarantineStore              { return &quarantineStore{q: db.q} }
func (db *DB) GCRuns() store.GCRunStore                       { return &gcRunStore{q: db.q} }
func (db *DB) Audit() store.AuditStore                        { return &auditStore{q: db.q} }

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the one condition §4.C requires adapters surface
// distinctly from other failures.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// wrapErr maps sql.ErrNoRows and unique-violation to the store package's
// sentinels, wrapping everything else in Error.
func wrapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case err == sql.ErrNoRows:
		return store.ErrNotFound
	case isUniqueViolation(err):
		return store.ErrUniqueViolation
	default:
		return Error.Wrap(err)
	}
}
