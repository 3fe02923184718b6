// Package tagsql is a thin context-first wrapper over database/sql, named
// and shaped directly after the teacher's private/tagsql: a DB/Tx pair
// that exposes only the *Context methods, plus a ContextSupport tag
// describing how much real context cancellation the underlying driver
// honors (lib/pq's cancellation support differs from pure-Go drivers).
// Grounded on storj-storj/private/tagsql (retrieved as db_test.go; the
// production source wasn't in the retrieval pack, so this reconstructs
// the exposed surface the test file exercises: Open, DB, ContextSupport).
package tagsql

import (
	"context"
	"database/sql"
)

// ContextSupport describes how much of database/sql's context plumbing a
// driver honors.
type ContextSupport int

const (
	// SupportNone means the driver has no special context behavior beyond
	// what database/sql itself provides (true of lib/pq and most
	// cgo-backed drivers).
	SupportNone ContextSupport = iota
	// SupportBasic means the driver was opened through this package's own
	// context-cancellation shim.
	SupportBasic
)

// Queryer is the common subset of *DB and *Tx every store package needs.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// DB wraps *sql.DB.
type DB struct {
	*sql.DB
}

// Tx wraps *sql.Tx.
type Tx struct {
	*sql.Tx
}

// Open opens a driver/source pair through database/sql, returning the
// wrapped handle.
func Open(driverName, dataSourceName string) (*DB, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	return &DB{DB: db}, nil
}

// BeginTx starts a transaction, wrapped as *Tx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{Tx: tx}, nil
}
