package sqlite

import (
	"context"
	"database/sql"
	"sync/atomic"
)

// Stmt is a prepared statement of a Database.
type Stmt struct {
	db       *Database
	stmt     *sql.Stmt
	readonly bool
	locked   bool // Stmt holds a shared lock of the Database.
	closed   atomic.Bool
}

// Readonly returns true if the statement doesn't directly write the database.
func (s *Stmt) Readonly() bool { return s.readonly }

// Exec executes the statement with |args|.
func (s *Stmt) Exec(ctx context.Context, args ...interface{}) (sql.Result, error) {
	var res, err = s.stmt.ExecContext(ctx, args...)
	if !s.readonly {
		s.db.signal()
	}
	return res, err
}

// Query executes the statement with |args|, returning its Rows.
func (s *Stmt) Query(ctx context.Context, args ...interface{}) (*Rows, error) {
	var rows, err = s.stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	return &Rows{Rows: rows, stmt: s}, nil
}

// QueryRow executes the statement with |args|, expecting a single row.
func (s *Stmt) QueryRow(ctx context.Context, args ...interface{}) *Row {
	var rows, err = s.Query(ctx, args...)
	return &Row{rows: rows, err: err}
}

// Close the statement, releasing its shared lock (if held). Close panics
// if called more than once.
func (s *Stmt) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		panic("sqlite: Stmt closed more than once")
	}
	var err = s.stmt.Close()

	if s.locked {
		s.db.lock.UnlockShared()
	}
	if !s.readonly {
		s.db.signal()
	}
	return err
}

// Rows are the result of a query. Rows must be closed, even if iterated
// through to completion, to release resources of the query.
type Rows struct {
	*sql.Rows

	stmt     *Stmt
	ownsStmt bool // Closing Rows also closes |stmt|.
	closed   bool
}

// Close the Rows, and its statement if the Rows were returned by Database.Query.
func (r *Rows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	var err = r.Rows.Close()
	if r.ownsStmt {
		if cerr := r.stmt.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Row is the result of a single-row query.
type Row struct {
	rows *Rows
	err  error
}

// Scan the first row of the query into |dest|. It returns sql.ErrNoRows
// if the query produced no rows.
func (r *Row) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return sql.ErrNoRows
	} else if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	return r.rows.Close()
}
