// Package query executes SQL statements on a bounded worker pool and
// streams positional result rows to the caller through a bounded channel.
// Blocking driver calls never run on the caller's goroutine, so one hanging
// statement cannot stall unrelated query loops.
package query

import (
	"context"
	"io"

	"github.com/jmoiron/sqlx"
)

// Conn is the narrow driver surface the executor needs. The production
// implementation wraps sqlx; tests substitute fakes that count cleanups.
type Conn interface {
	// Prepare compiles a statement. The returned Stmt must be closed
	// exactly once.
	Prepare(ctx context.Context, sql string) (Stmt, error)
}

// Stmt is a prepared statement.
type Stmt interface {
	// Query binds params and executes, returning a row cursor.
	Query(ctx context.Context, params ...any) (Rows, error)
	Close() error
}

// Rows is a forward-only row cursor. Next returns io.EOF when exhausted.
type Rows interface {
	Next() ([]any, error)
	Close() error
}

// sqlxConn adapts a *sqlx.DB to the Conn interface.
type sqlxConn struct {
	db *sqlx.DB
}

// WrapDB returns a Conn backed by the given sqlx handle.
func WrapDB(db *sqlx.DB) Conn {
	return &sqlxConn{db: db}
}

func (c *sqlxConn) Prepare(ctx context.Context, sql string) (Stmt, error) {
	stmt, err := c.db.PreparexContext(ctx, sql)
	if err != nil {
		return nil, err
	}
	return &sqlxStmt{stmt: stmt}, nil
}

type sqlxStmt struct {
	stmt *sqlx.Stmt
}

func (s *sqlxStmt) Query(ctx context.Context, params ...any) (Rows, error) {
	rows, err := s.stmt.QueryxContext(ctx, params...)
	if err != nil {
		return nil, err
	}
	return &sqlxRows{rows: rows}, nil
}

func (s *sqlxStmt) Close() error {
	return s.stmt.Close()
}

type sqlxRows struct {
	rows *sqlx.Rows
}

func (r *sqlxRows) Next() ([]any, error) {
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	return r.rows.SliceScan()
}

func (r *sqlxRows) Close() error {
	return r.rows.Close()
}
