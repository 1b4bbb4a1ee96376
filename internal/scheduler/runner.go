// Package scheduler drives the configured queries: one timed retry loop per
// (connection, query) pair plus a keep-alive loop per connection target,
// all cancelled together on shutdown.
package scheduler

import (
	"context"
	"time"

	"github.com/joao-brasil/dbprom/internal/config"
	"github.com/joao-brasil/dbprom/internal/pool"
	"github.com/joao-brasil/dbprom/internal/query"
)

// Result is the outcome of one query execution.
type Result struct {
	Rows    [][]any
	Dropped int64
}

// Runner executes one query on one connection. Faked in tests; the
// production implementation delegates to the streaming executor.
type Runner interface {
	Run(ctx context.Context, conn *pool.Conn, q *config.QueryConfig) (Result, error)
}

// execRunner runs queries through a query.Executor.
type execRunner struct {
	exec *query.Executor
}

// NewRunner returns the production Runner backed by the given executor.
func NewRunner(exec *query.Executor) Runner {
	return &execRunner{exec: exec}
}

func (r *execRunner) Run(ctx context.Context, conn *pool.Conn, q *config.QueryConfig) (Result, error) {
	req := query.Request{
		SQL:      q.Query,
		Params:   q.Params,
		Timeout:  time.Duration(q.Timeout) * time.Second,
		MaxRows:  q.MaxRows,
		Overflow: q.Overflow,
	}

	stream, err := r.exec.Execute(ctx, query.WrapDB(conn.DB()), req)
	if err != nil {
		return Result{}, err
	}

	rows, err := stream.Collect()
	return Result{Rows: rows, Dropped: stream.Dropped()}, err
}
