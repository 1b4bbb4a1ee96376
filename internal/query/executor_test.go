package query

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/dbprom/internal/config"
)

// fakeConn implements Conn with scripted rows, delays and failures, and
// counts every cleanup call.
type fakeConn struct {
	rows       [][]any
	prepareErr error
	queryErr   error
	fetchErrAt int // 1-based row index that fails; 0 = never
	fetchDelay time.Duration

	prepareCalls atomic.Int32
	stmtCloses   atomic.Int32
	rowsCloses   atomic.Int32
	fetches      atomic.Int32
}

func (c *fakeConn) Prepare(ctx context.Context, sql string) (Stmt, error) {
	c.prepareCalls.Add(1)
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	return &fakeStmt{conn: c}, nil
}

type fakeStmt struct {
	conn *fakeConn
}

func (s *fakeStmt) Query(ctx context.Context, params ...any) (Rows, error) {
	if s.conn.queryErr != nil {
		return nil, s.conn.queryErr
	}
	return &fakeRows{conn: s.conn, ctx: ctx}, nil
}

func (s *fakeStmt) Close() error {
	s.conn.stmtCloses.Add(1)
	return nil
}

type fakeRows struct {
	conn *fakeConn
	ctx  context.Context
	idx  int
}

func (r *fakeRows) Next() ([]any, error) {
	if r.conn.fetchDelay > 0 {
		select {
		case <-time.After(r.conn.fetchDelay):
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		}
	}
	if r.conn.fetchErrAt > 0 && r.idx+1 == r.conn.fetchErrAt {
		return nil, errors.New("fetch failed")
	}
	if r.idx >= len(r.conn.rows) {
		return nil, io.EOF
	}
	row := r.conn.rows[r.idx]
	r.idx++
	r.conn.fetches.Add(1)
	return row, nil
}

func (r *fakeRows) Close() error {
	r.conn.rowsCloses.Add(1)
	return nil
}

func testExecutor(t *testing.T) *Executor {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := NewExecutor(2, log)
	t.Cleanup(e.Close)
	return e
}

func threeRows() [][]any {
	return [][]any{
		{1.0, "a"},
		{2.0, "b"},
		{3.0, "c"},
	}
}

// requireCleanup asserts the statement and cursor were each released
// exactly once.
func requireCleanup(t *testing.T, c *fakeConn, wantRowsClose bool) {
	t.Helper()
	require.Equal(t, int32(1), c.stmtCloses.Load(), "statement must be closed exactly once")
	if wantRowsClose {
		require.Equal(t, int32(1), c.rowsCloses.Load(), "cursor must be closed exactly once")
	}
}

func TestExecute_Success_OrderPreserved(t *testing.T) {
	e := testExecutor(t)
	conn := &fakeConn{rows: threeRows()}

	stream, err := e.Execute(context.Background(), conn, Request{SQL: "SELECT 1"})
	require.NoError(t, err)

	rows, err := stream.Collect()
	require.NoError(t, err)
	require.Equal(t, threeRows(), rows)
	assert.Zero(t, stream.Dropped())
	requireCleanup(t, conn, true)
}

func TestExecute_MaxRowsHaltsFetching(t *testing.T) {
	e := testExecutor(t)
	all := make([][]any, 10)
	for i := range all {
		all[i] = []any{float64(i)}
	}
	conn := &fakeConn{rows: all}

	stream, err := e.Execute(context.Background(), conn, Request{SQL: "q", MaxRows: 4})
	require.NoError(t, err)

	rows, err := stream.Collect()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, int32(4), conn.fetches.Load(), "fetching stops at max_rows")
	requireCleanup(t, conn, true)
}

func TestExecute_TimeoutIsDistinctAndCleansUp(t *testing.T) {
	e := testExecutor(t)
	conn := &fakeConn{rows: threeRows(), fetchDelay: time.Second}

	stream, err := e.Execute(context.Background(), conn, Request{
		SQL:     "q",
		Timeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = stream.Collect()
	require.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrRowOverflow)

	// The worker observes the cancellation and still runs its cleanup.
	require.Eventually(t, func() bool {
		return conn.stmtCloses.Load() == 1 && conn.rowsCloses.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecute_PrepareFailure(t *testing.T) {
	e := testExecutor(t)
	prepErr := errors.New("syntax error")
	conn := &fakeConn{prepareErr: prepErr}

	stream, err := e.Execute(context.Background(), conn, Request{SQL: "q"})
	require.NoError(t, err)

	rows, err := stream.Collect()
	require.ErrorIs(t, err, prepErr)
	assert.NotErrorIs(t, err, ErrTimeout, "execution failure is not a timeout")
	assert.Empty(t, rows)
	assert.Zero(t, conn.stmtCloses.Load(), "nothing to clean up when prepare fails")
}

func TestExecute_QueryFailureClosesStmt(t *testing.T) {
	e := testExecutor(t)
	qErr := errors.New("table not found")
	conn := &fakeConn{queryErr: qErr}

	stream, err := e.Execute(context.Background(), conn, Request{SQL: "q"})
	require.NoError(t, err)

	_, err = stream.Collect()
	require.ErrorIs(t, err, qErr)
	requireCleanup(t, conn, false)
	assert.Zero(t, conn.rowsCloses.Load())
}

func TestExecute_FetchErrorAfterRows(t *testing.T) {
	e := testExecutor(t)
	conn := &fakeConn{rows: threeRows(), fetchErrAt: 3}

	stream, err := e.Execute(context.Background(), conn, Request{SQL: "q"})
	require.NoError(t, err)

	rows, err := stream.Collect()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	// Rows produced before the failure are delivered; the error surfaces
	// only after the completion sentinel.
	require.Len(t, rows, 2)
	requireCleanup(t, conn, true)
}

func TestExecute_ConsumerCancellation(t *testing.T) {
	e := testExecutor(t)
	conn := &fakeConn{rows: threeRows(), fetchDelay: 20 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := e.Execute(ctx, conn, Request{SQL: "q"})
	require.NoError(t, err)

	_, ok, err := stream.Next()
	require.True(t, ok)
	require.NoError(t, err)

	cancel()
	for {
		_, ok, err = stream.Next()
		if !ok {
			break
		}
	}
	require.ErrorIs(t, err, context.Canceled)

	require.Eventually(t, func() bool {
		return conn.stmtCloses.Load() == 1 && conn.rowsCloses.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestExecute_OverflowDrop(t *testing.T) {
	e := testExecutor(t)
	all := make([][]any, 5)
	for i := range all {
		all[i] = []any{float64(i)}
	}
	conn := &fakeConn{rows: all}

	stream, err := e.Execute(context.Background(), conn, Request{
		SQL:       "q",
		Overflow:  config.OverflowDrop,
		RowBuffer: 1,
	})
	require.NoError(t, err)

	// Do not consume until the worker has given up on the overflow rows.
	require.Eventually(t, func() bool {
		return conn.stmtCloses.Load() == 1
	}, 5*time.Second, 20*time.Millisecond)

	rows, err := stream.Collect()
	require.NoError(t, err, "dropping is a policy, not an error")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(4), stream.Dropped())
}

func TestExecute_OverflowBlockLosesNothing(t *testing.T) {
	e := testExecutor(t)
	all := make([][]any, 20)
	for i := range all {
		all[i] = []any{float64(i)}
	}
	conn := &fakeConn{rows: all}

	stream, err := e.Execute(context.Background(), conn, Request{
		SQL:       "q",
		Overflow:  config.OverflowBlock,
		RowBuffer: 1,
	})
	require.NoError(t, err)

	var rows [][]any
	for {
		row, ok, err := stream.Next()
		if !ok {
			require.NoError(t, err)
			break
		}
		time.Sleep(time.Millisecond) // slow consumer
		rows = append(rows, row)
	}
	require.Len(t, rows, 20)
	assert.Zero(t, stream.Dropped())
	requireCleanup(t, conn, true)
}

func TestExecute_OverflowFail(t *testing.T) {
	e := testExecutor(t)
	conn := &fakeConn{rows: threeRows()}

	stream, err := e.Execute(context.Background(), conn, Request{
		SQL:       "q",
		Overflow:  config.OverflowFail,
		RowBuffer: 1,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return conn.stmtCloses.Load() == 1
	}, time.Second, 10*time.Millisecond)

	rows, err := stream.Collect()
	require.ErrorIs(t, err, ErrRowOverflow)
	require.Len(t, rows, 1)
}

func TestExecute_AfterClose(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	e := NewExecutor(1, log)
	e.Close()

	_, err := e.Execute(context.Background(), &fakeConn{}, Request{SQL: "q"})
	require.ErrorIs(t, err, ErrExecutorClosed)
}

func TestExecute_SlowJobDoesNotBlockOtherWorkers(t *testing.T) {
	e := testExecutor(t) // 2 workers
	slow := &fakeConn{rows: threeRows(), fetchDelay: 5 * time.Second}
	fast := &fakeConn{rows: threeRows()}

	slowStream, err := e.Execute(context.Background(), slow, Request{
		SQL: "slow", Timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	defer slowStream.Cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		stream, err := e.Execute(context.Background(), fast, Request{SQL: "fast"})
		if err != nil {
			return
		}
		stream.Collect()
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("fast query stalled behind slow one")
	}
}
