package query

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joao-brasil/dbprom/internal/config"
)

var (
	// ErrTimeout marks an execution that exceeded its deadline, as
	// opposed to one that failed. The connection that ran it must be
	// reconnected before reuse.
	ErrTimeout = errors.New("query execution timed out")

	// ErrRowOverflow aborts an execution under the fail overflow policy.
	ErrRowOverflow = errors.New("row buffer overflow")

	// ErrExecutorClosed is returned by Execute after Close.
	ErrExecutorClosed = errors.New("executor closed")
)

const (
	// DefaultRowBuffer is the capacity of the worker-to-consumer row
	// channel.
	DefaultRowBuffer = 1000

	// dropRetries and dropWait bound how long a worker waits for channel
	// space before discarding a row under the drop policy.
	dropRetries = 3
	dropWait    = 50 * time.Millisecond
)

// Request describes one execution.
type Request struct {
	SQL      string
	Params   []any
	Timeout  time.Duration
	MaxRows  int
	Overflow config.Overflow

	// RowBuffer overrides DefaultRowBuffer when > 0. Used by tests.
	RowBuffer int
}

// Executor runs statements on a fixed set of worker goroutines. The workers
// are the only goroutines that touch the driver; callers interact through
// Streams.
type Executor struct {
	jobs chan *job
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once
	log  logrus.FieldLogger
}

type job struct {
	ctx    context.Context
	conn   Conn
	req    Request
	stream *Stream
	log    logrus.FieldLogger
}

// NewExecutor starts a pool of workers. Close must be called to stop them.
func NewExecutor(workers int, log logrus.FieldLogger) *Executor {
	if workers <= 0 {
		workers = 4
	}
	e := &Executor{
		jobs: make(chan *job),
		quit: make(chan struct{}),
		log:  log,
	}
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Execute submits a request and returns its row stream. It blocks until a
// worker accepts the job; if no worker frees up within the request timeout
// the submission itself times out.
func (e *Executor) Execute(ctx context.Context, conn Conn, req Request) (*Stream, error) {
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	buffer := req.RowBuffer
	if buffer <= 0 {
		buffer = DefaultRowBuffer
	}

	j := &job{
		ctx:    ctx,
		conn:   conn,
		req:    req,
		stream: newStream(ctx, cancel, buffer),
		log:    e.log,
	}

	select {
	case e.jobs <- j:
		return j.stream, nil
	case <-e.quit:
		cancel()
		return nil, ErrExecutorClosed
	case <-ctx.Done():
		cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Close stops the workers and waits for in-flight jobs to finish their
// cleanup. In-flight streams are cancelled.
func (e *Executor) Close() {
	e.once.Do(func() {
		close(e.quit)
	})
	e.wg.Wait()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			j.run()
		}
	}
}

// run performs the blocking driver calls for one execution. The statement
// and cursor are released in a single deferred cleanup, exactly once, on
// every exit path; the stream channel is closed last as the completion
// sentinel.
func (j *job) run() {
	defer close(j.stream.ch)

	stmt, err := j.conn.Prepare(j.ctx, j.req.SQL)
	if err != nil {
		j.stream.err = j.mapErr(err)
		return
	}

	var rows Rows
	defer func() {
		if rows != nil {
			rows.Close()
		}
		stmt.Close()
	}()

	rows, err = stmt.Query(j.ctx, j.req.Params...)
	if err != nil {
		j.stream.err = j.mapErr(err)
		return
	}

	produced := 0
	for {
		if j.ctx.Err() != nil {
			j.stream.err = j.mapErr(j.ctx.Err())
			return
		}

		row, err := rows.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			j.stream.err = j.mapErr(err)
			return
		}

		if !j.push(row) {
			return
		}
		produced++
		if j.req.MaxRows > 0 && produced >= j.req.MaxRows {
			return
		}
	}
}

// push moves one row into the stream channel, applying the overflow policy
// when the consumer lags. Returns false when the execution should stop.
func (j *job) push(row []any) bool {
	select {
	case j.stream.ch <- row:
		return true
	default:
	}

	switch j.req.Overflow {
	case config.OverflowBlock:
		select {
		case j.stream.ch <- row:
			return true
		case <-j.ctx.Done():
			j.stream.err = j.mapErr(j.ctx.Err())
			return false
		}

	case config.OverflowFail:
		j.stream.err = ErrRowOverflow
		return false

	default: // drop
		for i := 0; i < dropRetries; i++ {
			select {
			case j.stream.ch <- row:
				return true
			case <-j.ctx.Done():
				j.stream.err = j.mapErr(j.ctx.Err())
				return false
			case <-time.After(dropWait):
			}
		}
		j.stream.dropped.Add(1)
		j.log.Debug("row buffer full, row dropped")
		return true
	}
}

// mapErr normalizes context errors so the consumer sees the same timeout
// error on both sides of the channel.
func (j *job) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || (err != nil && j.ctx.Err() == context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}
