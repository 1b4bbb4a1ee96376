package query

import (
	"context"
	"sync/atomic"
)

// Stream is a lazy, finite, non-restartable sequence of rows produced by
// one execution. Rows preserve driver order. The channel close is the
// completion sentinel: any worker-side error is surfaced only after it,
// guaranteeing the worker has finished with the statement.
type Stream struct {
	ch     chan []any
	ctx    context.Context
	cancel context.CancelFunc

	// err is written by the worker before it closes ch and read by the
	// consumer only after ch is closed; the close provides the ordering.
	err error

	dropped atomic.Int64
}

func newStream(ctx context.Context, cancel context.CancelFunc, buffer int) *Stream {
	return &Stream{
		ch:     make(chan []any, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Next returns the next row. ok is false once the sequence is complete or
// aborted; the error is then ErrTimeout for a deadline, the context error
// for cancellation, or the captured execution error.
func (s *Stream) Next() (row []any, ok bool, err error) {
	// Prefer rows already buffered over a concurrent deadline so produced
	// rows are delivered.
	select {
	case row, open := <-s.ch:
		if open {
			return row, true, nil
		}
		s.cancel()
		return nil, false, s.err
	default:
	}

	select {
	case row, open := <-s.ch:
		if open {
			return row, true, nil
		}
		s.cancel()
		return nil, false, s.err
	case <-s.ctx.Done():
		s.cancel()
		if s.ctx.Err() == context.DeadlineExceeded {
			return nil, false, ErrTimeout
		}
		return nil, false, s.ctx.Err()
	}
}

// Collect drains the stream into memory, returning whatever rows were
// produced before any error.
func (s *Stream) Collect() ([][]any, error) {
	var rows [][]any
	for {
		row, ok, err := s.Next()
		if !ok {
			return rows, err
		}
		rows = append(rows, row)
	}
}

// Cancel aborts the execution. The worker observes the cancellation on its
// next blocking call and still runs its cleanup.
func (s *Stream) Cancel() {
	s.cancel()
}

// Dropped reports rows discarded under the drop overflow policy.
func (s *Stream) Dropped() int64 {
	return s.dropped.Load()
}
