package pool

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestPool(capacity int) *Pool {
	log := testLog()
	return New(capacity, func(id int) *Conn {
		return NewConn(id, "testdb", func(ctx context.Context) (*sqlx.DB, error) {
			return nil, nil
		}, log)
	}, log)
}

func TestAcquire_UpToCapacityWithoutBlocking(t *testing.T) {
	p := newTestPool(3)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var loans []*Conn
	for i := 0; i < 3; i++ {
		conn, err := p.Acquire(ctx)
		require.NoError(t, err)
		loans = append(loans, conn)
	}
	assert.Zero(t, p.Idle())

	// Loans are exclusive: all three are distinct.
	seen := map[*Conn]bool{}
	for _, c := range loans {
		assert.False(t, seen[c])
		seen[c] = true
	}
}

func TestAcquire_BeyondCapacitySuspendsUntilRelease(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	got := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(ctx)
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("second acquire should suspend while the pool is empty")
	case <-time.After(50 * time.Millisecond):
	}

	p.Release(conn)

	select {
	case c := <-got:
		assert.Same(t, conn, c, "released connection handed to the waiter")
	case <-time.After(time.Second):
		t.Fatal("waiter never woke up after release")
	}
}

func TestAcquire_ContextCancellation(t *testing.T) {
	p := newTestPool(1)
	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}
}

func TestAcquire_CancelRacingReleaseKeepsCapacity(t *testing.T) {
	// A release can dequeue a waiter just as the waiter's context fires.
	// Once dequeued, the connection is committed to that waiter's channel;
	// the cancelled acquirer must reclaim and re-release it, or the pool
	// permanently loses a slot.
	p := newTestPool(1)
	bg := context.Background()

	for i := 0; i < 1000; i++ {
		conn, err := p.Acquire(bg)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(bg)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if c, err := p.Acquire(ctx); err == nil {
				p.Release(c)
			}
		}()

		go cancel()
		p.Release(conn)
		<-done
		cancel()

		require.Equal(t, 1, p.Idle(), "iteration %d leaked the connection", i)
	}
}

func TestRelease_Unconditional_BrokenConnReintroduced(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	conn.MarkBroken()
	p.Release(conn)

	// The broken connection comes back as-is; reconnecting is the next
	// acquirer's job.
	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, conn, again)
	assert.Equal(t, StateBroken, again.State())
}

func TestClose_FailsSubsequentAndSuspendedAcquires(t *testing.T) {
	p := newTestPool(1)
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrPoolClosed, "suspended acquire observes close, does not hang")
	case <-time.After(time.Second):
		t.Fatal("suspended acquire hung across Close")
	}

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)

	// A late release must not reintroduce the connection.
	p.Release(conn)
	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, ErrPoolClosed)
	assert.Equal(t, StateDisconnected, conn.State(), "late release closes the loan")
}

func TestClose_Idempotent(t *testing.T) {
	p := newTestPool(2)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
}

func TestNew_DefaultCapacity(t *testing.T) {
	p := newTestPool(0)
	assert.Equal(t, DefaultCapacity, p.Capacity())
	assert.Equal(t, DefaultCapacity, p.Idle())
}

func TestConn_ConnectLifecycle(t *testing.T) {
	var dials atomic.Int32
	conn := NewConn(0, "testdb", func(ctx context.Context) (*sqlx.DB, error) {
		dials.Add(1)
		return nil, nil
	}, testLog())
	ctx := context.Background()

	require.Equal(t, StateDisconnected, conn.State())

	require.NoError(t, conn.Connect(ctx))
	require.Equal(t, StateConnected, conn.State())
	assert.Equal(t, int32(1), dials.Load())

	// Idempotent while connected.
	require.NoError(t, conn.Connect(ctx))
	assert.Equal(t, int32(1), dials.Load())

	// Broken forces a redial.
	conn.MarkBroken()
	require.NoError(t, conn.Connect(ctx))
	require.Equal(t, StateConnected, conn.State())
	assert.Equal(t, int32(2), dials.Load())
}

func TestConn_DialFailureMarksBroken(t *testing.T) {
	dialErr := errors.New("network unreachable")
	conn := NewConn(0, "testdb", func(ctx context.Context) (*sqlx.DB, error) {
		return nil, dialErr
	}, testLog())

	err := conn.Connect(context.Background())
	require.ErrorIs(t, err, dialErr)
	assert.Equal(t, StateBroken, conn.State())

	// Ping surfaces the connect failure.
	require.Error(t, conn.Ping(context.Background()))
}
