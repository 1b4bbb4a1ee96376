package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned by Acquire once the pool has been shut down,
// including to callers already suspended in Acquire.
var ErrPoolClosed = errors.New("connection pool closed")

// DefaultCapacity is the pool size used when the configuration does not set
// one.
const DefaultCapacity = 10

// Pool is a fixed-capacity pool of exclusively-loaned connections. Capacity
// is set at construction and never changes. Acquire suspends when the pool
// is empty; Release wakes the oldest waiter. No validation happens on
// either path: a Broken connection is handed out as-is and reconnected by
// its next user.
type Pool struct {
	mu      sync.Mutex
	idle    []*Conn
	waiters []chan *Conn
	closed  bool

	capacity int
	log      logrus.FieldLogger
}

// New creates a pool pre-filled with capacity disconnected connections
// produced by factory.
func New(capacity int, factory func(id int) *Conn, log logrus.FieldLogger) *Pool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{
		idle:     make([]*Conn, 0, capacity),
		capacity: capacity,
		log:      log,
	}
	for i := 0; i < capacity; i++ {
		p.idle = append(p.idle, factory(i))
	}
	return p
}

// Capacity returns the fixed pool size.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Acquire returns an exclusive loan of a connection. When all connections
// are out, the caller suspends until a release or until ctx is cancelled.
// After Close every Acquire, suspended ones included, fails with
// ErrPoolClosed.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}

	waiter := make(chan *Conn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case conn, ok := <-waiter:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-ctx.Done():
		if !p.removeWaiter(waiter) {
			// A release or close already dequeued this waiter, so a
			// send (or channel close) is guaranteed: wait for it and
			// reclaim the loan, or the slot leaks for good.
			if conn, ok := <-waiter; ok {
				p.Release(conn)
			}
		}
		return nil, ctx.Err()
	}
}

// Release returns a connection unconditionally, valid or Broken. After
// Close the connection is closed instead of being reintroduced.
func (p *Pool) Release(conn *Conn) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		waiter <- conn
		return
	}

	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Close drains and closes every pooled connection and fails all suspended
// acquirers. Loaned-out connections are closed by Release when they come
// back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	var firstErr error
	for _, c := range idle {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	p.log.Info("connection pool closed")
	return firstErr
}

// Idle returns the number of connections currently available.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// removeWaiter drops a cancelled waiter from the queue, reporting whether
// it was still queued. false means a release or close has committed to the
// channel.
func (p *Pool) removeWaiter(ch chan *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return true
		}
	}
	return false
}
