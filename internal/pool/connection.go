// Package pool provides a fixed-capacity pool of lazily-connected database
// handles. Connections are loaned exclusively, returned unconditionally
// (broken ones included) and revalidated by the next acquirer.
package pool

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"github.com/joao-brasil/dbprom/internal/config"
)

// State is the lifecycle state of a pooled connection.
type State int

const (
	// StateDisconnected means no database handle has been opened yet.
	StateDisconnected State = iota
	// StateConnected means the handle was opened and last known good.
	StateConnected
	// StateBroken means the handle failed; the next Connect redials.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Dialer opens a database handle. Injectable for tests.
type Dialer func(ctx context.Context) (*sqlx.DB, error)

// Conn wraps a lazily-opened sqlx handle with reconnect-on-broken
// semantics. At most one in-flight execution holds a Conn at a time; the
// pool enforces that, so methods only guard their own state transitions.
type Conn struct {
	mu    sync.Mutex
	id    int
	label string
	db    *sqlx.DB
	state State
	dial  Dialer
	log   logrus.FieldLogger
}

// NewConn creates a disconnected connection. label identifies the target in
// logs (host:port/dbname).
func NewConn(id int, label string, dial Dialer, log logrus.FieldLogger) *Conn {
	return &Conn{
		id:    id,
		label: label,
		dial:  dial,
		log:   log.WithFields(logrus.Fields{"conn": id, "target": label}),
	}
}

// SQLDialer returns a Dialer opening the configured driver/DSN. Each pooled
// connection is pinned to a single physical connection so the pool, not
// database/sql, controls concurrency.
func SQLDialer(conn *config.ConnectionConfig) Dialer {
	return func(ctx context.Context) (*sqlx.DB, error) {
		db, err := sqlx.Open(conn.Driver, conn.DSN())
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", conn.Addr(), err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping %s: %w", conn.Addr(), err)
		}
		return db, nil
	}
}

// Connect ensures the connection is usable: a no-op when Connected,
// a redial when Disconnected or Broken.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}

	if c.db != nil {
		c.db.Close()
		c.db = nil
	}

	db, err := c.dial(ctx)
	if err != nil {
		c.state = StateBroken
		return err
	}
	c.db = db
	c.state = StateConnected
	c.log.Info("connected")
	return nil
}

// DB returns the underlying handle, or nil if not connected.
func (c *Conn) DB() *sqlx.DB {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.db
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkBroken flags the connection so the next Connect redials. Called after
// timeouts and execution failures.
func (c *Conn) MarkBroken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateBroken {
		c.log.Warn("connection marked broken")
	}
	c.state = StateBroken
}

// Ping probes reachability on the current handle, connecting first if
// needed.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	if err := db.PingContext(ctx); err != nil {
		c.MarkBroken()
		return err
	}
	return nil
}

// Close releases the underlying handle.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateDisconnected
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	if err == nil {
		c.log.Info("closed")
	}
	return err
}
