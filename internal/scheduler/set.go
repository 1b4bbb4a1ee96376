package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joao-brasil/dbprom/internal/config"
	"github.com/joao-brasil/dbprom/internal/exporter"
	"github.com/joao-brasil/dbprom/internal/mapper"
	"github.com/joao-brasil/dbprom/internal/pool"
	"github.com/joao-brasil/dbprom/internal/query"
)

// ConnectionSet fans the configured queries (filtered by tag) across one
// connection target. Each set owns its pool and executor; distinct sets
// share nothing but the registry, so a hang in one never stalls another.
type ConnectionSet struct {
	conn       config.ConnectionConfig
	queries    []config.QueryConfig
	pool       *pool.Pool
	exec       *query.Executor
	runner     Runner
	exp        *exporter.Exporter
	mapper     *mapper.Mapper
	connLabels map[string]string

	retryConnInterval time.Duration
	log               logrus.FieldLogger
}

// NewConnectionSet builds the pool, executor and query loops for one
// configured connection. union is the label-key union across all
// connections.
func NewConnectionSet(cfg *config.Config, conn config.ConnectionConfig, union []string,
	exp *exporter.Exporter, log logrus.FieldLogger) *ConnectionSet {

	log = log.WithField("target", conn.Addr()+"/"+conn.DBName)

	c := conn
	p := pool.New(cfg.Global.PoolSize, func(id int) *pool.Conn {
		return pool.NewConn(id, c.Addr()+"/"+c.DBName, pool.SQLDialer(&c), log)
	}, log)

	exec := query.NewExecutor(cfg.Global.WorkerCount, log)

	return &ConnectionSet{
		conn:              conn,
		queries:           cfg.QueriesFor(&conn),
		pool:              p,
		exec:              exec,
		runner:            NewRunner(exec),
		exp:               exp,
		mapper:            mapper.New(log),
		connLabels:        mapper.StaticLabels(&conn, union),
		retryConnInterval: time.Duration(cfg.Global.RetryConnInterval) * time.Second,
		log:               log,
	}
}

// Queries returns the tag-filtered queries this set runs.
func (s *ConnectionSet) Queries() []config.QueryConfig {
	return s.queries
}

// Run starts the keep-alive loop and one query loop per matching query,
// then blocks until ctx is cancelled. Every loop reaches its release step
// before Run tears down the executor and pool.
func (s *ConnectionSet) Run(ctx context.Context) {
	s.log.WithField("queries", len(s.queries)).Info("connection set started")

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.keepAlive(ctx)
	}()

	for _, q := range s.queries {
		loop := newQueryLoop(q, s.pool, s.runner, s.exp, s.mapper, s.connLabels, s.log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop.Run(ctx)
		}()
	}

	wg.Wait()
	s.exec.Close()
	s.pool.Close()
	s.log.Info("connection set stopped")
}

// keepAlive periodically probes the target and publishes reachability. It
// borrows a pooled connection like any other loop so probe failures mark
// real pool connections Broken.
func (s *ConnectionSet) keepAlive(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		s.probe(ctx)
		if ctx.Err() != nil {
			return
		}
		timer.Reset(s.retryConnInterval)
	}
}

func (s *ConnectionSet) probe(ctx context.Context) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return
	}
	defer s.pool.Release(conn)

	if err := conn.Ping(ctx); err != nil {
		s.exp.SetConnectionStatus(false, s.connLabels)
		s.log.WithError(err).Warn("keep-alive probe failed")
		return
	}
	s.exp.SetConnectionStatus(true, s.connLabels)
}

// Run starts one ConnectionSet per configured connection and blocks until
// all of them have shut down.
func Run(ctx context.Context, cfg *config.Config, exp *exporter.Exporter, log logrus.FieldLogger) {
	union := mapper.LabelKeyUnion(cfg.Connections)

	var wg sync.WaitGroup
	for _, conn := range cfg.Connections {
		set := NewConnectionSet(cfg, conn, union, exp, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			set.Run(ctx)
		}()
	}
	wg.Wait()
}
