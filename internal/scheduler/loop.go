package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joao-brasil/dbprom/internal/config"
	"github.com/joao-brasil/dbprom/internal/exporter"
	"github.com/joao-brasil/dbprom/internal/mapper"
	"github.com/joao-brasil/dbprom/internal/pool"
	"github.com/joao-brasil/dbprom/internal/query"
	"github.com/joao-brasil/dbprom/pkg/backoff"
)

// queryLoop drives one query against one connection target forever:
// acquire, execute, map, publish, release, sleep. Failures back off with
// jitter and never terminate the loop; only ctx cancellation does, and the
// release step still runs first.
type queryLoop struct {
	query      config.QueryConfig
	pool       *pool.Pool
	runner     Runner
	exp        *exporter.Exporter
	mapper     *mapper.Mapper
	specs      []mapper.GaugeSpec
	connLabels map[string]string

	interval time.Duration
	bo       *backoff.Backoff
	log      logrus.FieldLogger
}

func newQueryLoop(q config.QueryConfig, p *pool.Pool, r Runner, exp *exporter.Exporter,
	m *mapper.Mapper, connLabels map[string]string, log logrus.FieldLogger) *queryLoop {

	specs := make([]mapper.GaugeSpec, 0, len(q.Gauges))
	for _, g := range q.Gauges {
		specs = append(specs, mapper.NewGaugeSpec(g))
	}

	interval := time.Duration(q.TimeInterval) * time.Second
	return &queryLoop{
		query:      q,
		pool:       p,
		runner:     r,
		exp:        exp,
		mapper:     m,
		specs:      specs,
		connLabels: connLabels,
		interval:   interval,
		bo:         backoff.New(interval, time.Duration(q.MaxBackoff)*time.Second),
		log:        log.WithField("query", q.Name),
	}
}

// Run executes cycles until ctx is cancelled.
func (l *queryLoop) Run(ctx context.Context) {
	l.log.WithField("interval", l.interval).Info("query loop started")

	timer := time.NewTimer(0) // first cycle runs immediately
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("query loop stopped")
			return
		case <-timer.C:
		}

		err := l.cycle(ctx)
		if ctx.Err() != nil {
			l.log.Info("query loop stopped")
			return
		}

		var delay time.Duration
		if err != nil {
			delay = l.bo.Next()
			l.log.WithError(err).WithFields(logrus.Fields{
				"failures": l.bo.Failures(),
				"retry_in": delay,
			}).Error("query cycle failed")
		} else {
			l.bo.Reset()
			delay = l.interval
		}
		timer.Reset(delay)
	}
}

// cycle performs one acquire-execute-publish pass. The connection is
// released on every path, Broken included.
func (l *queryLoop) cycle(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer l.pool.Release(conn)

	if err := conn.Connect(ctx); err != nil {
		l.exp.SetConnectionStatus(false, l.connLabels)
		return fmt.Errorf("connect: %w", err)
	}
	l.exp.SetConnectionStatus(true, l.connLabels)

	start := time.Now()
	res, err := l.runner.Run(ctx, conn, &l.query)

	// Duration and drop counts are recorded whether or not the execution
	// succeeded.
	l.exp.RecordQueryDuration(l.query.Name, time.Since(start))
	l.exp.RecordRowsDropped(l.query.Name, res.Dropped)

	if err != nil {
		conn.MarkBroken()
		if errors.Is(err, query.ErrTimeout) {
			l.exp.RecordQueryTimeout(l.query.Name)
			return fmt.Errorf("query %s: %w", l.query.Name, err)
		}
		return fmt.Errorf("query %s: %w", l.query.Name, err)
	}

	l.publish(res.Rows)
	l.exp.RecordQuerySuccess(l.query.Name)
	l.log.WithField("rows", len(res.Rows)).Debug("query cycle complete")
	return nil
}

// publish maps the result rows through every gauge spec and writes the
// samples to the registry.
func (l *queryLoop) publish(rows [][]any) {
	for i, spec := range l.specs {
		for _, s := range l.mapper.Map(spec, i, rows, l.connLabels) {
			l.exp.SetGauge(s.Name, s.Value, s.Labels)
		}
	}
}
