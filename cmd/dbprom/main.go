// Package main is the entrypoint for the dbprom exporter. It loads the
// configuration, wires logging, starts the metrics endpoint and the query
// schedulers, and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"

	"github.com/joao-brasil/dbprom/internal/config"
	"github.com/joao-brasil/dbprom/internal/exporter"
	"github.com/joao-brasil/dbprom/internal/mapper"
	"github.com/joao-brasil/dbprom/internal/scheduler"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <config.yaml>\n", os.Args[0])
		os.Exit(1)
	}

	log := logrus.New()

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	if err := setupLogging(log, cfg.Global); err != nil {
		log.WithError(err).Fatal("failed to set up logging")
	}

	log.WithFields(logrus.Fields{
		"connections": len(cfg.Connections),
		"queries":     len(cfg.Queries),
	}).Info("configuration loaded")
	log.Debugf("configuration: %+v", cfg.Masked())

	// Every sample under one metric name must carry an identical label-key
	// set, so gauges are registered with the union across all connections.
	union := mapper.LabelKeyUnion(cfg.Connections)
	queryNames := make([]string, 0, len(cfg.Queries))
	for _, q := range cfg.Queries {
		queryNames = append(queryNames, q.Name)
	}

	exp := exporter.New(log, union, queryNames)
	for _, q := range cfg.Queries {
		for _, g := range q.Gauges {
			spec := mapper.NewGaugeSpec(g)
			exp.CreateGauge(g.Name, g.Desc, spec.LabelKeys(union))
		}
	}

	srv := exp.Server(cfg.Global.Host, cfg.Global.Port)
	go func() {
		log.WithField("addr", srv.Addr).Info("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("metrics endpoint failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		scheduler.Run(ctx, cfg, exp, log)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig).Info("shutting down")

	cancel()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("schedulers did not stop in time")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("metrics endpoint shutdown error")
	}

	log.Info("shutdown complete")
}

// setupLogging applies the global log settings: level, format and an
// optional log file.
func setupLogging(log *logrus.Logger, g config.GlobalConfig) error {
	level, err := logrus.ParseLevel(g.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log_level %q: %w", g.LogLevel, err)
	}
	log.SetLevel(level)

	if g.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if g.LogPath != "" {
		f, err := os.OpenFile(g.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("opening log file %s: %w", g.LogPath, err)
		}
		log.SetOutput(f)
	}

	return nil
}
