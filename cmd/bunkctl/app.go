package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"bunkcore/internal/archive"
	"bunkcore/internal/collect"
	"bunkcore/internal/config"
	"bunkcore/internal/constraint"
	"bunkcore/internal/core"
	"bunkcore/internal/graph"
	"bunkcore/internal/infra/redis"
	"bunkcore/internal/logging"
	"bunkcore/internal/oracle"
	"bunkcore/internal/orchestrator"
	"bunkcore/internal/pipeline"
	"bunkcore/internal/priority"
	"bunkcore/internal/resolver"
	"bunkcore/internal/solver"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// app holds the wired components shared by every command.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	svc      *core.Service
	orch     *orchestrator.Orchestrator
	pipeline *pipeline.Pipeline
	closers  []io.Closer
}

func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (a *app, err error) {
	a = &app{cfg: cfg, log: logging.OrNop(log), registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	metrics := core.NewMetrics(a.registry)
	store, closer, err := core.OpenPersistentStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closer)
	a.svc = core.NewService(store, core.WithLogger(a.log), core.WithMetricsRecorder(metrics))

	blobs, err := archive.Open(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("open run archive: %w", err)
	}

	queue, locker, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}

	var parser oracle.Oracle
	var tie resolver.TieBreaker
	switch cfg.Oracle.Driver {
	case "http":
		client := oracle.NewHTTPClient(cfg.Oracle.BaseURL, cfg.Oracle.Timeout, cfg.Oracle.Retries, a.log)
		parser, tie = client, client
	default:
		parser = oracle.NewHeuristic(cfg.Priority.Keywords)
	}
	res, err := resolver.New(cfg.Resolver, tie, a.log)
	if err != nil {
		return nil, err
	}

	a.pipeline = pipeline.New(store,
		collect.New(parser, res, cfg.Collect, a.log),
		priority.New(cfg.Priority, a.log),
		graph.New(cfg.Graph, a.log),
		pipeline.WithLogger(a.log),
		pipeline.WithRecorder(metrics))

	a.orch = orchestrator.New(store,
		constraint.New(cfg.Constraint, a.log),
		solver.NewLocal(a.log),
		queue, locker, cfg.Solver,
		orchestrator.WithLogger(a.log),
		orchestrator.WithRecorder(metrics),
		orchestrator.WithArchiver(archive.New(blobs, a.log)))
	return a, nil
}

func (a *app) openQueue(ctx context.Context) (orchestrator.Queue, orchestrator.Locker, error) {
	if a.cfg.Queue.Driver != "redis" {
		return orchestrator.NewMemoryQueue(a.cfg.Queue.Buffer), orchestrator.NewMemoryLocker(), nil
	}
	client, err := redis.NewClient(ctx, a.cfg.Queue.RedisAddr)
	if err != nil {
		return nil, nil, err
	}
	a.closers = append(a.closers, client)
	queue, err := redis.NewQueue(ctx, client, a.cfg.Queue.Stream, a.cfg.Queue.Group, a.log)
	if err != nil {
		return nil, nil, err
	}
	return queue, redis.NewLocker(client), nil
}

// Close stops the workers and releases stores in reverse order.
func (a *app) Close() error {
	if a.orch != nil {
		a.orch.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
