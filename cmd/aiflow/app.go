package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/deepnoodle-ai/aiflow"
	"github.com/deepnoodle-ai/aiflow/audit"
	"github.com/deepnoodle-ai/aiflow/backend"
	"github.com/deepnoodle-ai/aiflow/breaker"
	"github.com/deepnoodle-ai/aiflow/config"
	"github.com/deepnoodle-ai/aiflow/permission"
	"github.com/deepnoodle-ai/aiflow/runner"
	"github.com/deepnoodle-ai/aiflow/selector"
	"github.com/deepnoodle-ai/aiflow/workflows"
)

// app wires the long-lived components shared by the commands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	metricsRegistry *prometheus.Registry
	circuits        *breaker.Registry
	stats           *selector.Stats
	sink            audit.Sink
	recorder        *audit.Recorder
	dispatcher      *backend.Dispatcher
	gate            *permission.Manager
	checkpointer    *aiflow.FileCheckpointer
	executor        *aiflow.Executor

	closers []func() error
}

type appOptions struct {
	// Callbacks receive workflow progress events.
	Callbacks aiflow.Callbacks

	// Confirmer approves critical operations interactively.
	Confirmer permission.Confirmer
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: cfg.Logger()}

	a.metricsRegistry = prometheus.NewRegistry()
	metrics := backend.NewMetrics("aiflow", a.metricsRegistry)

	a.circuits = breaker.New(
		breaker.WithConfig(cfg.Breaker),
		breaker.WithLogger(a.logger),
		breaker.WithStateChangeHandler(metrics.ObserveTransition),
	)

	sink, closeSink, err := openSink(ctx, cfg.Audit)
	if err != nil {
		return nil, err
	}
	if closeSink != nil {
		a.closers = append(a.closers, closeSink)
	}
	a.sink = sink
	a.recorder = audit.NewRecorder(sink, a.logger)
	a.stats = selector.NewStats()

	dispatcherOpts := append(cfg.DispatcherOptions(),
		backend.WithRunner(runner.New(runner.WithLogger(a.logger))),
		backend.WithBreaker(a.circuits),
		backend.WithLogger(a.logger),
		backend.WithObserver(metrics, a.stats, a.recorder),
	)
	a.dispatcher = backend.NewDispatcher(dispatcherOpts...)

	gateOpts := []permission.Option{permission.WithLogger(a.logger)}
	if opts.Confirmer != nil {
		gateOpts = append(gateOpts, permission.WithConfirmer(opts.Confirmer))
	}
	a.gate = permission.NewManager(cfg.AutonomyLevel(), gateOpts...)

	a.checkpointer, err = aiflow.NewFileCheckpointer(cfg.CheckpointDir)
	if err != nil {
		a.Close()
		return nil, err
	}

	reg, err := a.registry()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.executor, err = aiflow.NewExecutor(aiflow.ExecutorOptions{
		Registry:     reg,
		Logger:       a.logger,
		Checkpointer: a.checkpointer,
		Callbacks:    opts.Callbacks,
		Recorder:     a.recorder,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// registry registers the built-in workflows and every pipeline found in
// the configured pipeline directory.
func (a *app) registry() (*aiflow.Registry, error) {
	reg, err := aiflow.NewRegistry()
	if err != nil {
		return nil, err
	}
	root, _ := os.Getwd()
	err = workflows.Register(reg, workflows.Dependencies{
		Dispatcher: a.dispatcher,
		Gate:       a.gate,
		Recorder:   a.recorder,
		Selector:   selector.New(selector.WithRecorder(a.recorder), selector.WithCircuits(a.circuits), selector.WithLogger(a.logger)),
		Root:       root,
	})
	if err != nil {
		return nil, err
	}
	pipelines, err := aiflow.LoadPipelineDir(a.cfg.PipelineDir)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		w, err := p.Workflow(a.dispatcher, a.gate, nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
		if err := reg.Register(w); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", p.Name, err)
		}
		a.logger.Debug("registered pipeline", "workflow", p.Name)
	}
	return reg, nil
}

// Close releases the audit store.
func (a *app) Close() {
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

func openSink(ctx context.Context, c config.Audit) (audit.Sink, func() error, error) {
	switch c.Driver {
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(c.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create audit directory: %w", err)
		}
		store, err := audit.OpenSQLite(ctx, c.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverPostgres:
		store, err := audit.Open(ctx, "postgres", c.DSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case config.DriverJSONL:
		return audit.NewFileSink(c.Path), nil, nil
	default:
		return audit.NullSink{}, nil, nil
	}
}
