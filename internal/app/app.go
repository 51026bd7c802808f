// Package app builds the long-lived harvester services from configuration
// and runs targets through the pipeline.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/browser"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/headless"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/opsserver"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/pipeline"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/politeness"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/resolver"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/runstatus"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/blob"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/kafka"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/postgres"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/sink/pubsub"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/gcs"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/local"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/storage/memory"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/strategy/selector"
)

// ErrUnknownTarget is returned when a requested target is not configured.
var ErrUnknownTarget = errors.New("unknown target")

// StatusRecorder stores the outcome of each run.
type StatusRecorder interface {
	Record(ctx context.Context, res pipeline.Result, runErr error) error
}

// App holds the shared services for the process lifetime: one browser pool,
// one resolver, one limiter and the configured sinks.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	pool     *browser.Pool
	resolver *resolver.Resolver
	pacer    *politeness.Limiter
	sink     *sink.Multi
	status   StatusRecorder
	ops      *opsserver.Server
	closers  []func() error
	observer pipeline.Observer
}

type options struct {
	factory browser.Factory
	sinks   []sink.Named
	status  StatusRecorder
	poolOps []browser.PoolOption
}

// Option customises New.
type Option func(*options)

// WithFactory replaces the Chrome session factory.
func WithFactory(f browser.Factory) Option {
	return func(o *options) { o.factory = f }
}

// WithSink adds a sink alongside the configured ones.
func WithSink(name string, s pipeline.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink.Named{Name: name, Sink: s}) }
}

// WithStatusRecorder replaces the Redis status store.
func WithStatusRecorder(r StatusRecorder) Option {
	return func(o *options) { o.status = r }
}

// WithPoolOptions forwards options to browser.NewPool.
func WithPoolOptions(opts ...browser.PoolOption) Option {
	return func(o *options) { o.poolOps = append(o.poolOps, opts...) }
}

// New initializes every service cfg enables. It fails fast: a sink that
// cannot connect aborts startup and releases whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: logger, pacer: politeness.New(cfg.LimiterConfig())}
	defer func() {
		if err != nil {
			a.Close(ctx)
		}
	}()

	factory := o.factory
	if factory == nil {
		factory = headless.NewFactory(cfg.Browser.ChromeConfig(), logger.Named("chrome"))
	}
	a.pool, err = browser.NewPool(factory, cfg.Browser.PoolConfig(), logger.Named("pool"), o.poolOps...)
	if err != nil {
		return nil, fmt.Errorf("init pool: %w", err)
	}
	a.resolver, err = resolver.New(cfg.Resolver.Resolver(), logger.Named("resolver"))
	if err != nil {
		return nil, fmt.Errorf("init resolver: %w", err)
	}

	sinks, err := a.openSinks(ctx)
	if err != nil {
		return nil, err
	}
	a.sink = sink.NewMulti(logger.Named("sink"), append(sinks, o.sinks...)...)
	if a.sink.Len() == 0 {
		logger.Warn("no sinks configured; results are discarded")
	}

	var runs opsserver.RunStatus
	switch {
	case o.status != nil:
		a.status = o.status
	case cfg.Redis.Enabled:
		store, err := runstatus.New(cfg.Redis.Config)
		if err != nil {
			return nil, fmt.Errorf("init run status: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.status = store
		runs = store
		logger.Info("recording run status in redis", zap.String("addr", cfg.Redis.Addr))
	}
	if r, ok := a.status.(opsserver.RunStatus); ok && runs == nil {
		runs = r
	}

	if cfg.Ops.Enabled {
		a.ops = opsserver.New(a.pool, runs, cfg.Ops.Config, logger.Named("ops"))
	}
	return a, nil
}

func (a *App) openSinks(ctx context.Context) ([]sink.Named, error) {
	var named []sink.Named
	sc := a.cfg.Sinks

	if sc.Postgres.Enabled {
		s, err := postgres.New(ctx, sc.Postgres.Config)
		if err != nil {
			return nil, fmt.Errorf("init postgres sink: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		named = append(named, sink.Named{Name: "postgres", Sink: s})
	}
	if sc.PubSub.Enabled {
		s, err := pubsub.New(ctx, sc.PubSub.Config)
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		named = append(named, sink.Named{Name: "pubsub", Sink: s})
	}
	if sc.Kafka.Enabled {
		s, err := kafka.New(sc.Kafka.Config)
		if err != nil {
			return nil, fmt.Errorf("init kafka sink: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		named = append(named, sink.Named{Name: "kafka", Sink: s})
	}
	if sc.Blob.Enabled {
		store, err := a.openObjectStore(ctx)
		if err != nil {
			return nil, err
		}
		s, err := blob.New(store, sc.Blob.Prefix, a.logger.Named("blob"))
		if err != nil {
			return nil, fmt.Errorf("init blob sink: %w", err)
		}
		named = append(named, sink.Named{Name: "blob", Sink: s})
	}
	for _, n := range named {
		a.logger.Info("sink enabled", zap.String("sink", n.Name))
	}
	return named, nil
}

func (a *App) openObjectStore(ctx context.Context) (storage.ObjectWriter, error) {
	bc := a.cfg.Sinks.Blob
	switch bc.Backend {
	case config.BlobBackendGCS:
		store, err := gcs.Open(ctx, bc.GCS)
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.BlobBackendLocal:
		store, err := local.New(bc.Local)
		if err != nil {
			return nil, fmt.Errorf("init local store: %w", err)
		}
		return store, nil
	case config.BlobBackendMemory:
		return memory.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", bc.Backend)
	}
}

// Pool exposes the shared session pool.
func (a *App) Pool() *browser.Pool { return a.pool }

// Ops returns the ops server, or nil when disabled.
func (a *App) Ops() *opsserver.Server { return a.ops }

// SetObserver registers a stage observer for subsequent runs.
func (a *App) SetObserver(obs pipeline.Observer) { a.observer = obs }

// Run crawls the named target, or every configured target in order when name
// is empty. A failing target does not stop the ones after it.
func (a *App) Run(ctx context.Context, name string) ([]pipeline.Result, error) {
	targets := a.cfg.Targets
	if name != "" {
		t, ok := a.cfg.Target(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
		}
		targets = []config.TargetConfig{t}
	}

	var (
		results []pipeline.Result
		errs    []error
	)
	for _, t := range targets {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := a.RunTarget(ctx, t)
		results = append(results, res)
		if err != nil {
			errs = append(errs, fmt.Errorf("target %s: %w", t.Name, err))
		}
	}
	return results, errors.Join(errs...)
}

// RunTarget runs one target through the pipeline and records its outcome.
func (a *App) RunTarget(ctx context.Context, t config.TargetConfig) (pipeline.Result, error) {
	log := a.logger.With(zap.String("target", t.Name))
	strat, err := selector.New(t.Config, log.Named("selector"))
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("init selector strategy: %w", err)
	}

	opts := []pipeline.Option{pipeline.WithPacer(a.pacer)}
	if a.observer != nil {
		opts = append(opts, pipeline.WithObserver(a.observer))
	}
	orch, err := pipeline.New(a.pool, a.resolver, a.sink, a.cfg.Pipeline.Orchestrator(), a.logger.Named("pipeline"), opts...)
	if err != nil {
		return pipeline.Result{}, fmt.Errorf("init orchestrator: %w", err)
	}

	res, runErr := orch.Run(ctx, pipeline.Target{
		Name:      t.Name,
		StartURL:  t.StartURL,
		Harvester: strat,
		Enricher:  strat,
	})
	if res.Target == "" {
		res.Target = t.Name
	}
	if a.status != nil {
		if err := a.status.Record(context.WithoutCancel(ctx), res, runErr); err != nil {
			log.Warn("record run status failed", zap.Error(err))
		}
	}
	log.Info("run finished",
		zap.String("run_id", res.RunID),
		zap.Int("items", len(res.Items)),
		zap.Any("stats", res.Stats),
		zap.Error(runErr),
	)
	return res, runErr
}

// Close shuts the pool down and releases every backend. It is safe to call on
// a partially initialized App.
func (a *App) Close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Shutdown(ctx)
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close backend failed", zap.Error(err))
		}
	}
	a.closers = nil
}
