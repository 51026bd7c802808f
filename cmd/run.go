package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/app"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/config"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/logging"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/progress"
)

const shutdownTimeout = 30 * time.Second

type runOptions struct {
	target   string
	interval time.Duration
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl the configured targets",
		Long: `Runs every configured target once, or only --target. With --interval the
run repeats until the process is interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			return runHarvest(cmd.Context(), path, opts)
		},
	}
	cmd.Flags().StringVar(&opts.target, "target", "", "only crawl the named target")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "repeat the run at this interval (0 runs once)")
	return cmd
}

func runHarvest(parent context.Context, configPath string, opts runOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	if opts.interval < 0 {
		return fmt.Errorf("--interval must not be negative")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.target != "" {
		if _, ok := cfg.Target(opts.target); !ok {
			return fmt.Errorf("%w: %s", app.ErrUnknownTarget, opts.target)
		}
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init application: %w", err)
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, progress.NewLogSink(logger.Named("progress")))
	a.SetObserver(hub)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close", zap.Error(err))
		}
		a.Close(closeCtx)
		logger.Info("shutdown complete")
	}()

	g, gctx := errgroup.WithContext(ctx)
	opsCtx, stopOps := context.WithCancel(gctx)
	defer stopOps()
	if ops := a.Ops(); ops != nil {
		g.Go(func() error { return ops.ListenAndServe(opsCtx) })
	}
	g.Go(func() error {
		defer stopOps()
		return loop(gctx, a, opts, logger)
	})
	return g.Wait()
}

func loop(ctx context.Context, a *app.App, opts runOptions, logger *zap.Logger) error {
	for {
		_, err := a.Run(ctx, opts.target)
		switch {
		case ctx.Err() != nil:
			logger.Info("run interrupted", zap.Error(ctx.Err()))
			return nil
		case opts.interval == 0:
			return err
		case err != nil:
			logger.Warn("run failed; retrying at next interval", zap.Error(err), zap.Duration("interval", opts.interval))
		}

		t := time.NewTimer(opts.interval)
		select {
		case <-ctx.Done():
			t.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-t.C:
		}
	}
}
