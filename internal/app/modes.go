package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/solarb/internal/domain"
	"github.com/alanyoungcy/solarb/internal/notify"
	"github.com/alanyoungcy/solarb/internal/observability"
	"github.com/alanyoungcy/solarb/internal/server"
	"github.com/alanyoungcy/solarb/internal/server/handler"
	"github.com/alanyoungcy/solarb/internal/service"
)

// LiveMode quotes, evaluates, signs and submits opportunities.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")
	return a.runEngine(ctx, deps, true)
}

// DryRunMode runs the whole pipeline, signing included, but never submits.
// Plans are recorded as dry runs.
func (a *App) DryRunMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting dry-run mode")
	return a.runEngine(ctx, deps, true)
}

// QuoteOnlyMode dispatches quote batches and prefilters them. Nothing is
// built or signed, so no chain state is kept warm.
func (a *App) QuoteOnlyMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting quote-only mode")
	return a.runEngine(ctx, deps, false)
}

func (a *App) runEngine(ctx context.Context, deps *Dependencies, signing bool) error {
	g, ctx := errgroup.WithContext(ctx)

	a.loadCatalog(ctx, deps)

	// Chain state the planner reads.
	if signing {
		g.Go(func() error {
			return deps.Blockhashes.Run(ctx)
		})
		if deps.TipStream != nil {
			g.Go(func() error {
				return deps.TipStream.Run(ctx)
			})
		}
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}
	if a.cfg.Metrics.Enabled && a.cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return observability.Serve(ctx, a.cfg.Metrics.Addr, deps.Registry, a.logger)
		})
	}

	if deps.Catalog != nil {
		g.Go(func() error {
			return a.catalogLoop(ctx, deps)
		})
	}
	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps)
		})
	}

	g.Go(func() error {
		return deps.Executor.Run(ctx)
	})

	a.announce(ctx, deps)

	err := g.Wait()
	stats := deps.Executor.Stats()
	a.logger.Info("engine stopped",
		slog.Uint64("cycles", stats.Cycles),
		slog.Uint64("landed", stats.Landed),
		slog.Uint64("failed", stats.Failed),
	)
	return err
}

// startHTTPServer registers the operator API on g. It shuts down when ctx
// ends.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Executions: handler.NewExecutionHandler(deps.ExecutionStore, a.logger),
	}
	var tips handler.TipSource
	if deps.TipStream != nil {
		tips = deps.TipStream
	}
	if deps.SignalBus != nil {
		handlers.Executions.SetEvents(deps.SignalBus, service.ExecutionStream)
	}
	handlers.Status = handler.NewStatusHandler(a.cfg.Mode, a.strategy(), deps.Allocator, tips)
	if a.cfg.Metrics.Enabled {
		handlers.Metrics = observability.MetricsHandler(deps.Registry)
	}

	var limiter domain.RateLimiter
	if a.cfg.Server.RateLimit > 0 {
		limiter = deps.RateLimiter
	}
	srv := server.NewServer(server.Config{
		Addr:       a.cfg.Server.Addr,
		APIKey:     a.cfg.Server.APIKey,
		RateLimit:  a.cfg.Server.RateLimit,
		RateWindow: a.cfg.Server.RateWindow.Duration,
	}, handlers, limiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// loadCatalog seeds the orchestrator with the last saved route snapshot.
// Failures only cost the cold-start routes, so they are logged.
func (a *App) loadCatalog(ctx context.Context, deps *Dependencies) {
	if deps.Catalog == nil {
		return
	}
	skeletons, err := deps.Catalog.Load(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "route catalog load failed", slog.String("error", err.Error()))
		return
	}
	accepted, err := deps.Orchestrator.AcceptSkeletons(skeletons)
	if err != nil {
		a.logger.WarnContext(ctx, "some catalog routes were rejected", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "route catalog loaded",
		slog.Int("skeletons", len(skeletons)),
		slog.Int("accepted", accepted),
		slog.Int("routes", len(deps.Orchestrator.Routes())),
	)
}

// catalogLoop saves the route catalog periodically and once more on
// shutdown.
func (a *App) catalogLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.S3.CatalogInterval.Duration
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	save := func(ctx context.Context) {
		if err := deps.Catalog.Save(ctx, deps.Orchestrator.Catalog()); err != nil {
			a.logger.WarnContext(ctx, "route catalog save failed", slog.String("error", err.Error()))
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			save(saveCtx)
			cancel()
			return nil
		case <-ticker.C:
			save(ctx)
		}
	}
}

// archiveLoop copies recent executions to object storage on a fixed
// interval.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.S3.ArchiveInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, path, err := deps.Archiver.Archive(ctx, now)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				a.logger.ErrorContext(ctx, "execution archive failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "executions archived",
					slog.Int("records", n),
					slog.String("path", path),
				)
			}
		}
	}
}

// announce sends the startup notification.
func (a *App) announce(ctx context.Context, deps *Dependencies) {
	msg := fmt.Sprintf("mode %s, %d identities, %d routes, strategy %s",
		a.cfg.Mode, len(deps.Allocator.Snapshot()), len(deps.Orchestrator.Routes()), a.strategy())
	if err := deps.Notifier.Notify(ctx, notify.EventStartup, "solarb started", msg); err != nil {
		a.logger.WarnContext(ctx, "startup notification failed", slog.String("error", err.Error()))
	}
}
