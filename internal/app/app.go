// Package app wires the engine's components together and manages their
// lifecycle: bot registry reconciliation, HTTP ingress, and the scheduler.
package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/ingress"
	"github.com/perkhub/loyalbot/internal/registry"
	"github.com/perkhub/loyalbot/internal/scheduler"
)

// App orchestrates the engine components.
type App struct {
	logger    *slog.Logger
	cfg       *config.Config
	registry  *registry.Registry
	server    *ingress.Server
	scheduler *scheduler.Scheduler
}

// New creates the orchestrator.
func New(logger *slog.Logger, cfg *config.Config, reg *registry.Registry, srv *ingress.Server, sched *scheduler.Scheduler) *App {
	return &App{
		logger:    logger.With("component", "app"),
		cfg:       cfg,
		registry:  reg,
		server:    srv,
		scheduler: sched,
	}
}

// Run starts all components and blocks until the context is cancelled or a
// component fails. Components shut down gracefully on the way out.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting loyalbot engine")

	// Bring up the tenant bots before accepting traffic. Per-tenant failures
	// are logged inside Reconcile; only a store failure aborts startup.
	if err := a.registry.Reconcile(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(gCtx)
	})

	g.Go(func() error {
		if err := a.scheduler.Start(); err != nil {
			return err
		}

		<-gCtx.Done()
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Error("Error stopping scheduler", "error", err)
		}
		return nil
	})

	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	a.registry.StopAll(stopCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("Engine stopped due to error", "error", err)
		return err
	}

	a.logger.Info("Engine stopped gracefully")
	return nil
}
