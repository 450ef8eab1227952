// Package main contains the entrypoint for the loyalbot engine.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/perkhub/loyalbot/internal/app"
	"github.com/perkhub/loyalbot/internal/config"
	"github.com/perkhub/loyalbot/internal/database"
	"github.com/perkhub/loyalbot/internal/dispatch"
	"github.com/perkhub/loyalbot/internal/ingress"
	"github.com/perkhub/loyalbot/internal/logger"
	"github.com/perkhub/loyalbot/internal/metrics"
	"github.com/perkhub/loyalbot/internal/registry"
	"github.com/perkhub/loyalbot/internal/router"
	"github.com/perkhub/loyalbot/internal/scheduler"
	"github.com/perkhub/loyalbot/internal/scheduler/tasks"
	"github.com/perkhub/loyalbot/internal/tracker"

	"github.com/prometheus/client_golang/prometheus"

	_ "modernc.org/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components, starts the engine, and handles graceful
// shutdown. Returns the process exit code.
func run(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	metrics.Register(prometheus.DefaultRegisterer)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to open database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	sessions := router.NewSessions(cfg.Telegram.SessionTTL)
	trk := tracker.New(store, log)
	rt := router.New(store, sessions, trk, cfg.Messages, log)
	reg := registry.New(store, rt, cfg.Telegram, log)
	disp := dispatch.New(store, reg, cfg.Dispatch, log)
	srv := ingress.NewServer(cfg.HTTP, store, reg, disp, trk, log)

	taskMap := tasks.RegisterAllTasks(tasks.TaskDeps{
		Logger:     log,
		Dispatcher: disp,
		Registry:   reg,
		Sessions:   sessions,
	})
	sched, err := scheduler.New(log, &cfg.Scheduler, taskMap)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	application := app.New(log, cfg, reg, srv, sched)
	if err := application.Run(ctx); err != nil {
		return 1
	}
	return 0
}
