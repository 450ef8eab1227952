package tasks

import (
	"context"
	"time"
)

// newBotReconcileTask creates the task that aligns live bot clients with the
// tenant settings table, picking up tenants added or removed while running.
func newBotReconcileTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "bot_reconcile")

	return func(ctx context.Context) error {
		reconcileCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()

		if err := deps.Registry.Reconcile(reconcileCtx); err != nil {
			log.ErrorContext(ctx, "Bot reconcile failed", "error", err)
			return err
		}
		return nil
	}
}
