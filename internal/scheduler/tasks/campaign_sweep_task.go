package tasks

import (
	"context"
	"time"
)

// newCampaignSweepTask creates the task that dispatches SCHEDULED campaigns
// whose scheduled time has passed.
func newCampaignSweepTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "campaign_sweep")

	return func(ctx context.Context) error {
		sweepCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
		defer cancel()

		if err := deps.Dispatcher.SendDue(sweepCtx); err != nil {
			log.ErrorContext(ctx, "Campaign sweep failed", "error", err)
			return err
		}
		return nil
	}
}
