package tasks

// RegisterAllTasks returns the map of available scheduled tasks. Keys match
// the task names used in the scheduler configuration.
func RegisterAllTasks(deps TaskDeps) map[string]ScheduledTaskFunc {
	tasks := map[string]ScheduledTaskFunc{
		"campaign_sweep":  newCampaignSweepTask(deps),
		"session_cleanup": newSessionCleanupTask(deps),
		"bot_reconcile":   newBotReconcileTask(deps),
	}

	deps.Logger.Info("Initialized scheduled tasks", "count", len(tasks))
	return tasks
}
