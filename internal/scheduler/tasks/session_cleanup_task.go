package tasks

import "context"

// newSessionCleanupTask creates the task that drops expired chat sessions.
func newSessionCleanupTask(deps TaskDeps) ScheduledTaskFunc {
	log := deps.Logger.With("task", "session_cleanup")

	return func(ctx context.Context) error {
		if removed := deps.Sessions.Cleanup(); removed > 0 {
			log.InfoContext(ctx, "Expired sessions removed",
				"removed", removed, "remaining", deps.Sessions.Len())
		}
		return nil
	}
}
