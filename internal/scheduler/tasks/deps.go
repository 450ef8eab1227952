// Package tasks implements the background tasks run by the scheduler:
// dispatching due scheduled campaigns, cleaning expired sessions, and
// reconciling tenant bot clients.
package tasks

import (
	"context"
	"log/slog"

	"github.com/perkhub/loyalbot/internal/dispatch"
	"github.com/perkhub/loyalbot/internal/registry"
	"github.com/perkhub/loyalbot/internal/router"
)

// ScheduledTaskFunc is the signature for all scheduled tasks. The context
// comes from the scheduler and should be respected for cancellation.
type ScheduledTaskFunc func(ctx context.Context) error

// TaskDeps holds the dependencies scheduled tasks draw on.
type TaskDeps struct {
	Logger     *slog.Logger
	Dispatcher *dispatch.Dispatcher
	Registry   *registry.Registry
	Sessions   *router.Sessions
}
