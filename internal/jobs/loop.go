package jobs

import (
	"context"
	"errors"
	"time"

	"driftwire/internal/logging"
)

// RunSyncOnce runs one incremental (or first-run full) sync and pulls the
// first notifications page so the event cache is fresh as well.
func RunSyncOnce(ctx context.Context, e *Engine, identity string, notificationPages int) (Result, error) {
	res, err := e.SyncUser(ctx, identity, Options{}, func(msg string, pct int) {
		logging.Debug("sync_progress", map[string]any{"identity": identity, "msg": msg, "percent": pct})
	})
	if err != nil {
		return res, err
	}
	if notificationPages > 0 && e.cache != nil {
		if _, err := e.FetchNotifications(ctx, notificationPages); err != nil {
			logging.Warn("notifications_fetch_failed", map[string]any{"run_id": res.RunID, "error": err.Error()})
		}
	}
	return res, nil
}

// RunSyncLoop runs RunSyncOnce on a ticker until ctx is cancelled.
func RunSyncLoop(ctx context.Context, e *Engine, identity string, interval time.Duration, notificationPages int) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	// run immediately
	if _, err := RunSyncOnce(ctx, e, identity, notificationPages); err != nil {
		logging.Error("sync_once_error", map[string]any{"error": err.Error()})
	}
	for {
		select {
		case <-ctx.Done():
			logging.Info("sync_loop_stop", nil)
			return ctx.Err()
		case <-t.C:
			e.group.Sweep(2 * interval)
			if _, err := RunSyncOnce(ctx, e, identity, notificationPages); err != nil {
				if errors.Is(err, ErrSyncInProgress) {
					logging.Info("sync_skipped_in_progress", map[string]any{"identity": identity})
					continue
				}
				logging.Error("sync_once_error", map[string]any{"error": err.Error()})
			}
		}
	}
}
