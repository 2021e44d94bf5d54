package typing

import (
	"context"
	"log/slog"

	"github.com/lemonforge/runsched/internal/bus"
)

// WatchRun starts a Controller and drives MarkRunComplete from the
// run's own bus topic: a channel adapter calls it once for "run_started"
// (to begin the indicator) and should still call MarkDispatchIdle
// itself once it finishes delivering the run's output. The returned
// Controller is already started; callers must still call MarkDispatchIdle.
func WatchRun(ctx context.Context, b bus.Bus, runID string, opts Options) (*Controller, error) {
	sub, err := b.Subscribe(ctx, bus.RunTopic(runID))
	if err != nil {
		return nil, err
	}

	ctrl := New(opts)
	ctrl.Start()

	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if ev.Type == "run_completed" {
					ctrl.MarkRunComplete()
					return
				}
				if ev.Type == "delta" {
					// A delta means the engine is still producing output;
					// nothing to do beyond keeping the indicator alive,
					// which the keepalive loop already handles.
					continue
				}
			}
		}
	}()

	slog.Debug("typing: watching run", "run_id", runID)
	return ctrl, nil
}
