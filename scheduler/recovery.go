package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentrun/types"
)

// Recover restarts the schedulable work a previous process left behind.
// It loads every task with the Active flag set and dispatches the
// interval and persistent ones through Start. Manual tasks found active
// are an inconsistency: they are healed in place by clearing the flag,
// never restarted. One task failing to start does not stop the others.
// It returns how many tasks were restarted.
func (r *Registry) Recover(ctx context.Context) (int, error) {
	if r.tasks == nil {
		return 0, nil
	}
	tasks, err := r.tasks.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing active tasks: %w", err)
	}
	if len(tasks) == 0 {
		r.logger.Info("recovery: nothing to restore")
		return 0, nil
	}

	restartable := make([]*types.Task, 0, len(tasks))
	for _, task := range tasks {
		if task.Trigger.Schedulable() {
			restartable = append(restartable, task)
			continue
		}
		// A manual task can only be active through a crash mid-flip or a
		// bad write. Clear the flag so the next recovery stays quiet.
		if err := r.tasks.SetActive(ctx, task.ID, false); err != nil {
			r.logger.Warn("recovery: healing inconsistent task failed",
				zap.String("task_id", task.ID),
				zap.String("trigger", string(task.Trigger)),
				zap.Error(err))
			continue
		}
		r.metrics.RecordRecovery("healed")
		r.logger.Info("recovery: cleared active flag on non-schedulable task",
			zap.String("task_id", task.ID),
			zap.String("trigger", string(task.Trigger)))
	}

	startErrs := make([]error, len(restartable))
	g, gctx := errgroup.WithContext(ctx)
	for i, task := range restartable {
		i, task := i, task
		g.Go(func() error {
			_, startErrs[i] = r.Start(gctx, task)
			return nil // collect every outcome, never abort the group
		})
	}
	_ = g.Wait()

	restored := 0
	for i, task := range restartable {
		if startErrs[i] != nil {
			r.metrics.RecordRecovery("failed")
			r.logger.Warn("recovery: task restart failed",
				zap.String("task_id", task.ID),
				zap.String("trigger", string(task.Trigger)),
				zap.Error(startErrs[i]))
			continue
		}
		restored++
		r.metrics.RecordRecovery("restored")
	}

	r.logger.Info("recovery complete",
		zap.Int("candidates", len(tasks)),
		zap.Int("restored", restored))
	return restored, nil
}
