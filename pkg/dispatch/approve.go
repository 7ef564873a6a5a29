package dispatch

import (
	"context"
	"strings"

	"zaki-os/pkg/task"
)

// Approve releases a task waiting at the human checkpoint. Under concurrent
// calls exactly one succeeds; the rest get *task.NotPendingApprovalError
// carrying the status the winner left behind.
func (d *Dispatcher) Approve(ctx context.Context, id string) (*task.Task, error) {
	return d.decide(ctx, id, task.StatusApproved, task.LevelInfo, "approved")
}

// Reject fails a task waiting at the human checkpoint. A rejected plan is
// not re-queued; resubmit it as a new task.
func (d *Dispatcher) Reject(ctx context.Context, id, reason string) (*task.Task, error) {
	msg := "rejected"
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}
	return d.decide(ctx, id, task.StatusFailed, task.LevelWarning, msg)
}

func (d *Dispatcher) decide(ctx context.Context, id string, to task.Status, level task.Level, msg string) (*task.Task, error) {
	var prev task.Status
	updated, err := d.tasks.Update(ctx, id, func(t *task.Task) ([]task.Note, error) {
		prev = t.Status
		if t.Status != task.StatusPendingApproval {
			return nil, &task.NotPendingApprovalError{TaskID: t.ID, Current: t.Status}
		}
		if err := task.Transition(t, to, d.now()); err != nil {
			return nil, err
		}
		return d.transitionNotes(t, prev, level, msg), nil
	})
	if err != nil {
		return nil, err
	}
	d.published(updated, prev)
	return updated, nil
}
