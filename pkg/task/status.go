package task

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending         Status = "pending"          // submitted, awaiting promotion
	StatusApproved        Status = "approved"         // cleared for a worker to claim
	StatusInProgress      Status = "in_progress"      // claimed by a worker
	StatusPendingApproval Status = "pending_approval" // plan awaiting human sign-off
	StatusDone            Status = "done"
	StatusFailed          Status = "failed"
)

// AllStatuses returns every valid status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusApproved,
		StatusInProgress,
		StatusPendingApproval,
		StatusDone,
		StatusFailed,
	}
}

// transitions defines the allowed status edges.
//
//	pending → approved → in_progress → done | failed
//	               ↑           ↓
//	               └── pending_approval → failed
var transitions = map[Status][]Status{
	StatusPending:         {StatusApproved},
	StatusApproved:        {StatusInProgress},
	StatusInProgress:      {StatusPendingApproval, StatusDone, StatusFailed},
	StatusPendingApproval: {StatusApproved, StatusFailed},
	StatusDone:            {},
	StatusFailed:          {},
}

// ParseStatus converts s into a Status, rejecting unknown values.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Valid returns true if s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsTerminal returns true for done and failed.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// CanTransitionTo returns true if the edge s → target is legal.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// Transition moves t to the target status, stamping CompletedAt on entry to
// a terminal state. t is left untouched when the edge is illegal.
func Transition(t *Task, to Status, now time.Time) error {
	if !t.Status.CanTransitionTo(to) {
		return &IllegalTransitionError{TaskID: t.ID, From: t.Status, To: to}
	}
	t.Status = to
	t.UpdatedAt = now
	if to.IsTerminal() && t.CompletedAt == nil {
		ts := now
		t.CompletedAt = &ts
	}
	return nil
}
