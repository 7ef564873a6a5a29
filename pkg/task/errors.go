package task

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by stores and the dispatcher.
var (
	ErrNotFound            = errors.New("task not found")
	ErrParentNotFound      = errors.New("parent task not found")
	ErrDependencyNotFound  = errors.New("dependency task not found")
	ErrIllegalTransition   = errors.New("illegal status transition")
	ErrNotPendingApproval  = errors.New("task is not pending approval")
	ErrConcurrentClaimLost = errors.New("claim lost to a concurrent worker")
	ErrConcurrentUpdate    = errors.New("task changed concurrently")
	ErrStoreUnavailable    = errors.New("task store unavailable")
)

// IllegalTransitionError carries the rejected edge. Requires is set when
// the operation only accepts one source status.
type IllegalTransitionError struct {
	TaskID   string
	From     Status
	To       Status
	Requires Status
}

func (e *IllegalTransitionError) Error() string {
	if e.Requires != "" {
		return fmt.Sprintf("task %s: status is %s, this operation requires %s", e.TaskID, e.From, e.Requires)
	}
	return fmt.Sprintf("task %s: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// NotPendingApprovalError reports the status an approval found instead.
type NotPendingApprovalError struct {
	TaskID  string
	Current Status
}

func (e *NotPendingApprovalError) Error() string {
	return fmt.Sprintf("task %s: status is %s, not %s", e.TaskID, e.Current, StatusPendingApproval)
}

func (e *NotPendingApprovalError) Unwrap() error { return ErrNotPendingApproval }

// Kind names the category of err for callers that map errors onto a wire
// protocol. Unrecognised errors are "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrParentNotFound):
		return "parent_not_found"
	case errors.Is(err, ErrDependencyNotFound):
		return "dependency_not_found"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrNotPendingApproval):
		return "not_pending_approval"
	case errors.Is(err, ErrConcurrentClaimLost):
		return "concurrent_claim_lost"
	case errors.Is(err, ErrConcurrentUpdate):
		return "concurrent_update"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}

// IsRetryable reports whether err is transient and safe to retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// unavailable wraps a driver failure as ErrStoreUnavailable, keeping the cause.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
