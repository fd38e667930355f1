package tasks

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyTracked is returned by Track when a poll loop for the task
	// already exists. It is wrapped in a core.ConsoleError.
	ErrAlreadyTracked = errors.New("tasks: task is already tracked")

	// ErrTrackingCancelled resolves a Tracking stopped by Cancel. The remote
	// operation may still be running.
	ErrTrackingCancelled = errors.New("tasks: tracking cancelled")

	// ErrTrackingTimeout resolves a Tracking whose WithTimeout elapsed.
	ErrTrackingTimeout = errors.New("tasks: tracking timed out")

	// ErrTaskCancelled resolves a Tracking when the server reports the task
	// as cancelled.
	ErrTaskCancelled = errors.New("tasks: task cancelled by server")

	// ErrMonitorClosed is returned once the monitor has been closed.
	ErrMonitorClosed = errors.New("tasks: monitor closed")
)

// DefaultFailureReason is used when the server reports failure without one.
const DefaultFailureReason = "Download failed"

// TaskFailedError carries the server-reported failure reason.
type TaskFailedError struct {
	TaskID string
	Reason string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

// IsTaskFailed reports whether err is a server-reported task failure.
func IsTaskFailed(err error) bool {
	var tf *TaskFailedError
	return errors.As(err, &tf)
}
