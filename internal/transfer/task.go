package transfer

import (
	"errors"
	"time"
)

// TaskState represents the current state of a background task.
type TaskState string

const (
	TaskPending   TaskState = "pending"   // Registered, worker not yet running
	TaskRunning   TaskState = "running"   // Transferring bytes
	TaskCompleted TaskState = "completed" // Finished successfully
	TaskFailed    TaskState = "failed"    // Finished without success
	TaskCancelled TaskState = "cancelled" // Cancelled by the caller
)

// ErrDestinationBusy rejects a task whose destination is already being
// written by another active task.
var ErrDestinationBusy = errors.New("destination already being downloaded")

// TaskRecord describes a background download. Records handed out by the
// Manager are copies.
type TaskRecord struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Path string `json:"path"`

	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Speed      string `json:"speed,omitempty"`

	State     TaskState `json:"state"`
	Completed bool      `json:"completed"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`

	StartTime time.Time `json:"start_time,omitempty"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

// Progress returns the completed fraction, or 0 when the total is unknown.
func (r TaskRecord) Progress() float64 {
	if r.Total <= 0 {
		return 0
	}
	return float64(r.Downloaded) / float64(r.Total)
}

// Duration returns the elapsed time of a finished task, or the time since
// it started for a running one.
func (r TaskRecord) Duration() time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	if r.EndTime.IsZero() {
		return time.Since(r.StartTime)
	}
	return r.EndTime.Sub(r.StartTime)
}
