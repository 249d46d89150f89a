package types

import "time"

// RunStatus is the lifecycle state of a task in the registry.
type RunStatus string

const (
	StatusIdle    RunStatus = "idle"
	StatusRunning RunStatus = "running"
	StatusPaused  RunStatus = "paused"
	StatusError   RunStatus = "error"
)

// Live reports whether the status denotes an execution in flight.
func (s RunStatus) Live() bool {
	return s == StatusRunning
}

// RunInfo is the registry's answer to a status query.
type RunInfo struct {
	TaskID            string        `json:"task_id"`
	Status            RunStatus     `json:"status"`
	StartedAt         time.Time     `json:"started_at,omitempty"`
	Uptime            time.Duration `json:"uptime,omitempty"`
	BufferedLogs      int           `json:"buffered_logs"`
	SchedulerAttached bool          `json:"scheduler_attached"`
	LastError         string        `json:"last_error,omitempty"`
}
