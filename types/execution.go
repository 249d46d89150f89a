package types

import (
	"encoding/json"
	"time"
)

// LogLevel classifies a single execution log entry.
type LogLevel string

const (
	LogInfo    LogLevel = "info"
	LogWarn    LogLevel = "warn"
	LogError   LogLevel = "error"
	LogSuccess LogLevel = "success"
)

// LogEntry is one ordered entry of a run's execution log. Entries are
// appended in emission order within a run and mirrored to durable storage
// asynchronously.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	Message string    `json:"message"`
	Detail  any       `json:"detail,omitempty"`
}

// NewLogEntry creates a log entry stamped with the current time.
func NewLogEntry(level LogLevel, message string) LogEntry {
	return LogEntry{Time: time.Now(), Level: level, Message: message}
}

// ExecutionResult is the outcome of a single sandbox invocation.
type ExecutionResult struct {
	Success  bool          `json:"success"`
	Result   any           `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
	Logs     []LogEntry    `json:"logs,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ResultPreview renders Result as JSON truncated to max bytes, for cheap
// storage in execution history rows. Returns "" when there is no result.
func (r *ExecutionResult) ResultPreview(max int) string {
	if r.Result == nil {
		return ""
	}
	b, err := json.Marshal(r.Result)
	if err != nil {
		return ""
	}
	if max > 0 && len(b) > max {
		b = b[:max]
	}
	return string(b)
}
