// Package types provides core types used across the agentrun runtime.
// This package has ZERO dependencies on other agentrun packages to avoid circular imports.
// All other packages should import types from here.
package types

import "time"

// TriggerMode defines how a task's executions are initiated.
type TriggerMode string

const (
	// TriggerManual runs once, synchronously, when the user asks.
	TriggerManual TriggerMode = "manual"
	// TriggerInterval runs immediately and then on a fixed timer.
	TriggerInterval TriggerMode = "interval"
	// TriggerPersistent starts once and loops under the script's own control.
	TriggerPersistent TriggerMode = "persistent"
)

// Valid reports whether the mode is one of the known trigger modes.
func (m TriggerMode) Valid() bool {
	switch m {
	case TriggerManual, TriggerInterval, TriggerPersistent:
		return true
	}
	return false
}

// Schedulable reports whether a task in this mode may legitimately be left
// active across a process restart. Manual tasks never are; finding one
// active in durable storage is an inconsistency the recovery path heals.
func (m TriggerMode) Schedulable() bool {
	return m == TriggerInterval || m == TriggerPersistent
}

// Task is a user-authored script plus its trigger configuration, durably
// stored. The runtime treats it as read-mostly input: only Active and
// LastError are ever written back.
type Task struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Name       string      `json:"name,omitempty"`
	Code       string      `json:"code"`
	Trigger    TriggerMode `json:"trigger"`
	IntervalMs int64       `json:"interval_ms,omitempty"`
	Active     bool        `json:"active"`
	LastError  string      `json:"last_error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Interval returns the tick period configured for interval tasks.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalMs) * time.Millisecond
}
