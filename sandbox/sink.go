package sandbox

import (
	"sync"

	"github.com/BaSui01/agentrun/types"
)

// LogSink is the bounded, ordered in-memory log buffer of a single run.
// Console output and the executor's terminal entries land here in emission
// order; once full, the oldest entries are dropped. Safe for concurrent
// use: persistent runs append from the VM goroutine while the registry
// serves reads.
type LogSink struct {
	mu      sync.Mutex
	limit   int
	entries []types.LogEntry
}

// NewLogSink creates a sink keeping at most limit entries.
func NewLogSink(limit int) *LogSink {
	if limit <= 0 {
		limit = DefaultLogBufferSize
	}
	return &LogSink{limit: limit}
}

// Append adds one entry, evicting the oldest when the buffer is full.
func (s *LogSink) Append(entry types.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) >= s.limit {
		drop := len(s.entries) - s.limit + 1
		s.entries = append(s.entries[:0], s.entries[drop:]...)
	}
	s.entries = append(s.entries, entry)
}

// Entries returns a copy of the buffered entries in emission order.
func (s *LogSink) Entries() []types.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len reports the number of buffered entries.
func (s *LogSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
