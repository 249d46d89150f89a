// Package mailbox provides bounded in-memory message queues between tasks.
//
// Each destination task id owns one FIFO queue capped at QueueCap messages;
// sending to a full queue evicts the oldest entries. Receiving drains the
// queue atomically, so delivery is at-most-once per call with no redelivery
// or acknowledgement protocol. Queues are process-local and not durable.
package mailbox

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/internal/metrics"
)

// QueueCap is the maximum number of messages retained per destination.
const QueueCap = 50

// Message is one queued inter-task message.
type Message struct {
	From   string    `json:"from"`
	Data   any       `json:"data"`
	SentAt time.Time `json:"sent_at"`
}

// Mailbox routes messages between tasks within one process.
type Mailbox struct {
	mu      sync.Mutex
	queues  map[string][]Message
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates an empty mailbox.
func New(logger *zap.Logger, collector *metrics.Collector) *Mailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailbox{
		queues:  make(map[string][]Message),
		logger:  logger.With(zap.String("component", "mailbox")),
		metrics: collector,
	}
}

// Send appends a message to the destination's queue, evicting the oldest
// entries once the queue exceeds QueueCap.
func (m *Mailbox) Send(from, to string, data any) {
	msg := Message{From: from, Data: data, SentAt: time.Now()}

	m.mu.Lock()
	queue := append(m.queues[to], msg)
	evicted := 0
	if len(queue) > QueueCap {
		evicted = len(queue) - QueueCap
		queue = queue[evicted:]
	}
	m.queues[to] = queue
	m.mu.Unlock()

	if evicted > 0 {
		m.metrics.RecordMailboxEvictions(evicted)
		m.logger.Debug("mailbox full, oldest messages evicted",
			zap.String("to", to),
			zap.Int("evicted", evicted))
	}
}

// Receive atomically returns the destination's queued messages in send order
// and clears the queue. A second call without an intervening Send returns nil.
func (m *Mailbox) Receive(taskID string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[taskID]
	if len(queue) == 0 {
		return nil
	}
	delete(m.queues, taskID)
	return queue
}

// Pending returns the number of queued messages for a destination without
// consuming them.
func (m *Mailbox) Pending(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[taskID])
}
