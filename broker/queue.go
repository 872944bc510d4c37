// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"time"
)

// QueueType selects the delivery discipline of a queue.
type QueueType string

const (
	QueueStandard   QueueType = "standard"
	QueueFIFO       QueueType = "fifo"
	QueuePriority   QueueType = "priority"
	QueueDelayed    QueueType = "delayed"
	QueueDeadLetter QueueType = "dead-letter"
)

// QueueStatus is the lifecycle state of a queue.
type QueueStatus string

const (
	QueueActive   QueueStatus = "active"
	QueuePaused   QueueStatus = "paused"
	QueueDeleting QueueStatus = "deleting"
)

// QueueConfig holds per-queue settings.
type QueueConfig struct {
	Type QueueType

	// VisibilityTimeout is the window during which a received-but-undeleted
	// message stays hidden before becoming redeliverable.
	VisibilityTimeout time.Duration

	// MaxReceiveCount is the redelivery budget before a message is routed to
	// the dead letter queue.
	MaxReceiveCount int

	// DeadLetterQueue, if set, names a DLQ created alongside this queue.
	DeadLetterQueue string

	// DefaultDelay is applied by delayed queues when a send carries no delay.
	DefaultDelay time.Duration

	// MessageTTL is the default expiry applied when a send carries no TTL.
	MessageTTL time.Duration
}

// QueueStats is a point-in-time snapshot of queue counters.
type QueueStats struct {
	Name         string      `json:"name"`
	Type         QueueType   `json:"type"`
	Status       QueueStatus `json:"status"`
	Depth        int         `json:"depth"`
	Inflight     int         `json:"inflight"`
	Sent         uint64      `json:"sent"`
	Received     uint64      `json:"received"`
	Deleted      uint64      `json:"deleted"`
	Expired      uint64      `json:"expired"`
	Redelivered  uint64      `json:"redelivered"`
	DeadLettered uint64      `json:"dead_lettered"`
}

type inflightEntry struct {
	msg   *Message
	timer *time.Timer
}

// queue is a single in-memory queue. All mutation happens under mu; the
// visibility timer callback re-acquires it before touching inflight state.
type queue struct {
	name     string
	config   QueueConfig
	status   QueueStatus
	messages []*Message
	inflight map[string]*inflightEntry
	stats    QueueStats
	mu       sync.Mutex
}

func newQueue(name string, config QueueConfig) *queue {
	return &queue{
		name:     name,
		config:   config,
		status:   QueueActive,
		inflight: make(map[string]*inflightEntry),
	}
}

// enqueue inserts a message honoring the queue's delivery discipline.
// Priority queues keep non-increasing priority order; all other types append.
func (q *queue) enqueue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueueLocked(msg)
}

func (q *queue) enqueueLocked(msg *Message) {
	if q.config.Type == QueuePriority {
		// Insert after the last message with priority >= msg.Priority so
		// equal priorities keep their enqueue order.
		idx := len(q.messages)
		for i, m := range q.messages {
			if m.Priority < msg.Priority {
				idx = i
				break
			}
		}
		q.messages = append(q.messages, nil)
		copy(q.messages[idx+1:], q.messages[idx:])
		q.messages[idx] = msg
		return
	}
	q.messages = append(q.messages, msg)
}

// recordSent bumps the sent counter after a successful enqueue.
func (q *queue) recordSent() {
	q.mu.Lock()
	q.stats.Sent++
	q.mu.Unlock()
}

// dequeue removes up to max non-expired messages from the front. Expired
// messages encountered along the way are dropped and counted; messages whose
// redelivery budget is already spent are returned separately for DLQ routing
// instead of being delivered. Each returned message has its attempt counter
// incremented and is moved to the inflight set; the caller arms the
// visibility timer.
func (q *queue) dequeue(max, maxReceive int, now time.Time) (out, expired, dead []*Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.messages[:0]
	for _, msg := range q.messages {
		if len(out) >= max {
			kept = append(kept, msg)
			continue
		}
		if msg.Expired(now) {
			expired = append(expired, msg)
			q.stats.Expired++
			continue
		}
		if maxReceive > 0 && msg.Attempts >= maxReceive {
			dead = append(dead, msg)
			continue
		}
		msg.Attempts++
		q.stats.Received++
		q.inflight[msg.ID] = &inflightEntry{msg: msg}
		out = append(out, msg)
	}
	q.messages = kept
	return out, expired, dead
}

// armVisibility attaches the redelivery timer to an inflight message.
func (q *queue) armVisibility(msgID string, timer *time.Timer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if entry, ok := q.inflight[msgID]; ok {
		entry.timer = timer
	}
}

// ack removes a message, checking the inflight set first and the pending
// list second. Returns false if the message is unknown.
func (q *queue) ack(msgID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if entry, ok := q.inflight[msgID]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(q.inflight, msgID)
		q.stats.Deleted++
		return true
	}

	for i, msg := range q.messages {
		if msg.ID == msgID {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			q.stats.Deleted++
			return true
		}
	}
	return false
}

// takeInflight removes and returns an inflight entry, or nil if the message
// was acknowledged in the interim.
func (q *queue) takeInflight(msgID string) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.inflight[msgID]
	if !ok {
		return nil
	}
	delete(q.inflight, msgID)
	return entry.msg
}

// requeue re-enqueues a message after a visibility timeout. Redelivered
// messages are appended (or priority-inserted), never restored to their
// original position.
func (q *queue) requeue(msg *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stats.Redelivered++
	q.enqueueLocked(msg)
}

// recordDeadLettered bumps the DLQ-routing counter.
func (q *queue) recordDeadLettered() {
	q.mu.Lock()
	q.stats.DeadLettered++
	q.mu.Unlock()
}

// sweepExpired drops expired pending messages and returns them.
func (q *queue) sweepExpired(now time.Time) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped []*Message
	kept := q.messages[:0]
	for _, msg := range q.messages {
		if msg.Expired(now) {
			dropped = append(dropped, msg)
			q.stats.Expired++
			continue
		}
		kept = append(kept, msg)
	}
	q.messages = kept
	return dropped
}

// purge drops all pending messages and returns how many were removed.
// Inflight messages are left to their visibility timers.
func (q *queue) purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.messages)
	q.messages = nil
	return n
}

// close stops all visibility timers. Called when the queue is deleted.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.status = QueueDeleting
	for id, entry := range q.inflight {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(q.inflight, id)
	}
}

func (q *queue) snapshot() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stats
	s.Name = q.name
	s.Type = q.config.Type
	s.Status = q.status
	s.Depth = len(q.messages)
	s.Inflight = len(q.inflight)
	return s
}

func (q *queue) isActive() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status == QueueActive
}
