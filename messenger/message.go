// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messenger

import (
	"time"

	"github.com/google/uuid"
)

// Guarantee selects the delivery semantics of a send.
type Guarantee string

const (
	// AtMostOnce transmits once and fails the caller on error.
	AtMostOnce Guarantee = "at-most-once"

	// AtLeastOnce queues before transmitting and retries until delivered,
	// expired or out of attempts.
	AtLeastOnce Guarantee = "at-least-once"

	// ExactlyOnce behaves like AtLeastOnce and additionally suppresses
	// re-delivery via the bounded delivery history.
	ExactlyOnce Guarantee = "exactly-once"
)

// Priority orders the retry queue. Urgent drains first. The zero value is
// PriorityNormal, so a send with unset options lands in the normal bucket.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
	PriorityUrgent
)

// priorities in queue-processor scan order.
var scanOrder = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Message is one unit of agent-to-agent delivery.
type Message struct {
	ID        string      `json:"id"`
	Target    string      `json:"target"`
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Guarantee Guarantee   `json:"guarantee"`
	Priority  Priority    `json:"priority"`

	// Protocol is the caller's explicit transport choice, if any.
	Protocol string `json:"protocol,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	MaxAttempts int       `json:"max_attempts"`
	Attempts    int       `json:"attempts"`
	NextRetry   time.Time `json:"-"`
}

// SendOptions tunes a single send. Zero fields fall back to the messenger
// configuration.
type SendOptions struct {
	Guarantee   Guarantee
	Priority    Priority
	Protocol    string
	TTL         time.Duration
	MaxAttempts int
}

func newMessage(target, msgType string, payload interface{}, opts SendOptions, defaultTTL time.Duration, defaultMaxAttempts int) *Message {
	now := time.Now()

	guarantee := opts.Guarantee
	if guarantee == "" {
		guarantee = AtMostOnce
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	msg := &Message{
		ID:          uuid.NewString(),
		Target:      target,
		Type:        msgType,
		Payload:     payload,
		Guarantee:   guarantee,
		Priority:    opts.Priority,
		Protocol:    opts.Protocol,
		CreatedAt:   now,
		MaxAttempts: maxAttempts,
	}

	ttl := opts.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	if ttl > 0 {
		msg.ExpiresAt = now.Add(ttl)
	}
	return msg
}

// expired reports whether the message's TTL has lapsed.
func (m *Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// deliveryHistory is a bounded FIFO set of delivered message IDs, used for
// exactly-once duplicate suppression. Oldest entries are trimmed first.
type deliveryHistory struct {
	ids     map[string]struct{}
	order   []string
	maxSize int
}

func newDeliveryHistory(maxSize int) *deliveryHistory {
	return &deliveryHistory{
		ids:     make(map[string]struct{}),
		maxSize: maxSize,
	}
}

func (h *deliveryHistory) contains(id string) bool {
	_, ok := h.ids[id]
	return ok
}

func (h *deliveryHistory) add(id string) {
	if _, ok := h.ids[id]; ok {
		return
	}
	h.ids[id] = struct{}{}
	h.order = append(h.order, id)

	for len(h.order) > h.maxSize {
		oldest := h.order[0]
		h.order = h.order[1:]
		delete(h.ids, oldest)
	}
}

func (h *deliveryHistory) len() int {
	return len(h.order)
}
