// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"time"

	"github.com/google/uuid"
)

// Priority levels for queue messages. Higher values dequeue first in
// priority queues.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// Message is the unit of data moving through queues and topics. The payload
// is immutable once created; Attempts and Offset mutate as the message moves
// through the system.
type Message struct {
	ID            string            `json:"id"`
	Queue         string            `json:"queue,omitempty"`
	Topic         string            `json:"topic,omitempty"`
	Key           string            `json:"key,omitempty"`
	Value         []byte            `json:"value"`
	Headers       map[string]string `json:"headers,omitempty"`
	Timestamp     time.Time         `json:"timestamp"`
	Partition     int               `json:"partition,omitempty"`
	Offset        int64             `json:"offset,omitempty"`
	Priority      Priority          `json:"priority,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Attempts      int               `json:"attempts"`
	ExpiresAt     time.Time         `json:"expires_at,omitempty"`
}

// Expired reports whether the message TTL has elapsed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

func newMessage(value []byte) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Value:     value,
		Timestamp: time.Now().UTC(),
		Priority:  PriorityNormal,
	}
}

// SendOptions control queue message enqueueing.
type SendOptions struct {
	// Delay defers enqueue by the given duration.
	Delay time.Duration
	// TTL sets the message expiry relative to send time.
	TTL time.Duration
	// Priority is honored by priority queues.
	Priority Priority
	// Key groups related messages.
	Key string
	// Headers are carried verbatim to consumers.
	Headers map[string]string
	// CorrelationID ties the message to a request/response exchange.
	CorrelationID string
}

// ReceiveOptions control queue message consumption.
type ReceiveOptions struct {
	// VisibilityTimeout overrides the queue's configured window during which
	// a received-but-undeleted message stays hidden before redelivery.
	VisibilityTimeout time.Duration
}

// PublishOptions control topic publication.
type PublishOptions struct {
	// Key selects the partition via a stable hash; empty means random.
	Key string
	// Headers are carried verbatim to subscribers.
	Headers map[string]string
	// TTL sets the message expiry relative to publish time.
	TTL time.Duration
	// CorrelationID ties the message to a request/response exchange.
	CorrelationID string
}
