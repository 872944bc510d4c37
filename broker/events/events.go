// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event type constants.
const (
	TypeQueueCreated        = "queue.created"
	TypeQueueDeleted        = "queue.deleted"
	TypeTopicCreated        = "topic.created"
	TypeTopicDeleted        = "topic.deleted"
	TypeMessageExpired      = "message.expired"
	TypeMessageDeadLettered = "message.dead_lettered"
	TypeConsumerJoined      = "consumer.joined"
	TypeConsumerLeft        = "consumer.left"
	TypeGroupRebalanced     = "group.rebalanced"
	TypeTransactionAborted  = "transaction.aborted"
)

// Event is the common interface for all broker events.
type Event interface {
	// Type returns the event type identifier (e.g., "queue.created")
	Type() string

	// Wrap wraps the event in a common envelope with metadata
	Wrap(nodeID string) *Envelope
}

// Envelope is the common wrapper for all broker events.
type Envelope struct {
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
	Data      any    `json:"data"`
}

// MarshalJSON serializes the envelope to JSON.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(*e)
}

func wrap(e Event, nodeID string) *Envelope {
	return &Envelope{
		EventType: e.Type(),
		EventID:   uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		NodeID:    nodeID,
		Data:      e,
	}
}

// QueueCreated is emitted when a queue is created.
type QueueCreated struct {
	Queue     string `json:"queue"`
	QueueType string `json:"queue_type"`
	DLQ       string `json:"dlq,omitempty"`
}

func (e QueueCreated) Type() string { return TypeQueueCreated }
func (e QueueCreated) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// QueueDeleted is emitted when a queue is deleted.
type QueueDeleted struct {
	Queue string `json:"queue"`
}

func (e QueueDeleted) Type() string { return TypeQueueDeleted }
func (e QueueDeleted) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// TopicCreated is emitted when a topic is created.
type TopicCreated struct {
	Topic      string `json:"topic"`
	Partitions int    `json:"partitions"`
}

func (e TopicCreated) Type() string { return TypeTopicCreated }
func (e TopicCreated) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// TopicDeleted is emitted when a topic is deleted.
type TopicDeleted struct {
	Topic string `json:"topic"`
}

func (e TopicDeleted) Type() string { return TypeTopicDeleted }
func (e TopicDeleted) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// MessageExpired is emitted when the expiry sweep drops a message.
type MessageExpired struct {
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
}

func (e MessageExpired) Type() string { return TypeMessageExpired }
func (e MessageExpired) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// MessageDeadLettered is emitted when a message exhausts its redelivery
// budget and moves to the DLQ. This is the system's only permanent-failure
// path for queue messages.
type MessageDeadLettered struct {
	Queue     string `json:"queue"`
	DLQ       string `json:"dlq"`
	MessageID string `json:"message_id"`
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}

func (e MessageDeadLettered) Type() string { return TypeMessageDeadLettered }
func (e MessageDeadLettered) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// ConsumerJoined is emitted when a consumer subscribes.
type ConsumerJoined struct {
	ConsumerID string `json:"consumer_id"`
	Topic      string `json:"topic"`
	GroupID    string `json:"group_id,omitempty"`
}

func (e ConsumerJoined) Type() string { return TypeConsumerJoined }
func (e ConsumerJoined) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// ConsumerLeft is emitted when a consumer unsubscribes.
type ConsumerLeft struct {
	ConsumerID string `json:"consumer_id"`
	Topic      string `json:"topic"`
	GroupID    string `json:"group_id,omitempty"`
}

func (e ConsumerLeft) Type() string { return TypeConsumerLeft }
func (e ConsumerLeft) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// GroupRebalanced is emitted after a consumer group reassigns partitions.
type GroupRebalanced struct {
	GroupID    string `json:"group_id"`
	Generation int    `json:"generation"`
	Members    int    `json:"members"`
}

func (e GroupRebalanced) Type() string { return TypeGroupRebalanced }
func (e GroupRebalanced) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }

// TransactionAborted is emitted when a transaction is aborted, including
// force-abort on timeout.
type TransactionAborted struct {
	TransactionID string `json:"transaction_id"`
	ProducerID    string `json:"producer_id"`
	Reason        string `json:"reason"` // "abort" or "timeout"
}

func (e TransactionAborted) Type() string { return TypeTransactionAborted }
func (e TransactionAborted) Wrap(nodeID string) *Envelope { return wrap(e, nodeID) }
