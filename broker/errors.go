// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "errors"

var (
	// ErrQueueExists is returned when creating a queue whose name is taken.
	ErrQueueExists = errors.New("queue already exists")
	// ErrQueueNotFound is returned when the named queue does not exist.
	ErrQueueNotFound = errors.New("queue not found")
	// ErrQueueNotActive is returned when sending to a paused or deleting queue.
	ErrQueueNotActive = errors.New("queue not active")
	// ErrTopicExists is returned when creating a topic whose name is taken.
	ErrTopicExists = errors.New("topic already exists")
	// ErrTopicNotFound is returned when the named topic does not exist.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrMessageNotFound is returned when acknowledging an unknown message.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageTooLarge is returned when a payload exceeds the configured maximum.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrTransactionNotFound is returned for operations on an unknown transaction.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionResolved is returned when committing or aborting a transaction
	// that already reached a terminal state.
	ErrTransactionResolved = errors.New("transaction already resolved")
	// ErrStreamExists is returned when creating a stream whose name is taken.
	ErrStreamExists = errors.New("stream already exists")
	// ErrStreamNotFound is returned when the named stream does not exist.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrSubscriptionNotFound is returned when unsubscribing an unknown consumer.
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrGroupNotFound is returned for operations on an unknown consumer group.
	ErrGroupNotFound = errors.New("consumer group not found")
	// ErrBrokerClosed is returned for operations after Shutdown.
	ErrBrokerClosed = errors.New("broker closed")
)
