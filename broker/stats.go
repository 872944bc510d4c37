// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import "sync/atomic"

// Stats tracks broker-wide counters. All fields are updated atomically and
// safe for concurrent reads.
type Stats struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesDeleted  atomic.Uint64
	messagesExpired  atomic.Uint64
	deadLettered     atomic.Uint64
	published        atomic.Uint64
	delivered        atomic.Uint64
	handlerErrors    atomic.Uint64
}

// StatsSnapshot is a point-in-time copy of the broker counters.
type StatsSnapshot struct {
	Queues           int    `json:"queues"`
	Topics           int    `json:"topics"`
	Streams          int    `json:"streams"`
	Transactions     int    `json:"transactions"`
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	MessagesDeleted  uint64 `json:"messages_deleted"`
	MessagesExpired  uint64 `json:"messages_expired"`
	DeadLettered     uint64 `json:"dead_lettered"`
	Published        uint64 `json:"published"`
	Delivered        uint64 `json:"delivered"`
	HandlerErrors    uint64 `json:"handler_errors"`
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		MessagesDeleted:  s.messagesDeleted.Load(),
		MessagesExpired:  s.messagesExpired.Load(),
		DeadLettered:     s.deadLettered.Load(),
		Published:        s.published.Load(),
		Delivered:        s.delivered.Load(),
		HandlerErrors:    s.handlerErrors.Load(),
	}
}
