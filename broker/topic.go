// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler consumes a message delivered by a topic subscription.
type Handler func(msg *Message) error

// FilterFunc decides whether a subscription receives a message.
type FilterFunc func(msg *Message) bool

// TransformFunc derives the message a subscription receives. Returning nil
// skips delivery for that subscriber.
type TransformFunc func(msg *Message) *Message

// TopicConfig holds per-topic settings.
type TopicConfig struct {
	PartitionCount    int
	ReplicationFactor int
}

// TopicStats is a point-in-time snapshot of a topic.
type TopicStats struct {
	Name          string          `json:"name"`
	Partitions    []PartitionInfo `json:"partitions"`
	Subscriptions int             `json:"subscriptions"`
	Published     uint64          `json:"published"`
}

// Consumer binds a handler to a queue or topic subscription.
type Consumer struct {
	ID           string
	GroupID      string
	Topic        string
	RegisteredAt time.Time

	handler    Handler
	errorCount atomic.Uint64
}

// ErrorCount returns how many deliveries to this consumer have failed.
func (c *Consumer) ErrorCount() uint64 {
	return c.errorCount.Load()
}

// subscription pairs a consumer with its delivery options. Subscriptions are
// notified in registration order.
type subscription struct {
	id        string
	consumer  *Consumer
	filter    FilterFunc
	transform TransformFunc
	active    bool
}

// SubscribeOptions control topic subscription behavior.
type SubscribeOptions struct {
	// GroupID joins (or creates) a consumer group; partitions of all
	// group-subscribed topics are then shared across members.
	GroupID string
	// Filter skips delivery when it evaluates false.
	Filter FilterFunc
	// Transform derives the delivered message; nil result skips delivery.
	Transform TransformFunc
}

type topic struct {
	name       string
	config     TopicConfig
	partitions []*partition
	subs       []*subscription
	published  uint64
	mu         sync.RWMutex
}

func newTopic(name string, config TopicConfig, nodeID string) *topic {
	partitions := make([]*partition, config.PartitionCount)
	for i := 0; i < config.PartitionCount; i++ {
		partitions[i] = newPartition(i, nodeID)
	}
	return &topic{
		name:       name,
		config:     config,
		partitions: partitions,
	}
}

// append selects a partition for the message and appends it, returning the
// partition index and assigned offset.
func (t *topic) append(msg *Message) (int, int64) {
	t.mu.RLock()
	p := t.partitions[partitionFor(msg.Key, len(t.partitions))]
	t.mu.RUnlock()

	offset := p.append(msg)

	t.mu.Lock()
	t.published++
	t.mu.Unlock()

	return p.id, offset
}

func (t *topic) addSubscription(consumer *Consumer, opts SubscribeOptions) *subscription {
	sub := &subscription{
		id:        uuid.New().String(),
		consumer:  consumer,
		filter:    opts.Filter,
		transform: opts.Transform,
		active:    true,
	}

	t.mu.Lock()
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	return sub
}

func (t *topic) removeSubscription(consumerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, sub := range t.subs {
		if sub.consumer.ID == consumerID {
			sub.active = false
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return true
		}
	}
	return false
}

// subscriptions returns the active subscriptions in registration order.
func (t *topic) subscriptions() []*subscription {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		if sub.active {
			out = append(out, sub)
		}
	}
	return out
}

func (t *topic) partitionCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.partitions)
}

func (t *topic) stats() TopicStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	infos := make([]PartitionInfo, len(t.partitions))
	for i, p := range t.partitions {
		infos[i] = p.info()
	}
	return TopicStats{
		Name:          t.name,
		Partitions:    infos,
		Subscriptions: len(t.subs),
		Published:     t.published,
	}
}

func newConsumerID() string {
	return uuid.New().String()
}

// dispatch delivers a published message to one subscription: filter, then
// transform, then handler. A handler failure or panic increments the
// consumer's error count and never blocks other subscribers. Returns true
// when the handler ran without error.
func dispatch(sub *subscription, msg *Message) (ok bool) {
	if sub.filter != nil && !sub.filter(msg) {
		return false
	}

	delivered := msg
	if sub.transform != nil {
		delivered = sub.transform(msg)
		if delivered == nil {
			return false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			sub.consumer.errorCount.Add(1)
			ok = false
		}
	}()

	if err := sub.consumer.handler(delivered); err != nil {
		sub.consumer.errorCount.Add(1)
		return false
	}
	return true
}
