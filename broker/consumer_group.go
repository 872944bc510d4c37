// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
)

// TopicPartition identifies one partition of one topic.
type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int    `json:"partition"`
}

// GroupAssignment is a point-in-time view of a consumer group.
type GroupAssignment struct {
	GroupID     string                      `json:"group_id"`
	Generation  int                         `json:"generation"`
	Members     []string                    `json:"members"`
	Assignments map[string][]TopicPartition `json:"assignments"`
}

// ConsumerGroup coordinates consumers sharing partition assignments across
// the topics the group subscribes to. Within one generation each partition
// is assigned to exactly one member.
type ConsumerGroup struct {
	id         string
	generation int
	members    []*Consumer // registration order
	topics     []string    // join order
	// consumerID -> assigned partitions
	assignments map[string][]TopicPartition
	mu          sync.RWMutex
}

func newConsumerGroup(id string) *ConsumerGroup {
	return &ConsumerGroup{
		id:          id,
		assignments: make(map[string][]TopicPartition),
	}
}

// ID returns the group ID.
func (g *ConsumerGroup) ID() string {
	return g.id
}

// Generation returns the current assignment generation.
func (g *ConsumerGroup) Generation() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generation
}

// Size returns the number of members.
func (g *ConsumerGroup) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Assignment returns an atomic snapshot of the group's state. No
// partially-assigned state is ever observable.
func (g *ConsumerGroup) Assignment() GroupAssignment {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := make([]string, len(g.members))
	for i, m := range g.members {
		members[i] = m.ID
	}
	assignments := make(map[string][]TopicPartition, len(g.assignments))
	for id, parts := range g.assignments {
		assignments[id] = append([]TopicPartition(nil), parts...)
	}
	return GroupAssignment{
		GroupID:     g.id,
		Generation:  g.generation,
		Members:     members,
		Assignments: assignments,
	}
}

// assignedTo returns the member that owns the given partition in the current
// generation, or "" if none.
func (g *ConsumerGroup) assignedTo(tp TopicPartition) string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for id, parts := range g.assignments {
		for _, p := range parts {
			if p == tp {
				return id
			}
		}
	}
	return ""
}

// addMember registers a consumer and the topic it subscribes to, then
// rebalances. partitionCounts maps every group-subscribed topic to its
// partition count.
func (g *ConsumerGroup) addMember(c *Consumer, topicName string, partitionCounts func(string) int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.members = append(g.members, c)
	known := false
	for _, t := range g.topics {
		if t == topicName {
			known = true
			break
		}
	}
	if !known {
		g.topics = append(g.topics, topicName)
	}
	g.rebalanceLocked(partitionCounts)
}

// removeMember unregisters a consumer and rebalances. Returns the remaining
// member count.
func (g *ConsumerGroup) removeMember(consumerID string, partitionCounts func(string) int) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, m := range g.members {
		if m.ID == consumerID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	g.rebalanceLocked(partitionCounts)
	return len(g.members)
}

// rebalanceLocked performs range assignment: for every subscribed topic the
// partitions are split as evenly as possible across members in registration
// order, earlier members taking the remainder. The generation is bumped so
// readers can detect reassignment.
func (g *ConsumerGroup) rebalanceLocked(partitionCounts func(string) int) {
	g.generation++
	g.assignments = make(map[string][]TopicPartition, len(g.members))

	if len(g.members) == 0 {
		return
	}

	for _, topicName := range g.topics {
		count := partitionCounts(topicName)
		if count <= 0 {
			continue
		}

		per := count / len(g.members)
		remainder := count % len(g.members)

		partitionIdx := 0
		for memberIdx, member := range g.members {
			n := per
			if memberIdx < remainder {
				n++
			}
			for i := 0; i < n && partitionIdx < count; i++ {
				g.assignments[member.ID] = append(g.assignments[member.ID], TopicPartition{
					Topic:     topicName,
					Partition: partitionIdx,
				})
				partitionIdx++
			}
		}
	}
}
