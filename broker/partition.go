// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"hash"
	"hash/fnv"
	"math/rand"
	"sync"
)

// Hash pool for partition selection.
var hashPool = sync.Pool{
	New: func() interface{} {
		return fnv.New32a()
	},
}

// partitionFor returns the partition index for the given key. An empty key
// means uniform-random assignment; otherwise the same key always maps to the
// same partition, which is what preserves same-key ordering.
func partitionFor(key string, numPartitions int) int {
	if numPartitions <= 1 {
		return 0
	}
	if key == "" {
		return rand.Intn(numPartitions)
	}

	hasher := hashPool.Get().(hash.Hash32)
	defer func() {
		hasher.Reset()
		hashPool.Put(hasher)
	}()

	hasher.Write([]byte(key))
	return int(hasher.Sum32() % uint32(numPartitions))
}

// PartitionInfo is the replication metadata of a single partition. Leader,
// replicas and ISR are single-process placeholders, not an active
// replication protocol.
type PartitionInfo struct {
	ID             int      `json:"id"`
	Leader         string   `json:"leader"`
	Replicas       []string `json:"replicas"`
	ISR            []string `json:"isr"`
	LogStartOffset int64    `json:"log_start_offset"`
	LogEndOffset   int64    `json:"log_end_offset"`
	HighWaterMark  int64    `json:"high_water_mark"`
}

// partition is an append-only ordered log. Offsets are monotonically
// increasing and never reused.
type partition struct {
	id       int
	leader   string
	replicas []string
	isr      []string

	logStartOffset int64
	logEndOffset   int64 // == high water mark
	log            []*Message
	mu             sync.Mutex
}

func newPartition(id int, nodeID string) *partition {
	return &partition{
		id:       id,
		leader:   nodeID,
		replicas: []string{nodeID},
		isr:      []string{nodeID},
	}
}

// append assigns the next offset to the message and appends it to the log.
func (p *partition) append(msg *Message) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	offset := p.logEndOffset
	msg.Partition = p.id
	msg.Offset = offset
	p.log = append(p.log, msg)
	p.logEndOffset++
	return offset
}

// fetch returns up to max messages starting at the given offset.
func (p *partition) fetch(offset int64, max int) []*Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offset < p.logStartOffset {
		offset = p.logStartOffset
	}
	idx := int(offset - p.logStartOffset)
	if idx >= len(p.log) {
		return nil
	}
	end := idx + max
	if end > len(p.log) {
		end = len(p.log)
	}
	out := make([]*Message, end-idx)
	copy(out, p.log[idx:end])
	return out
}

func (p *partition) info() PartitionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PartitionInfo{
		ID:             p.id,
		Leader:         p.leader,
		Replicas:       append([]string(nil), p.replicas...),
		ISR:            append([]string(nil), p.isr...),
		LogStartOffset: p.logStartOffset,
		LogEndOffset:   p.logEndOffset,
		HighWaterMark:  p.logEndOffset,
	}
}
