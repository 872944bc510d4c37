// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionForIsStable(t *testing.T) {
	first := partitionFor("order-42", 8)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, partitionFor("order-42", 8))
	}
	assert.GreaterOrEqual(t, first, 0)
	assert.Less(t, first, 8)
}

func TestPartitionForEmptyKeyInRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		p := partitionFor("", 4)
		assert.GreaterOrEqual(t, p, 0)
		assert.Less(t, p, 4)
	}
}

func TestPartitionOffsetsMonotonic(t *testing.T) {
	p := newPartition(0, "node-1")

	for i := int64(0); i < 10; i++ {
		msg := newMessage([]byte("x"))
		offset := p.append(msg)
		assert.Equal(t, i, offset)
		assert.Equal(t, i, msg.Offset)
	}

	info := p.info()
	assert.Equal(t, int64(10), info.LogEndOffset)
	assert.Equal(t, int64(10), info.HighWaterMark)
}

func TestPartitionFetch(t *testing.T) {
	p := newPartition(0, "node-1")

	for _, v := range []string{"a", "b", "c", "d"} {
		p.append(newMessage([]byte(v)))
	}

	msgs := p.fetch(1, 2)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", string(msgs[0].Value))
	assert.Equal(t, "c", string(msgs[1].Value))

	assert.Empty(t, p.fetch(10, 5))
}
