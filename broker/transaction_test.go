// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"testing"
	"time"

	"github.com/phuetz/agentmesh/broker/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionCommit(t *testing.T) {
	b := newTestBroker(t)

	tx, err := b.BeginTransaction("producer-1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, TxBegin, tx.CurrentState())

	got, err := b.GetTransaction(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	require.NoError(t, b.CommitTransaction(tx.ID))
	assert.Equal(t, TxCommitted, tx.CurrentState())

	// The record is released on resolution.
	_, err = b.GetTransaction(tx.ID)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
	assert.ErrorIs(t, b.CommitTransaction(tx.ID), ErrTransactionNotFound)
}

func TestTransactionAbort(t *testing.T) {
	b := newTestBroker(t)

	tx, err := b.BeginTransaction("producer-1", time.Minute)
	require.NoError(t, err)

	require.NoError(t, b.AbortTransaction(tx.ID))
	assert.Equal(t, TxAborted, tx.CurrentState())
}

func TestTransactionTimeoutForceAborts(t *testing.T) {
	b := newTestBroker(t)

	var aborted []events.TransactionAborted
	var mu sync.Mutex
	b.OnEvent(func(ev events.Event) {
		if e, ok := ev.(events.TransactionAborted); ok {
			mu.Lock()
			aborted = append(aborted, e)
			mu.Unlock()
		}
	})

	tx, err := b.BeginTransaction("producer-1", 20*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return tx.CurrentState() == TxAborted
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, aborted, 1)
	assert.Equal(t, "timeout", aborted[0].Reason)

	// Committing after the force-abort is a not-found: the record is gone.
	assert.ErrorIs(t, b.CommitTransaction(tx.ID), ErrTransactionNotFound)
}

func TestTransactionResolvedIsTerminal(t *testing.T) {
	tx := newTransaction("p", time.Minute)

	require.NoError(t, tx.commit())
	assert.ErrorIs(t, tx.commit(), ErrTransactionResolved)
	assert.ErrorIs(t, tx.abort(), ErrTransactionResolved)
}

func TestTransactionTracksPartitions(t *testing.T) {
	tx := newTransaction("p", time.Minute)

	tp := TopicPartition{Topic: "t", Partition: 0}
	tx.addPartition(tp)
	tx.addPartition(tp)
	tx.addPartition(TopicPartition{Topic: "t", Partition: 1})

	assert.Len(t, tx.Partitions, 2)
}
