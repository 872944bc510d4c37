// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TxState is a transaction lifecycle state. The two-phase names are kept for
// wire compatibility; no per-partition commit action is performed in this
// single-process implementation.
type TxState string

const (
	TxBegin      TxState = "begin"
	TxPreparing  TxState = "preparing"
	TxPrepared   TxState = "prepared"
	TxCommitting TxState = "committing"
	TxCommitted  TxState = "committed"
	TxAborting   TxState = "aborting"
	TxAborted    TxState = "aborted"
)

// Transaction tracks a producer's transactional session. A transaction not
// explicitly committed within its timeout is force-aborted.
type Transaction struct {
	ID         string           `json:"id"`
	ProducerID string           `json:"producer_id"`
	State      TxState          `json:"state"`
	Partitions []TopicPartition `json:"partitions,omitempty"`
	StartTime  time.Time        `json:"start_time"`
	Timeout    time.Duration    `json:"timeout"`

	timer *time.Timer
	mu    sync.Mutex
}

func newTransaction(producerID string, timeout time.Duration) *Transaction {
	return &Transaction{
		ID:         uuid.New().String(),
		ProducerID: producerID,
		State:      TxBegin,
		StartTime:  time.Now().UTC(),
		Timeout:    timeout,
	}
}

// resolved reports whether the transaction reached a terminal state.
func (tx *Transaction) resolved() bool {
	return tx.State == TxCommitted || tx.State == TxAborted
}

// commit walks the commit states. Returns ErrTransactionResolved if the
// transaction already terminated (including by timeout abort).
func (tx *Transaction) commit() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.resolved() {
		return ErrTransactionResolved
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}

	tx.State = TxPreparing
	tx.State = TxPrepared
	tx.State = TxCommitting
	tx.State = TxCommitted
	return nil
}

// abort walks the abort states.
func (tx *Transaction) abort() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.resolved() {
		return ErrTransactionResolved
	}
	if tx.timer != nil {
		tx.timer.Stop()
	}

	tx.State = TxAborting
	tx.State = TxAborted
	return nil
}

// addPartition records a partition touched by this transaction.
func (tx *Transaction) addPartition(tp TopicPartition) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for _, p := range tx.Partitions {
		if p == tp {
			return
		}
	}
	tx.Partitions = append(tx.Partitions, tp)
}

// CurrentState returns the transaction state.
func (tx *Transaction) CurrentState() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.State
}
