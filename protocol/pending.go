// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"sync"
	"time"
)

// pendingRequest is a request waiting for its response envelope.
type pendingRequest struct {
	id      uint64
	done    chan struct{}
	result  json.RawMessage
	err     error
	created time.Time
	timer   *time.Timer
}

// pendingStore tracks in-flight requests keyed by envelope ID.
type pendingStore struct {
	mu      sync.Mutex
	pending map[uint64]*pendingRequest
	nextID  uint64
}

func newPendingStore() *pendingStore {
	return &pendingStore{
		pending: make(map[uint64]*pendingRequest),
		nextID:  1,
	}
}

// nextRequestID returns a fresh envelope ID.
func (ps *pendingStore) nextRequestID() uint64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	id := ps.nextID
	ps.nextID++
	return id
}

// add registers a pending request with a timeout that rejects it.
func (ps *pendingStore) add(id uint64, timeout time.Duration) *pendingRequest {
	req := &pendingRequest{
		id:      id,
		done:    make(chan struct{}),
		created: time.Now(),
	}

	ps.mu.Lock()
	ps.pending[id] = req
	ps.mu.Unlock()

	req.timer = time.AfterFunc(timeout, func() {
		ps.complete(id, nil, ErrTimeout)
	})
	return req
}

// complete resolves or rejects a pending request. It reports whether the
// request was still pending.
func (ps *pendingStore) complete(id uint64, result json.RawMessage, err error) bool {
	ps.mu.Lock()
	req, ok := ps.pending[id]
	if ok {
		delete(ps.pending, id)
	}
	ps.mu.Unlock()

	if !ok {
		return false
	}

	if req.timer != nil {
		req.timer.Stop()
	}
	req.result = result
	req.err = err
	close(req.done)
	return true
}

// count returns the number of in-flight requests.
func (ps *pendingStore) count() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.pending)
}

// wait blocks until the request completes. The timeout registered in add is
// the sole deadline.
func (req *pendingRequest) wait() (json.RawMessage, error) {
	<-req.done
	return req.result, req.err
}
