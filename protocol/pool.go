// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"sync"
	"time"
)

// connPool holds up to size client connections. Acquisition prefers the
// least-recently-used connected entry; when the pool is full, the LRU entry
// is evicted to make room.
type connPool struct {
	mu    sync.Mutex
	conns []*poolEntry
	size  int
}

type poolEntry struct {
	conn     *clientConn
	lastUsed time.Time
}

func newConnPool(size int) *connPool {
	return &connPool{size: size}
}

// acquire returns an existing connected entry, marking it used. It returns
// nil when no connected entry exists; the caller then dials and calls put.
func (p *connPool) acquire() *clientConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.conns {
		if e.conn.isConnected() {
			e.lastUsed = time.Now()
			return e.conn
		}
	}
	return nil
}

// put adds a connection, evicting the least-recently-used entry when full.
// The evicted connection is returned so the caller can close it.
func (p *connPool) put(conn *clientConn) *clientConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := &poolEntry{conn: conn, lastUsed: time.Now()}

	if len(p.conns) < p.size {
		p.conns = append(p.conns, entry)
		return nil
	}

	lru := 0
	for i := 1; i < len(p.conns); i++ {
		if p.conns[i].lastUsed.Before(p.conns[lru].lastUsed) {
			lru = i
		}
	}
	evicted := p.conns[lru].conn
	p.conns[lru] = entry
	return evicted
}

// remove drops a connection from the pool, if present.
func (p *connPool) remove(conn *clientConn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, e := range p.conns {
		if e.conn == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			return
		}
	}
}

// len returns the current number of pooled connections.
func (p *connPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// all returns a snapshot of the pooled connections.
func (p *connPool) all() []*clientConn {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]*clientConn, 0, len(p.conns))
	for _, e := range p.conns {
		out = append(out, e.conn)
	}
	return out
}
