// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-IP connection limiting and per-agent
// request limiting for the RPC server.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/phuetz/agentmesh/config"
)

// IPRateLimiter limits connection attempts per source IP.
type IPRateLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// r is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow checks if a connection from the given address is allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true // Allow if we can't extract IP
	}

	l.mu.Lock()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &ipEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[ip] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	close(l.stopCh)
}

// AgentRateLimiter limits RPC request rates per authenticated agent.
type AgentRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewAgentRateLimiter creates a per-agent request rate limiter.
func NewAgentRateLimiter(r float64, burst int) *AgentRateLimiter {
	return &AgentRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// AllowRequest checks if a request from the given agent is allowed.
func (l *AgentRateLimiter) AllowRequest(agentID string) bool {
	l.mu.Lock()
	limiter, exists := l.limiters[agentID]
	if !exists {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[agentID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// RemoveAgent drops the limiter state for a disconnected agent.
func (l *AgentRateLimiter) RemoveAgent(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, agentID)
}

// extractIP extracts the IP address from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Manager coordinates the connection and request limiters.
type Manager struct {
	cfg      config.RateLimitConfig
	ip       *IPRateLimiter
	agent    *AgentRateLimiter
	disabled bool
}

// NewManager creates a rate limit manager from configuration.
func NewManager(cfg config.RateLimitConfig) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, cfg: cfg}
	}

	return &Manager{
		cfg:   cfg,
		ip:    NewIPRateLimiter(cfg.RequestsPerSec, cfg.Burst, cfg.CleanupInterval),
		agent: NewAgentRateLimiter(cfg.RequestsPerSec, cfg.Burst),
	}
}

// AllowConnection checks if a new connection from the address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowRequest checks if an RPC request from the agent is allowed.
func (m *Manager) AllowRequest(agentID string) bool {
	if m.disabled || m.agent == nil {
		return true
	}
	return m.agent.AllowRequest(agentID)
}

// OnAgentDisconnect cleans up limiter state for a disconnected agent.
func (m *Manager) OnAgentDisconnect(agentID string) {
	if m.disabled || m.agent == nil {
		return
	}
	m.agent.RemoveAgent(agentID)
}

// Stop stops the manager's background cleanup.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
