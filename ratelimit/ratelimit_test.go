// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phuetz/agentmesh/config"
)

func tcpAddr(ip string) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: 12345}
}

func TestIPRateLimiterEnforcesBurst(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	defer l.Stop()

	addr := tcpAddr("10.0.0.1")
	assert.True(t, l.Allow(addr))
	assert.True(t, l.Allow(addr))
	assert.False(t, l.Allow(addr))
}

func TestIPRateLimiterIsolatesAddresses(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(tcpAddr("10.0.0.1")))
	assert.False(t, l.Allow(tcpAddr("10.0.0.1")))
	assert.True(t, l.Allow(tcpAddr("10.0.0.2")))
}

func TestIPRateLimiterAllowsUnknownAddr(t *testing.T) {
	l := NewIPRateLimiter(1, 1, time.Minute)
	defer l.Stop()

	assert.True(t, l.Allow(nil))
}

func TestIPRateLimiterRefills(t *testing.T) {
	l := NewIPRateLimiter(100, 1, time.Minute)
	defer l.Stop()

	addr := tcpAddr("10.0.0.3")
	require.True(t, l.Allow(addr))
	require.False(t, l.Allow(addr))

	assert.Eventually(t, func() bool {
		return l.Allow(addr)
	}, time.Second, 5*time.Millisecond)
}

func TestAgentRateLimiterPerAgent(t *testing.T) {
	l := NewAgentRateLimiter(1, 1)

	assert.True(t, l.AllowRequest("agent-a"))
	assert.False(t, l.AllowRequest("agent-a"))
	assert.True(t, l.AllowRequest("agent-b"))
}

func TestAgentRateLimiterRemoveResetsState(t *testing.T) {
	l := NewAgentRateLimiter(1, 1)

	require.True(t, l.AllowRequest("agent-a"))
	require.False(t, l.AllowRequest("agent-a"))

	l.RemoveAgent("agent-a")
	assert.True(t, l.AllowRequest("agent-a"))
}

func TestManagerDisabledAllowsEverything(t *testing.T) {
	m := NewManager(config.RateLimitConfig{Enabled: false})
	defer m.Stop()

	for i := 0; i < 100; i++ {
		assert.True(t, m.AllowConnection(tcpAddr("10.0.0.1")))
		assert.True(t, m.AllowRequest("agent-a"))
	}
}

func TestManagerEnforcesLimits(t *testing.T) {
	m := NewManager(config.RateLimitConfig{
		Enabled:         true,
		RequestsPerSec:  1,
		Burst:           1,
		CleanupInterval: time.Minute,
	})
	defer m.Stop()

	assert.True(t, m.AllowConnection(tcpAddr("10.0.0.1")))
	assert.False(t, m.AllowConnection(tcpAddr("10.0.0.1")))

	assert.True(t, m.AllowRequest("agent-a"))
	assert.False(t, m.AllowRequest("agent-a"))

	m.OnAgentDisconnect("agent-a")
	assert.True(t, m.AllowRequest("agent-a"))
}
