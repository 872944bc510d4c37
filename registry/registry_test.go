// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"testing"
	"time"

	"github.com/phuetz/agentmesh/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.RegistryConfig {
	return config.RegistryConfig{
		HeartbeatTimeout: 50 * time.Millisecond,
		CheckInterval:    10 * time.Millisecond,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

func testAgent(id string) AgentInfo {
	return AgentInfo{
		ID:           id,
		Capabilities: []string{"translate", "summarize"},
		Protocols:    []string{"websocket"},
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(testConfig(), nil)

	require.NoError(t, r.Register(testAgent("agent-1")))

	got, err := r.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status)
	assert.False(t, got.Health.LastHeartbeat.IsZero())
	assert.Equal(t, 1.0, got.Health.SuccessRate)

	err = r.Register(testAgent("agent-1"))
	assert.ErrorIs(t, err, ErrAgentExists)
}

func TestUnregister(t *testing.T) {
	r := New(testConfig(), nil)

	require.NoError(t, r.Register(testAgent("agent-1")))
	require.NoError(t, r.Unregister("agent-1"))

	_, err := r.GetAgent("agent-1")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	assert.ErrorIs(t, r.Unregister("agent-1"), ErrAgentNotFound)
}

func TestSnapshotIsolation(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))

	got, err := r.GetAgent("agent-1")
	require.NoError(t, err)
	got.Capabilities[0] = "mutated"

	again, err := r.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, "translate", again.Capabilities[0])
}

func TestSweepDemotesStaleAgents(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))

	stale := time.Now().Add(time.Second)

	// First miss: online -> degraded.
	r.sweep(stale)
	got, err := r.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, got.Status)

	// Misses up to the failure threshold: degraded -> offline.
	r.sweep(stale)
	r.sweep(stale)
	got, err = r.GetAgent("agent-1")
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, got.Status)
}

func TestHeartbeatPromotesDegraded(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))

	r.sweep(time.Now().Add(time.Second))
	got, _ := r.GetAgent("agent-1")
	require.Equal(t, StatusDegraded, got.Status)

	// One heartbeat is below the success threshold of two.
	require.NoError(t, r.Heartbeat("agent-1", 5*time.Millisecond))
	got, _ = r.GetAgent("agent-1")
	assert.Equal(t, StatusDegraded, got.Status)

	require.NoError(t, r.Heartbeat("agent-1", 5*time.Millisecond))
	got, _ = r.GetAgent("agent-1")
	assert.Equal(t, StatusOnline, got.Status)
	assert.Equal(t, 5*time.Millisecond, got.Health.ResponseTime)
}

func TestOfflineRecoversThroughDegraded(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))

	stale := time.Now().Add(time.Second)
	r.sweep(stale)
	r.sweep(stale)
	r.sweep(stale)
	got, _ := r.GetAgent("agent-1")
	require.Equal(t, StatusOffline, got.Status)

	require.NoError(t, r.Heartbeat("agent-1", 0))
	require.NoError(t, r.Heartbeat("agent-1", 0))
	got, _ = r.GetAgent("agent-1")
	assert.Equal(t, StatusDegraded, got.Status)

	require.NoError(t, r.Heartbeat("agent-1", 0))
	require.NoError(t, r.Heartbeat("agent-1", 0))
	got, _ = r.GetAgent("agent-1")
	assert.Equal(t, StatusOnline, got.Status)
}

func TestUpdateStatusValidation(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))

	// online -> offline must pass through degraded.
	err := r.UpdateStatus("agent-1", StatusOffline)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, r.UpdateStatus("agent-1", StatusDegraded))
	require.NoError(t, r.UpdateStatus("agent-1", StatusOffline))

	// offline -> online must pass through degraded.
	err = r.UpdateStatus("agent-1", StatusOnline)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStatusObservers(t *testing.T) {
	r := New(testConfig(), nil)

	var transitions []string
	r.OnStatusChange(func(id string, from, to Status) {
		transitions = append(transitions, string(from)+"->"+string(to))
	})

	require.NoError(t, r.Register(testAgent("agent-1")))
	r.sweep(time.Now().Add(time.Second))

	require.Len(t, transitions, 2)
	assert.Equal(t, "unknown->online", transitions[0])
	assert.Equal(t, "online->degraded", transitions[1])
}

func TestFindAgentsFilters(t *testing.T) {
	r := New(testConfig(), nil)

	a := testAgent("agent-1")
	a.Tags = map[string]string{"region": "eu"}
	require.NoError(t, r.Register(a))

	b := AgentInfo{
		ID:           "agent-2",
		Capabilities: []string{"translate"},
		Protocols:    []string{"http"},
		Tags:         map[string]string{"region": "us"},
	}
	require.NoError(t, r.Register(b))
	require.NoError(t, r.UpdateHealth("agent-2", HealthInfo{SuccessRate: 0.4, Load: 0.9}))

	// All capabilities must match.
	assert.Len(t, r.FindAgents(Query{Capabilities: []string{"translate"}}), 2)
	assert.Len(t, r.FindAgents(Query{Capabilities: []string{"translate", "summarize"}}), 1)

	// Any protocol must match.
	assert.Len(t, r.FindAgents(Query{Protocols: []string{"websocket", "http"}}), 2)
	assert.Len(t, r.FindAgents(Query{Protocols: []string{"grpc"}}), 0)

	// Any tag must match.
	assert.Len(t, r.FindAgents(Query{Tags: map[string]string{"region": "eu"}}), 1)

	// Health thresholds.
	assert.Len(t, r.FindAgents(Query{MinSuccessRate: 0.5}), 1)
	assert.Len(t, r.FindAgents(Query{MaxLoad: 0.5}), 1)
}

func TestSelectAgentStrategies(t *testing.T) {
	r := New(testConfig(), nil)

	for _, id := range []string{"a", "b", "c"} {
		info := testAgent(id)
		require.NoError(t, r.Register(info))
	}
	require.NoError(t, r.UpdateHealth("a", HealthInfo{Load: 0.8, SuccessRate: 0.5, ErrorRate: 0.5}))
	require.NoError(t, r.UpdateHealth("b", HealthInfo{Load: 0.1, SuccessRate: 0.99, ErrorRate: 0.01}))
	require.NoError(t, r.UpdateHealth("c", HealthInfo{Load: 0.5, SuccessRate: 0.9, ErrorRate: 0.1}))

	got, err := r.SelectAgent(Query{}, StrategyLeastLoad)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	got, err = r.SelectAgent(Query{}, StrategyBestPerformance)
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	// Default strategy is least-load.
	got, err = r.SelectAgent(Query{}, "")
	require.NoError(t, err)
	assert.Equal(t, "b", got.ID)

	_, err = r.SelectAgent(Query{Capabilities: []string{"nonexistent"}}, StrategyLeastLoad)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestSelectAgentExcludesOffline(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))
	require.NoError(t, r.UpdateStatus("agent-1", StatusDegraded))

	_, err := r.SelectAgent(Query{}, StrategyLeastLoad)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}

func TestPerformanceScoreClamped(t *testing.T) {
	worst := AgentInfo{Health: HealthInfo{
		Load:         1.0,
		ResponseTime: time.Minute,
		SuccessRate:  0,
		ErrorRate:    1.0,
	}}
	assert.Equal(t, 0.0, performanceScore(worst))

	idle := AgentInfo{Health: HealthInfo{SuccessRate: 1.0}}
	assert.Equal(t, 130.0, performanceScore(idle))
}

func TestGetStats(t *testing.T) {
	r := New(testConfig(), nil)
	require.NoError(t, r.Register(testAgent("agent-1")))
	require.NoError(t, r.Register(testAgent("agent-2")))
	require.NoError(t, r.UpdateStatus("agent-2", StatusDegraded))

	stats := r.GetStats()
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 1, stats.ByStatus[StatusOnline])
	assert.Equal(t, 1, stats.ByStatus[StatusDegraded])
	assert.Equal(t, 2, stats.Capabilities["translate"])
	assert.Equal(t, 2, stats.Protocols["websocket"])
}
