// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks agents, their capabilities and their health.
// Health state is driven by heartbeats and a periodic sweep: a missed
// heartbeat demotes online agents to degraded, repeated misses demote to
// offline, and recovery always passes back through degraded.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phuetz/agentmesh/config"
)

// StatusObserver is invoked after an agent's status changes.
// Observers run synchronously under no lock; they must not call back into
// mutating registry methods.
type StatusObserver func(agentID string, from, to Status)

// Stats summarizes the registry contents.
type Stats struct {
	TotalAgents    int            `json:"total_agents"`
	ByStatus       map[Status]int `json:"by_status"`
	Capabilities   map[string]int `json:"capabilities"`
	Protocols      map[string]int `json:"protocols"`
	AvgSuccessRate float64        `json:"avg_success_rate"`
	AvgLoad        float64        `json:"avg_load"`
}

// Registry owns all agent records and their health lifecycle.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agent

	cfg    config.RegistryConfig
	logger *slog.Logger

	observers   []StatusObserver
	observersMu sync.RWMutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a registry. The health sweep starts with Start.
func New(cfg config.RegistryConfig, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*agent),
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start launches the periodic health-check sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("registry_started",
		slog.Duration("heartbeat_timeout", r.cfg.HeartbeatTimeout),
		slog.Duration("check_interval", r.cfg.CheckInterval))
	return nil
}

// Shutdown stops the health sweep and waits for it to exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.logger.Info("registry_stopped")
	return nil
}

// OnStatusChange registers an observer for agent status transitions.
func (r *Registry) OnStatusChange(obs StatusObserver) {
	r.observersMu.Lock()
	defer r.observersMu.Unlock()
	r.observers = append(r.observers, obs)
}

func (r *Registry) notifyStatusChange(agentID string, from, to Status) {
	r.observersMu.RLock()
	observers := make([]StatusObserver, len(r.observers))
	copy(observers, r.observers)
	r.observersMu.RUnlock()

	for _, obs := range observers {
		obs(agentID, from, to)
	}
}

// Register adds a new agent record. A freshly registered agent is online
// and its registration counts as the first heartbeat.
func (r *Registry) Register(info AgentInfo) error {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return ErrRegistryClosed
	}
	if _, ok := r.agents[info.ID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentExists, info.ID)
	}

	now := time.Now()
	info.Status = StatusOnline
	info.RegisteredAt = now
	info.UpdatedAt = now
	info.Health.LastHeartbeat = now
	if info.Health.SuccessRate == 0 {
		info.Health.SuccessRate = 1.0
	}

	r.agents[info.ID] = &agent{info: info}
	r.mu.Unlock()

	r.logger.Info("agent_registered",
		slog.String("agent_id", info.ID),
		slog.Any("capabilities", info.Capabilities),
		slog.Any("protocols", info.Protocols))

	r.notifyStatusChange(info.ID, StatusUnknown, StatusOnline)
	return nil
}

// Unregister removes an agent record.
func (r *Registry) Unregister(agentID string) error {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	r.logger.Info("agent_unregistered", slog.String("agent_id", agentID))
	return nil
}

// Update replaces an agent's capabilities, protocols and tags. Status,
// health and registration time are preserved.
func (r *Registry) Update(agentID string, capabilities, protocols []string, tags map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	if capabilities != nil {
		a.info.Capabilities = append([]string(nil), capabilities...)
	}
	if protocols != nil {
		a.info.Protocols = append([]string(nil), protocols...)
	}
	if tags != nil {
		a.info.Tags = tags
	}
	a.info.UpdatedAt = time.Now()
	return nil
}

// UpdateHealth replaces an agent's health metrics, leaving the heartbeat
// timestamp and status untouched.
func (r *Registry) UpdateHealth(agentID string, health HealthInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	last := a.info.Health.LastHeartbeat
	a.info.Health = health
	a.info.Health.LastHeartbeat = last
	a.info.UpdatedAt = time.Now()
	return nil
}

// UpdateResources replaces an agent's advertised resources.
func (r *Registry) UpdateResources(agentID string, res Resources) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	a.info.Resources = &res
	a.info.UpdatedAt = time.Now()
	return nil
}

// Heartbeat stamps the liveness of an agent. A non-zero responseTime also
// refreshes the health record. Reaching the success threshold promotes a
// degraded agent back to online.
func (r *Registry) Heartbeat(agentID string, responseTime time.Duration) error {
	r.mu.Lock()

	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	now := time.Now()
	a.info.Health.LastHeartbeat = now
	a.info.UpdatedAt = now
	if responseTime > 0 {
		a.info.Health.ResponseTime = responseTime
	}
	a.missCount = 0

	var from, to Status
	switch a.info.Status {
	case StatusDegraded, StatusOffline:
		a.successCount++
		if a.successCount >= r.cfg.SuccessThreshold {
			from = a.info.Status
			// offline recovers through degraded, never straight to online
			if a.info.Status == StatusOffline {
				to = StatusDegraded
			} else {
				to = StatusOnline
			}
			a.info.Status = to
			a.successCount = 0
		}
	default:
		a.successCount = 0
	}
	r.mu.Unlock()

	if to != "" {
		r.logger.Info("agent_status_changed",
			slog.String("agent_id", agentID),
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.String("reason", "heartbeat"))
		r.notifyStatusChange(agentID, from, to)
	}
	return nil
}

// UpdateStatus forces an agent into a given status, validating the
// transition against the health state machine.
func (r *Registry) UpdateStatus(agentID string, status Status) error {
	r.mu.Lock()

	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	from := a.info.Status
	if !validTransition(from, status) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, status)
	}
	if from == status {
		r.mu.Unlock()
		return nil
	}

	a.info.Status = status
	a.info.UpdatedAt = time.Now()
	a.missCount = 0
	a.successCount = 0
	r.mu.Unlock()

	r.logger.Info("agent_status_changed",
		slog.String("agent_id", agentID),
		slog.String("from", string(from)),
		slog.String("to", string(status)),
		slog.String("reason", "manual"))
	r.notifyStatusChange(agentID, from, status)
	return nil
}

// GetAgent returns a snapshot of a single agent.
func (r *Registry) GetAgent(agentID string) (AgentInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentID]
	if !ok {
		return AgentInfo{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return a.snapshot(), nil
}

// GetAllAgents returns snapshots of every registered agent.
func (r *Registry) GetAllAgents() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentInfo, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.snapshot())
	}
	return out
}

// GetStats aggregates counts and averages over all agents.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalAgents:  len(r.agents),
		ByStatus:     make(map[Status]int),
		Capabilities: make(map[string]int),
		Protocols:    make(map[string]int),
	}

	var sumSuccess, sumLoad float64
	for _, a := range r.agents {
		stats.ByStatus[a.info.Status]++
		for _, c := range a.info.Capabilities {
			stats.Capabilities[c]++
		}
		for _, p := range a.info.Protocols {
			stats.Protocols[p]++
		}
		sumSuccess += a.info.Health.SuccessRate
		sumLoad += a.info.Health.Load
	}
	if len(r.agents) > 0 {
		stats.AvgSuccessRate = sumSuccess / float64(len(r.agents))
		stats.AvgLoad = sumLoad / float64(len(r.agents))
	}
	return stats
}

// sweepLoop periodically demotes agents whose heartbeats went stale.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

type statusChange struct {
	agentID  string
	from, to Status
}

// sweep demotes agents with stale heartbeats. First miss takes an online
// agent to degraded; misses reaching the failure threshold take it offline.
func (r *Registry) sweep(now time.Time) {
	var changes []statusChange

	r.mu.Lock()
	for id, a := range r.agents {
		if a.info.Status == StatusOffline {
			continue
		}
		if now.Sub(a.info.Health.LastHeartbeat) < r.cfg.HeartbeatTimeout {
			continue
		}

		a.missCount++
		a.successCount = 0

		from := a.info.Status
		switch {
		case a.missCount >= r.cfg.FailureThreshold:
			a.info.Status = StatusOffline
		case from == StatusOnline || from == StatusUnknown:
			a.info.Status = StatusDegraded
		}
		if a.info.Status != from {
			a.info.UpdatedAt = now
			changes = append(changes, statusChange{agentID: id, from: from, to: a.info.Status})
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		r.logger.Warn("agent_status_changed",
			slog.String("agent_id", c.agentID),
			slog.String("from", string(c.from)),
			slog.String("to", string(c.to)),
			slog.String("reason", "heartbeat_timeout"))
		r.notifyStatusChange(c.agentID, c.from, c.to)
	}
}
