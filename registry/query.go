// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"math/rand"
	"time"
)

// Query filters agents. Every field is optional; set fields compose with AND.
type Query struct {
	// Capabilities the agent must all advertise.
	Capabilities []string

	// Protocols of which the agent must advertise at least one.
	Protocols []string

	// Status the agent must currently be in.
	Status Status

	// Tags of which at least one key/value pair must match.
	Tags map[string]string

	// MinSuccessRate the agent's health must meet or exceed.
	MinSuccessRate float64

	// MaxLoad the agent's health must not exceed. Zero means no limit.
	MaxLoad float64
}

// Strategy names a selection policy for SelectAgent.
type Strategy string

const (
	// StrategyRoundRobin picks the first matching agent. Rotation across
	// calls is not implemented yet.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyLeastLoad picks the agent with the lowest health load.
	StrategyLeastLoad Strategy = "least-load"

	// StrategyRandom picks uniformly among matching agents.
	StrategyRandom Strategy = "random"

	// StrategyBestPerformance picks by a weighted performance score.
	StrategyBestPerformance Strategy = "best-performance"
)

func (a *agent) matches(q Query) bool {
	for _, c := range q.Capabilities {
		if !a.hasCapability(c) {
			return false
		}
	}

	if len(q.Protocols) > 0 {
		any := false
		for _, p := range q.Protocols {
			if a.hasProtocol(p) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}

	if q.Status != "" && a.info.Status != q.Status {
		return false
	}

	if len(q.Tags) > 0 {
		any := false
		for k, v := range q.Tags {
			if a.info.Tags[k] == v {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}

	if q.MinSuccessRate > 0 && a.info.Health.SuccessRate < q.MinSuccessRate {
		return false
	}
	if q.MaxLoad > 0 && a.info.Health.Load > q.MaxLoad {
		return false
	}
	return true
}

// FindAgents returns snapshots of every agent matching the query.
func (r *Registry) FindAgents(q Query) []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AgentInfo
	for _, a := range r.agents {
		if a.matches(q) {
			out = append(out, a.snapshot())
		}
	}
	return out
}

// DiscoverByCapability returns agents advertising the given capability.
func (r *Registry) DiscoverByCapability(capability string) []AgentInfo {
	return r.FindAgents(Query{Capabilities: []string{capability}})
}

// DiscoverByProtocol returns agents advertising the given protocol.
func (r *Registry) DiscoverByProtocol(protocol string) []AgentInfo {
	return r.FindAgents(Query{Protocols: []string{protocol}})
}

// GetAvailableAgents returns all online agents.
func (r *Registry) GetAvailableAgents() []AgentInfo {
	return r.FindAgents(Query{Status: StatusOnline})
}

// SelectAgent picks one online agent matching the query according to the
// given strategy. An empty strategy defaults to least-load.
func (r *Registry) SelectAgent(q Query, strategy Strategy) (AgentInfo, error) {
	q.Status = StatusOnline
	candidates := r.FindAgents(q)
	if len(candidates) == 0 {
		return AgentInfo{}, ErrNoAgentsAvailable
	}

	switch strategy {
	case StrategyRoundRobin:
		return candidates[0], nil

	case StrategyRandom:
		return candidates[rand.Intn(len(candidates))], nil

	case StrategyBestPerformance:
		best := candidates[0]
		bestScore := performanceScore(best)
		for _, c := range candidates[1:] {
			if s := performanceScore(c); s > bestScore {
				best, bestScore = c, s
			}
		}
		return best, nil

	case StrategyLeastLoad, "":
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Health.Load < best.Health.Load {
				best = c
			}
		}
		return best, nil
	}

	// Unknown strategy falls back to the default.
	return r.SelectAgent(q, StrategyLeastLoad)
}

// performanceScore weighs load, latency, success and error rates into a
// single score, clamped at zero.
func performanceScore(a AgentInfo) float64 {
	latencyPenalty := float64(a.Health.ResponseTime/time.Millisecond) / 100
	if latencyPenalty > 30 {
		latencyPenalty = 30
	}

	score := 100 -
		a.Health.Load*50 -
		latencyPenalty +
		a.Health.SuccessRate*30 -
		a.Health.ErrorRate*40

	if score < 0 {
		return 0
	}
	return score
}
