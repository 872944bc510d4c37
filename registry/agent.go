// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import "time"

// Status represents the health state of a registered agent.
type Status string

const (
	StatusUnknown  Status = "unknown"
	StatusOnline   Status = "online"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// HealthInfo tracks the liveness signals of an agent.
type HealthInfo struct {
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	ResponseTime  time.Duration `json:"response_time"`
	SuccessRate   float64       `json:"success_rate"` // 0.0 - 1.0
	ErrorRate     float64       `json:"error_rate"`   // 0.0 - 1.0
	Load          float64       `json:"load"`         // 0.0 - 1.0
}

// Resources describes optional capacity advertised by an agent.
type Resources struct {
	CPUCores    int   `json:"cpu_cores,omitempty"`
	MemoryBytes int64 `json:"memory_bytes,omitempty"`
	MaxSessions int   `json:"max_sessions,omitempty"`
}

// AgentInfo is the registry's record for a single agent.
type AgentInfo struct {
	ID           string            `json:"id"`
	Capabilities []string          `json:"capabilities"`
	Protocols    []string          `json:"protocols"`
	Status       Status            `json:"status"`
	Health       HealthInfo        `json:"health"`
	Resources    *Resources        `json:"resources,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// agent is the internal mutable record. The exported AgentInfo snapshots are
// copies so callers can never mutate registry state directly.
type agent struct {
	info AgentInfo

	// Consecutive heartbeat misses observed by the health sweep.
	missCount int

	// Consecutive heartbeats received while degraded.
	successCount int
}

// snapshot returns a defensive copy of the agent record.
func (a *agent) snapshot() AgentInfo {
	info := a.info
	info.Capabilities = append([]string(nil), a.info.Capabilities...)
	info.Protocols = append([]string(nil), a.info.Protocols...)
	if a.info.Resources != nil {
		r := *a.info.Resources
		info.Resources = &r
	}
	if a.info.Tags != nil {
		tags := make(map[string]string, len(a.info.Tags))
		for k, v := range a.info.Tags {
			tags[k] = v
		}
		info.Tags = tags
	}
	return info
}

// hasCapability reports whether the agent advertises the given capability.
func (a *agent) hasCapability(capability string) bool {
	for _, c := range a.info.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// hasProtocol reports whether the agent advertises the given protocol.
func (a *agent) hasProtocol(protocol string) bool {
	for _, p := range a.info.Protocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// validTransition reports whether a status change is allowed.
// Recovery from offline passes through degraded, never straight to online.
func validTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusUnknown:
		return to == StatusOnline || to == StatusDegraded || to == StatusOffline
	case StatusOnline:
		return to == StatusDegraded
	case StatusDegraded:
		return to == StatusOnline || to == StatusOffline
	case StatusOffline:
		return to == StatusDegraded
	}
	return false
}
