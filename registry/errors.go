// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package registry

import "errors"

var (
	// ErrAgentExists is returned when registering an agent ID that is taken.
	ErrAgentExists = errors.New("agent already registered")

	// ErrAgentNotFound is returned when an agent ID is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrNoAgentsAvailable is returned when selection matches no online agent.
	ErrNoAgentsAvailable = errors.New("no agents available")

	// ErrInvalidTransition is returned for a disallowed status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrRegistryClosed is returned for operations after shutdown.
	ErrRegistryClosed = errors.New("registry is closed")
)
