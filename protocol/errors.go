// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import "errors"

var (
	// ErrTimeout is returned when a request's reply did not arrive in time.
	ErrTimeout = errors.New("request timed out")

	// ErrNotConnected is returned when no connection could be obtained.
	ErrNotConnected = errors.New("not connected")

	// ErrClientClosed is returned for operations on a closed client.
	ErrClientClosed = errors.New("client is closed")

	// ErrAuthFailed is returned when the authenticate handshake is rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrHandlerExists is returned when registering a duplicate method.
	ErrHandlerExists = errors.New("method handler already registered")

	// ErrAgentNotConnected is returned for targeted sends to unknown agents.
	ErrAgentNotConnected = errors.New("agent not connected")

	// ErrMaxReconnects is returned when the reconnect budget is exhausted.
	ErrMaxReconnects = errors.New("max reconnect attempts reached")
)
