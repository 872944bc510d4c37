// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messenger

import "errors"

var (
	// ErrNoProtocol is returned when no usable transport exists for a target.
	ErrNoProtocol = errors.New("no protocol available")

	// ErrAckTimeout is returned when an acknowledged send is not confirmed
	// in time.
	ErrAckTimeout = errors.New("acknowledgement timed out")

	// ErrAckNotFound is returned when acknowledging an unknown message ID.
	ErrAckNotFound = errors.New("no pending acknowledgement")

	// ErrMessengerClosed is returned for operations after shutdown.
	ErrMessengerClosed = errors.New("messenger is closed")

	// ErrMaxAttempts marks a delivery abandoned after exhausting retries.
	ErrMaxAttempts = errors.New("max delivery attempts reached")

	// ErrExpired marks a delivery abandoned because its TTL lapsed.
	ErrExpired = errors.New("message expired")
)
