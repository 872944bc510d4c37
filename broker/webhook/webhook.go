// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"context"
	"time"
)

// Notifier fans broker events out to configured endpoints without blocking
// the emitting path.
type Notifier interface {
	// Notify enqueues an event for delivery and returns immediately.
	Notify(ctx context.Context, event interface{}) error

	// Close stops the workers after draining queued events.
	Close() error
}

// Sender performs a single delivery over a concrete transport.
type Sender interface {
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}
