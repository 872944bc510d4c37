// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hub multiplexes protocol adapters behind a uniform send, request
// and subscribe surface. The messenger routes through the hub by protocol
// name without knowing transport details.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrAdapterExists is returned when registering a duplicate protocol.
	ErrAdapterExists = errors.New("adapter already registered")

	// ErrAdapterNotFound is returned when no adapter serves a protocol.
	ErrAdapterNotFound = errors.New("adapter not found")

	// ErrNotConnected is returned when the adapter has no live transport.
	ErrNotConnected = errors.New("protocol not connected")
)

// InboundHandler receives messages arriving on any adapter.
type InboundHandler func(protocol, method string, params json.RawMessage)

// Adapter is a single protocol transport.
type Adapter interface {
	// Name returns the protocol name, e.g. "websocket".
	Name() string

	// Connected reports whether the transport is currently usable.
	Connected() bool

	// Send delivers a fire-and-forget message to the target agent.
	Send(ctx context.Context, target, method string, params interface{}) error

	// Request delivers a request to the target agent and waits for a reply.
	Request(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error)

	// Subscribe registers the handler for inbound messages on this adapter.
	Subscribe(handler func(method string, params json.RawMessage))
}

// Hub routes messages to adapters by protocol name.
type Hub struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string // registration order, used for deterministic fallback

	handlers   []InboundHandler
	handlersMu sync.RWMutex

	logger *slog.Logger
}

// New creates an empty hub.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// RegisterAdapter adds a protocol adapter. Inbound messages from the adapter
// fan in to all hub subscribers.
func (h *Hub) RegisterAdapter(a Adapter) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := a.Name()
	if _, ok := h.adapters[name]; ok {
		return fmt.Errorf("%w: %s", ErrAdapterExists, name)
	}
	h.adapters[name] = a
	h.order = append(h.order, name)

	a.Subscribe(func(method string, params json.RawMessage) {
		h.dispatch(name, method, params)
	})

	h.logger.Info("adapter_registered", slog.String("protocol", name))
	return nil
}

// OnInbound registers a handler for messages arriving on any adapter.
func (h *Hub) OnInbound(handler InboundHandler) {
	h.handlersMu.Lock()
	h.handlers = append(h.handlers, handler)
	h.handlersMu.Unlock()
}

func (h *Hub) dispatch(protocol, method string, params json.RawMessage) {
	h.handlersMu.RLock()
	handlers := make([]InboundHandler, len(h.handlers))
	copy(handlers, h.handlers)
	h.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(protocol, method, params)
	}
}

// adapter returns the adapter for a protocol name.
func (h *Hub) adapter(protocol string) (Adapter, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	a, ok := h.adapters[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, protocol)
	}
	return a, nil
}

// Send delivers a message over the named protocol.
func (h *Hub) Send(ctx context.Context, protocol, target, method string, params interface{}) error {
	a, err := h.adapter(protocol)
	if err != nil {
		return err
	}
	if !a.Connected() {
		return fmt.Errorf("%w: %s", ErrNotConnected, protocol)
	}
	return a.Send(ctx, target, method, params)
}

// Request sends a request over the named protocol and waits for the reply.
func (h *Hub) Request(ctx context.Context, protocol, target, method string, params interface{}) (json.RawMessage, error) {
	a, err := h.adapter(protocol)
	if err != nil {
		return nil, err
	}
	if !a.Connected() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, protocol)
	}
	return a.Request(ctx, target, method, params)
}

// Connected reports whether the named protocol has a live transport.
func (h *Hub) Connected(protocol string) bool {
	h.mu.RLock()
	a, ok := h.adapters[protocol]
	h.mu.RUnlock()
	return ok && a.Connected()
}

// ConnectedProtocols returns the names of adapters with live transports, in
// registration order.
func (h *Hub) ConnectedProtocols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for _, name := range h.order {
		if h.adapters[name].Connected() {
			out = append(out, name)
		}
	}
	return out
}

// Protocols returns all registered protocol names in registration order.
func (h *Hub) Protocols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}
