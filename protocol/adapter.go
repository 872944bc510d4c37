// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
)

// ProtocolName identifies the websocket transport in registry records and
// hub routing.
const ProtocolName = "websocket"

// routedParams wraps a call with its target agent so the receiving server
// can forward it.
type routedParams struct {
	Target string      `json:"target"`
	Params interface{} `json:"params,omitempty"`
}

// WebSocketAdapter exposes a Client through the hub's adapter surface.
type WebSocketAdapter struct {
	client *Client
}

// NewWebSocketAdapter wraps a client for hub registration.
func NewWebSocketAdapter(client *Client) *WebSocketAdapter {
	return &WebSocketAdapter{client: client}
}

// Name returns the protocol name.
func (a *WebSocketAdapter) Name() string {
	return ProtocolName
}

// Connected reports whether any pooled connection is live.
func (a *WebSocketAdapter) Connected() bool {
	return a.client.Connected()
}

// Send delivers a fire-and-forget message addressed to the target agent.
func (a *WebSocketAdapter) Send(ctx context.Context, target, method string, params interface{}) error {
	return a.client.Notify(ctx, method, routedParams{Target: target, Params: params})
}

// Request delivers a request addressed to the target agent and waits for
// the reply.
func (a *WebSocketAdapter) Request(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error) {
	return a.client.Request(ctx, method, routedParams{Target: target, Params: params})
}

// Subscribe registers the handler for server-pushed messages.
func (a *WebSocketAdapter) Subscribe(handler func(method string, params json.RawMessage)) {
	a.client.OnNotification(handler)
}
