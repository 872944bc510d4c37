// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package protocol implements the JSON-RPC 2.0 transport used between
// agents: a websocket client with a bounded connection pool and automatic
// reconnect, and a server dispatching registered method handlers.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version carried by every envelope.
const Version = "2.0"

// Reserved JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeAuthFailed     = -32000
	CodeRateLimit      = -32001
	CodeAgentNotFound  = -32002
	CodeTimeout        = -32003
)

// RPCError is the error member of a JSON-RPC response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError builds an RPCError with the given code and message.
func NewRPCError(code int, message string) *RPCError {
	return &RPCError{Code: code, Message: message}
}

// Envelope is a JSON-RPC 2.0 message. Requests carry a numeric ID and a
// method; notifications carry a method but no ID; responses carry an ID and
// either a result or an error.
type Envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// NewRequest builds a request envelope. Params are marshaled to JSON.
func NewRequest(id uint64, method string, params interface{}) (*Envelope, error) {
	env := &Envelope{JSONRPC: Version, ID: &id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// NewNotification builds a notification envelope (no ID, no reply expected).
func NewNotification(method string, params interface{}) (*Envelope, error) {
	env := &Envelope{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		env.Params = raw
	}
	return env, nil
}

// NewResponse builds a success response envelope.
func NewResponse(id uint64, result interface{}) (*Envelope, error) {
	env := &Envelope{JSONRPC: Version, ID: &id}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		env.Result = raw
	}
	return env, nil
}

// NewErrorResponse builds an error response envelope.
func NewErrorResponse(id uint64, rpcErr *RPCError) *Envelope {
	return &Envelope{JSONRPC: Version, ID: &id, Error: rpcErr}
}

// IsRequest reports whether the envelope is a request expecting a reply.
func (e *Envelope) IsRequest() bool {
	return e.Method != "" && e.ID != nil
}

// IsNotification reports whether the envelope is a fire-and-forget call.
func (e *Envelope) IsNotification() bool {
	return e.Method != "" && e.ID == nil
}

// IsResponse reports whether the envelope answers a prior request.
func (e *Envelope) IsResponse() bool {
	return e.Method == "" && e.ID != nil
}

// Validate checks the envelope's structural invariants.
func (e *Envelope) Validate() error {
	if e.JSONRPC != Version {
		return fmt.Errorf("invalid jsonrpc version: %q", e.JSONRPC)
	}
	if e.Method == "" && e.ID == nil {
		return fmt.Errorf("envelope is neither request, notification nor response")
	}
	if e.IsResponse() && e.Result != nil && e.Error != nil {
		return fmt.Errorf("response carries both result and error")
	}
	return nil
}
