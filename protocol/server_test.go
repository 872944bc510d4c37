// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/phuetz/agentmesh/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProtocolConfig() config.ProtocolConfig {
	return config.ProtocolConfig{
		Path:           "/rpc",
		SharedSecret:   "secret",
		PoolSize:       2,
		RequestTimeout: 2 * time.Second,
		WriteTimeout:   time.Second,
	}
}

// newTestPair spins up a server on an ephemeral port and a client pointed
// at it.
func newTestPair(t *testing.T, auth Authenticator) (*Server, *Client) {
	t.Helper()

	cfg := testProtocolConfig()
	srv := NewServer(cfg, auth, nil, nil)

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rpc"
	client := NewClient(cfg, url, "agent-1", nil)
	t.Cleanup(func() { client.Close() })

	return srv, client
}

func TestRequestResponse(t *testing.T) {
	srv, client := newTestPair(t, nil)

	require.NoError(t, srv.RegisterHandler("echo", func(ctx context.Context, agentID string, params json.RawMessage) (interface{}, error) {
		return map[string]string{"agent": agentID, "echo": string(params)}, nil
	}))

	result, err := client.Request(context.Background(), "echo", map[string]string{"hello": "world"})
	require.NoError(t, err)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.Equal(t, "agent-1", decoded["agent"])
	assert.Contains(t, decoded["echo"], "world")
}

func TestMethodNotFound(t *testing.T) {
	_, client := newTestPair(t, nil)

	_, err := client.Request(context.Background(), "no.such.method", nil)
	require.Error(t, err)

	rpcErr, ok := err.(*RPCError)
	require.True(t, ok)
	assert.Equal(t, CodeMethodNotFound, rpcErr.Code)

	// The connection survives a failed call.
	assert.True(t, client.Connected())
}

func TestAuthRejected(t *testing.T) {
	deny := func(agentID, apiKey string) bool { return false }
	_, client := newTestPair(t, deny)

	_, err := client.Request(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestAuthBindsAgentID(t *testing.T) {
	accept := func(agentID, apiKey string) bool { return apiKey == "secret" }
	srv, client := newTestPair(t, accept)

	require.NoError(t, srv.RegisterHandler("whoami", func(ctx context.Context, agentID string, params json.RawMessage) (interface{}, error) {
		return agentID, nil
	}))

	result, err := client.Request(context.Background(), "whoami", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"agent-1"`, string(result))

	assert.Contains(t, srv.ConnectedAgents(), "agent-1")
}

func TestSendToAgentNotification(t *testing.T) {
	srv, client := newTestPair(t, nil)

	received := make(chan string, 1)
	client.OnNotification(func(method string, params json.RawMessage) {
		received <- method
	})

	// Establish and authenticate a connection first.
	require.NoError(t, client.Notify(context.Background(), "noop", nil))

	require.Eventually(t, func() bool {
		return srv.SendToAgent("agent-1", "agent.signal", map[string]int{"n": 1}) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case method := <-received:
		assert.Equal(t, "agent.signal", method)
	case <-time.After(time.Second):
		t.Fatal("notification not received")
	}

	assert.ErrorIs(t, srv.SendToAgent("ghost", "agent.signal", nil), ErrAgentNotConnected)
}

func TestBroadcastReachesAuthenticated(t *testing.T) {
	srv, client := newTestPair(t, nil)

	received := make(chan struct{}, 1)
	client.OnNotification(func(method string, params json.RawMessage) {
		received <- struct{}{}
	})

	require.NoError(t, client.Notify(context.Background(), "noop", nil))

	require.Eventually(t, func() bool {
		sent, err := srv.Broadcast("topic.update", nil)
		return err == nil && sent == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("broadcast not received")
	}
}

func TestConnectionObserver(t *testing.T) {
	srv, client := newTestPair(t, nil)

	var mu sync.Mutex
	var deltas []bool
	srv.OnConnection(func(connected bool) {
		mu.Lock()
		deltas = append(deltas, connected)
		mu.Unlock()
	})

	require.NoError(t, client.Notify(context.Background(), "noop", nil))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deltas) == 1 && deltas[0]
	}, time.Second, 10*time.Millisecond)

	client.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(deltas) == 2 && !deltas[1]
	}, time.Second, 10*time.Millisecond)
}

func TestRequestTimeout(t *testing.T) {
	cfg := testProtocolConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	srv := NewServer(cfg, nil, nil, nil)
	require.NoError(t, srv.RegisterHandler("slow", func(ctx context.Context, agentID string, params json.RawMessage) (interface{}, error) {
		time.Sleep(500 * time.Millisecond)
		return nil, nil
	}))

	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/rpc"
	client := NewClient(cfg, url, "agent-1", nil)
	t.Cleanup(func() { client.Close() })

	_, err := client.Request(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, ErrTimeout)

	// Timed-out requests leave the connection open.
	assert.True(t, client.Connected())
}
