// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phuetz/agentmesh/config"
	"github.com/phuetz/agentmesh/hub"
	"github.com/phuetz/agentmesh/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAdapter is a controllable hub transport.
type fakeAdapter struct {
	name      string
	connected bool
	failWith  error
	sent      []string
}

func (f *fakeAdapter) Name() string    { return f.name }
func (f *fakeAdapter) Connected() bool { return f.connected }

func (f *fakeAdapter) Send(ctx context.Context, target, method string, params interface{}) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.sent = append(f.sent, target+"/"+method)
	return nil
}

func (f *fakeAdapter) Request(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.sent = append(f.sent, target+"/"+method)
	return json.RawMessage(`"pong"`), nil
}

func (f *fakeAdapter) Subscribe(handler func(method string, params json.RawMessage)) {}

func testMessengerConfig() config.MessengerConfig {
	return config.MessengerConfig{
		QueueProcessInterval: 10 * time.Millisecond,
		DefaultMaxAttempts:   3,
		DefaultTTL:           time.Minute,
		AckTimeout:           50 * time.Millisecond,
		DeliveryHistorySize:  4,
	}
}

func newTestMessenger(t *testing.T, adapters ...hub.Adapter) (*Messenger, *registry.Registry) {
	t.Helper()

	h := hub.New(nil)
	for _, a := range adapters {
		require.NoError(t, h.RegisterAdapter(a))
	}

	reg := registry.New(config.RegistryConfig{
		HeartbeatTimeout: time.Minute,
		CheckInterval:    time.Minute,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}, nil)

	return New(testMessengerConfig(), h, reg, nil), reg
}

func TestSendAtMostOnce(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	m, _ := newTestMessenger(t, ws)

	res, err := m.Send(context.Background(), "agent-1", "task.assign", map[string]int{"n": 1}, SendOptions{})
	require.NoError(t, err)
	assert.True(t, res.Delivered)
	assert.False(t, res.Queued)
	assert.Equal(t, []string{"agent-1/task.assign"}, ws.sent)
}

func TestSendAtMostOnceFailsCaller(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	_, err := m.Send(context.Background(), "agent-1", "task.assign", nil, SendOptions{})
	require.Error(t, err)

	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, 0, stats.Queued[PriorityNormal.String()])
}

func TestSendAtLeastOnceQueuesOnFailure(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	res, err := m.Send(context.Background(), "agent-1", "task.assign", nil, SendOptions{
		Guarantee: AtLeastOnce,
		Priority:  PriorityHigh,
	})
	require.NoError(t, err)
	assert.True(t, res.Queued)
	assert.False(t, res.Delivered)
	assert.Equal(t, 1, m.Stats().Queued[PriorityHigh.String()])

	// The processor delivers once the transport recovers.
	ws.failWith = nil
	m.processQueues(context.Background(), time.Now().Add(10*time.Second))

	stats := m.Stats()
	assert.Equal(t, 0, stats.Queued[PriorityHigh.String()])
	assert.Equal(t, uint64(1), stats.Delivered)
}

func TestQueueProcessorDropsAfterMaxAttempts(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	var abandoned []Result
	m.OnDeliveryFailed(func(res Result) { abandoned = append(abandoned, res) })

	_, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{Guarantee: AtLeastOnce})
	require.NoError(t, err)

	// Step past each backoff but stay inside the TTL.
	now := time.Now()
	for i := 0; i < 5; i++ {
		now = now.Add(10 * time.Second)
		m.processQueues(context.Background(), now)
	}

	require.Len(t, abandoned, 1)
	assert.ErrorIs(t, abandoned[0].Err, ErrMaxAttempts)
	assert.Equal(t, 0, m.Stats().Queued[PriorityNormal.String()])
}

func TestQueueProcessorDropsExpired(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	var abandoned []Result
	m.OnDeliveryFailed(func(res Result) { abandoned = append(abandoned, res) })

	_, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{
		Guarantee: AtLeastOnce,
		TTL:       time.Millisecond,
	})
	require.NoError(t, err)

	m.processQueues(context.Background(), time.Now().Add(time.Hour))

	require.Len(t, abandoned, 1)
	assert.ErrorIs(t, abandoned[0].Err, ErrExpired)
}

func TestRetryBackoffDoubles(t *testing.T) {
	assert.Equal(t, 2*time.Second, retryBackoff(1))
	assert.Equal(t, 4*time.Second, retryBackoff(2))
	assert.Equal(t, 8*time.Second, retryBackoff(3))
}

func TestUrgentDrainsBeforeLow(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	_, err := m.Send(context.Background(), "low", "x", nil, SendOptions{Guarantee: AtLeastOnce, Priority: PriorityLow})
	require.NoError(t, err)
	_, err = m.Send(context.Background(), "urgent", "x", nil, SendOptions{Guarantee: AtLeastOnce, Priority: PriorityUrgent})
	require.NoError(t, err)

	ws.failWith = nil
	m.processQueues(context.Background(), time.Now().Add(10*time.Second))

	require.Len(t, ws.sent, 2)
	assert.Equal(t, "urgent/x", ws.sent[0])
	assert.Equal(t, "low/x", ws.sent[1])
}

// blockingAdapter parks every Send on a release channel so a test can hold
// a transmission in flight.
type blockingAdapter struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	sends int
}

func (b *blockingAdapter) Name() string    { return "websocket" }
func (b *blockingAdapter) Connected() bool { return true }

func (b *blockingAdapter) Send(ctx context.Context, target, method string, params interface{}) error {
	b.mu.Lock()
	b.sends++
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingAdapter) Request(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error) {
	return nil, errors.New("unused")
}

func (b *blockingAdapter) Subscribe(handler func(method string, params json.RawMessage)) {}

func (b *blockingAdapter) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

func TestDefaultPriorityIsNormal(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	_, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{Guarantee: AtLeastOnce})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 1, stats.Queued["normal"])
	assert.Equal(t, 0, stats.Queued["low"])
}

func TestPerSendMaxAttemptsOverridesDefault(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true, failWith: errors.New("boom")}
	m, _ := newTestMessenger(t, ws)

	var abandoned []Result
	m.OnDeliveryFailed(func(res Result) { abandoned = append(abandoned, res) })

	// The config default allows 3 attempts; this send allows only 2.
	_, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{
		Guarantee:   AtLeastOnce,
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	now := time.Now()
	for i := 0; i < 3; i++ {
		now = now.Add(10 * time.Second)
		m.processQueues(context.Background(), now)
	}

	require.Len(t, abandoned, 1)
	assert.ErrorIs(t, abandoned[0].Err, ErrMaxAttempts)
	assert.Equal(t, 2, abandoned[0].Attempts)
}

func TestExactlyOnceSingleTransmitDuringInitialAttempt(t *testing.T) {
	ws := &blockingAdapter{entered: make(chan struct{}, 2), release: make(chan struct{})}
	m, _ := newTestMessenger(t, ws)

	type sendResult struct {
		res Result
		err error
	}
	done := make(chan sendResult, 1)

	go func() {
		res, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{Guarantee: ExactlyOnce})
		done <- sendResult{res, err}
	}()

	<-ws.entered

	// A processor tick while the first attempt is still in flight must not
	// transmit the same message a second time.
	m.processQueues(context.Background(), time.Now())

	close(ws.release)
	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Delivered)

	assert.Equal(t, 1, ws.sendCount())
	stats := m.Stats()
	assert.Equal(t, uint64(1), stats.Delivered)
	assert.Equal(t, 0, stats.Queued["normal"])
}

func TestExactlyOnceDedup(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	m, _ := newTestMessenger(t, ws)

	res, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{Guarantee: ExactlyOnce})
	require.NoError(t, err)
	require.True(t, res.Delivered)

	// A stale copy of the delivered message is suppressed, not re-sent.
	stale := &Message{ID: res.MessageID, Target: "agent-1", Type: "x", Guarantee: ExactlyOnce}
	require.NoError(t, m.transmit(context.Background(), stale))

	assert.Len(t, ws.sent, 1)
	assert.Equal(t, uint64(1), m.Stats().Deduplicated)
}

func TestDeliveryHistoryTrimsOldestFirst(t *testing.T) {
	h := newDeliveryHistory(3)

	for _, id := range []string{"a", "b", "c", "d"} {
		h.add(id)
	}

	assert.Equal(t, 3, h.len())
	assert.False(t, h.contains("a"))
	assert.True(t, h.contains("b"))
	assert.True(t, h.contains("d"))
}

func TestProtocolSelection(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	grpc := &fakeAdapter{name: "grpc", connected: true}
	m, reg := newTestMessenger(t, ws, grpc)

	require.NoError(t, reg.Register(registry.AgentInfo{
		ID:        "agent-1",
		Protocols: []string{"grpc"},
	}))

	// Explicit choice wins when connected.
	p, err := m.selectProtocol(&Message{Target: "agent-1", Protocol: "websocket"})
	require.NoError(t, err)
	assert.Equal(t, "websocket", p)

	// Otherwise the first connected protocol the target advertises.
	p, err = m.selectProtocol(&Message{Target: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, "grpc", p)

	// Unknown target falls back to the first connected protocol.
	p, err = m.selectProtocol(&Message{Target: "stranger"})
	require.NoError(t, err)
	assert.Equal(t, "websocket", p)
}

func TestNoProtocolAvailable(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: false}
	m, _ := newTestMessenger(t, ws)

	_, err := m.Send(context.Background(), "agent-1", "x", nil, SendOptions{})
	assert.ErrorIs(t, err, ErrNoProtocol)
}

func TestSendWithAck(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	m, _ := newTestMessenger(t, ws)

	type ackResult struct {
		res Result
		err error
	}
	done := make(chan ackResult, 1)

	go func() {
		res, err := m.SendWithAck(context.Background(), "agent-1", "x", nil, SendOptions{})
		done <- ackResult{res, err}
	}()

	var msgID string
	require.Eventually(t, func() bool {
		stats := m.Stats()
		if stats.PendingAcks != 1 {
			return false
		}
		m.mu.Lock()
		for id := range m.acks {
			msgID = id
		}
		m.mu.Unlock()
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, m.ReceiveAck(msgID))

	got := <-done
	require.NoError(t, got.err)
	assert.True(t, got.res.Delivered)

	assert.ErrorIs(t, m.ReceiveAck(msgID), ErrAckNotFound)
}

func TestSendWithAckTimeout(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	m, _ := newTestMessenger(t, ws)

	_, err := m.SendWithAck(context.Background(), "agent-1", "x", nil, SendOptions{})
	assert.ErrorIs(t, err, ErrAckTimeout)
}

func TestRequest(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	m, _ := newTestMessenger(t, ws)

	result, err := m.Request(context.Background(), "agent-1", "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(result))
}

func TestBroadcastCollectsResults(t *testing.T) {
	ws := &fakeAdapter{name: "websocket", connected: true}
	m, _ := newTestMessenger(t, ws)

	results := m.Broadcast(context.Background(), []string{"a", "b", "c"}, "topic.update", nil, SendOptions{})
	require.Len(t, results, 3)
	for _, target := range []string{"a", "b", "c"} {
		assert.True(t, results[target].Delivered, target)
	}
}
