// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package messenger composes the protocol hub and the service registry into
// a single send surface with delivery guarantees, priority-ordered retries
// and exactly-once duplicate suppression.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phuetz/agentmesh/config"
	"github.com/phuetz/agentmesh/hub"
	"github.com/phuetz/agentmesh/registry"
)

// Result reports the outcome of one delivery.
type Result struct {
	MessageID string `json:"message_id"`
	Target    string `json:"target"`
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
	Attempts  int    `json:"attempts"`
	Err       error  `json:"-"`
}

// FailureObserver is invoked when a queued delivery is abandoned.
type FailureObserver func(Result)

// Stats summarizes messenger activity.
type Stats struct {
	Queued       map[string]int `json:"queued"`
	Delivered    uint64         `json:"delivered"`
	Failed       uint64         `json:"failed"`
	Deduplicated uint64         `json:"deduplicated"`
	PendingAcks  int            `json:"pending_acks"`
}

// pendingAck tracks an acknowledged send awaiting its receiveAck call.
type pendingAck struct {
	done  chan error
	timer *time.Timer
}

// Messenger is the universal send surface.
type Messenger struct {
	cfg      config.MessengerConfig
	hub      *hub.Hub
	registry *registry.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	queued  map[string]*Message     // all retryable messages by ID
	buckets map[Priority][]*Message // priority retry buckets
	history *deliveryHistory        // exactly-once dedup
	acks    map[string]*pendingAck  // acknowledged sends

	observers   []FailureObserver
	observersMu sync.RWMutex

	delivered    uint64
	failed       uint64
	deduplicated uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a messenger. The queue processor starts with Start.
func New(cfg config.MessengerConfig, h *hub.Hub, reg *registry.Registry, logger *slog.Logger) *Messenger {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Messenger{
		cfg:      cfg,
		hub:      h,
		registry: reg,
		logger:   logger,
		queued:   make(map[string]*Message),
		buckets:  make(map[Priority][]*Message),
		history:  newDeliveryHistory(cfg.DeliveryHistorySize),
		acks:     make(map[string]*pendingAck),
		stopCh:   make(chan struct{}),
	}
	return m
}

// Start launches the periodic queue processor.
func (m *Messenger) Start(ctx context.Context) error {
	m.wg.Add(1)
	go m.processLoop(ctx)

	m.logger.Info("messenger_started",
		slog.Duration("queue_process_interval", m.cfg.QueueProcessInterval),
		slog.Int("delivery_history_size", m.cfg.DeliveryHistorySize))
	return nil
}

// Shutdown stops the queue processor.
func (m *Messenger) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("messenger_stopped")
	return nil
}

// OnDeliveryFailed registers an observer for abandoned deliveries.
func (m *Messenger) OnDeliveryFailed(obs FailureObserver) {
	m.observersMu.Lock()
	m.observers = append(m.observers, obs)
	m.observersMu.Unlock()
}

func (m *Messenger) reportFailure(res Result) {
	m.observersMu.RLock()
	observers := make([]FailureObserver, len(m.observers))
	copy(observers, m.observers)
	m.observersMu.RUnlock()

	for _, obs := range observers {
		obs(res)
	}
}

// Send delivers a message to the target agent under the requested guarantee.
// For at-least-once and exactly-once the message is queued before the first
// transmission attempt, so a failure never loses it; the caller then gets a
// queued result rather than an error.
func (m *Messenger) Send(ctx context.Context, target, msgType string, payload interface{}, opts SendOptions) (Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Result{}, ErrMessengerClosed
	}

	msg := newMessage(target, msgType, payload, opts, m.cfg.DefaultTTL, m.cfg.DefaultMaxAttempts)
	res := Result{MessageID: msg.ID, Target: target}

	if msg.Guarantee != AtMostOnce {
		// Not due until the synchronous attempt below has resolved, so a
		// concurrent processor tick cannot transmit the same message twice.
		msg.NextRetry = time.Now().Add(retryBackoff(1))
		m.enqueueLocked(msg)
		res.Queued = true
	}
	m.mu.Unlock()

	err := m.transmit(ctx, msg)

	m.mu.Lock()
	defer m.mu.Unlock()

	res.Attempts = msg.Attempts
	if err == nil {
		m.finalizeDeliveryLocked(msg)
		res.Delivered = true
		res.Queued = false
		return res, nil
	}

	if msg.Guarantee == AtMostOnce {
		m.failed++
		return res, fmt.Errorf("delivery failed: %w", err)
	}

	// Remains queued; the processor retries on its next tick.
	msg.Attempts++
	msg.NextRetry = time.Now().Add(retryBackoff(msg.Attempts))

	m.logger.Debug("message_queued_for_retry",
		slog.String("message_id", msg.ID),
		slog.String("target", target),
		slog.String("error", err.Error()))
	return res, nil
}

// enqueueLocked inserts the message into the global map and its priority
// bucket. Callers hold m.mu.
func (m *Messenger) enqueueLocked(msg *Message) {
	m.queued[msg.ID] = msg
	m.buckets[msg.Priority] = append(m.buckets[msg.Priority], msg)
}

// finalizeDeliveryLocked applies post-delivery bookkeeping. Callers hold
// m.mu.
func (m *Messenger) finalizeDeliveryLocked(msg *Message) {
	m.delivered++
	if msg.Guarantee == ExactlyOnce {
		m.history.add(msg.ID)
	}
	if msg.Guarantee != AtMostOnce {
		m.dequeueLocked(msg)
	}
}

func (m *Messenger) dequeueLocked(msg *Message) {
	delete(m.queued, msg.ID)
	bucket := m.buckets[msg.Priority]
	for i, queued := range bucket {
		if queued.ID == msg.ID {
			m.buckets[msg.Priority] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// transmit picks a protocol and sends the message as a notification.
func (m *Messenger) transmit(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	if msg.Guarantee == ExactlyOnce && m.history.contains(msg.ID) {
		m.deduplicated++
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	protocol, err := m.selectProtocol(msg)
	if err != nil {
		return err
	}

	return m.hub.Send(ctx, protocol, msg.Target, msg.Type, msg.Payload)
}

// selectProtocol resolves the transport for a message: the caller's explicit
// choice when connected, else the first connected protocol the target
// advertises, else any connected protocol.
func (m *Messenger) selectProtocol(msg *Message) (string, error) {
	if msg.Protocol != "" && m.hub.Connected(msg.Protocol) {
		return msg.Protocol, nil
	}

	connected := m.hub.ConnectedProtocols()
	if len(connected) == 0 {
		return "", ErrNoProtocol
	}

	if agent, err := m.registry.GetAgent(msg.Target); err == nil {
		for _, p := range connected {
			for _, advertised := range agent.Protocols {
				if p == advertised {
					return p, nil
				}
			}
		}
	}

	return connected[0], nil
}

// retryBackoff is the delay before the next retry after the given number of
// attempts.
func retryBackoff(attempts int) time.Duration {
	return time.Duration(1<<attempts) * time.Second
}

// processLoop drains the retry buckets on a fixed tick.
func (m *Messenger) processLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.QueueProcessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.processQueues(ctx, time.Now())
		}
	}
}

// processQueues retries due messages, scanning urgent before low.
func (m *Messenger) processQueues(ctx context.Context, now time.Time) {
	var due []*Message

	m.mu.Lock()
	for _, p := range scanOrder {
		for _, msg := range m.buckets[p] {
			if now.Before(msg.NextRetry) {
				continue
			}
			due = append(due, msg)
		}
	}
	m.mu.Unlock()

	for _, msg := range due {
		m.processMessage(ctx, msg, now)
	}
}

func (m *Messenger) processMessage(ctx context.Context, msg *Message, now time.Time) {
	if msg.expired(now) {
		m.abandon(msg, ErrExpired)
		return
	}
	if msg.Attempts >= msg.MaxAttempts {
		m.abandon(msg, ErrMaxAttempts)
		return
	}

	err := m.transmit(ctx, msg)

	m.mu.Lock()
	if err == nil {
		m.finalizeDeliveryLocked(msg)
		m.mu.Unlock()
		return
	}

	msg.Attempts++
	msg.NextRetry = now.Add(retryBackoff(msg.Attempts))
	m.mu.Unlock()

	m.logger.Debug("delivery_retry_failed",
		slog.String("message_id", msg.ID),
		slog.String("target", msg.Target),
		slog.Int("attempts", msg.Attempts),
		slog.String("error", err.Error()))
}

// abandon drops a queued message permanently and reports the failure.
func (m *Messenger) abandon(msg *Message, cause error) {
	m.mu.Lock()
	m.dequeueLocked(msg)
	m.failed++
	m.mu.Unlock()

	m.logger.Warn("delivery_abandoned",
		slog.String("message_id", msg.ID),
		slog.String("target", msg.Target),
		slog.Int("attempts", msg.Attempts),
		slog.String("cause", cause.Error()))

	m.reportFailure(Result{
		MessageID: msg.ID,
		Target:    msg.Target,
		Attempts:  msg.Attempts,
		Err:       cause,
	})
}

// SendWithAck sends a message and waits for an explicit acknowledgement
// delivered via ReceiveAck, bounded by the configured ack timeout.
func (m *Messenger) SendWithAck(ctx context.Context, target, msgType string, payload interface{}, opts SendOptions) (Result, error) {
	res, err := m.Send(ctx, target, msgType, payload, opts)
	if err != nil {
		return res, err
	}

	ack := &pendingAck{done: make(chan error, 1)}

	m.mu.Lock()
	m.acks[res.MessageID] = ack
	m.mu.Unlock()

	ack.timer = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.mu.Lock()
		_, pending := m.acks[res.MessageID]
		delete(m.acks, res.MessageID)
		m.mu.Unlock()
		if pending {
			ack.done <- ErrAckTimeout
		}
	})

	select {
	case err := <-ack.done:
		return res, err
	case <-ctx.Done():
		m.mu.Lock()
		delete(m.acks, res.MessageID)
		m.mu.Unlock()
		ack.timer.Stop()
		return res, ctx.Err()
	}
}

// ReceiveAck resolves a pending acknowledgement.
func (m *Messenger) ReceiveAck(messageID string) error {
	m.mu.Lock()
	ack, ok := m.acks[messageID]
	if ok {
		delete(m.acks, messageID)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrAckNotFound, messageID)
	}

	ack.timer.Stop()
	ack.done <- nil
	return nil
}

// Request sends a request to the target agent over the selected protocol
// and waits for its reply.
func (m *Messenger) Request(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error) {
	msg := &Message{Target: target}
	protocol, err := m.selectProtocol(msg)
	if err != nil {
		return nil, err
	}
	return m.hub.Request(ctx, protocol, target, method, params)
}

// Broadcast fans a send out to every target, collecting per-target results.
func (m *Messenger) Broadcast(ctx context.Context, targets []string, msgType string, payload interface{}, opts SendOptions) map[string]Result {
	results := make(map[string]Result, len(targets))
	for _, target := range targets {
		res, err := m.Send(ctx, target, msgType, payload, opts)
		if err != nil {
			res.Err = err
		}
		results[target] = res
	}
	return results
}

// Stats returns a snapshot of messenger activity.
func (m *Messenger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	queued := make(map[string]int, len(scanOrder))
	for _, p := range scanOrder {
		queued[p.String()] = len(m.buckets[p])
	}

	return Stats{
		Queued:       queued,
		Delivered:    m.delivered,
		Failed:       m.failed,
		Deduplicated: m.deduplicated,
		PendingAcks:  len(m.acks),
	}
}
