// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the messaging stack.
type Metrics struct {
	meter metric.Meter

	// Counters
	queueSendsTotal    metric.Int64Counter
	queueReceivesTotal metric.Int64Counter
	queueDeletesTotal  metric.Int64Counter
	deadLetteredTotal  metric.Int64Counter
	publishesTotal     metric.Int64Counter
	rpcRequestsTotal   metric.Int64Counter
	errorsTotal        metric.Int64Counter

	// UpDownCounters (gauges)
	connectionsCurrent metric.Int64UpDownCounter
	agentsOnline       metric.Int64UpDownCounter
	messagesInflight   metric.Int64UpDownCounter

	// Histograms
	messageSize        metric.Int64Histogram
	publishDuration    metric.Float64Histogram
	rpcRequestDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("agentmesh"),
	}

	var err error

	// Initialize counters
	m.queueSendsTotal, err = m.meter.Int64Counter(
		"mesh.queue.sends.total",
		metric.WithDescription("Total messages sent to queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueSendsTotal counter: %w", err)
	}

	m.queueReceivesTotal, err = m.meter.Int64Counter(
		"mesh.queue.receives.total",
		metric.WithDescription("Total messages received from queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueReceivesTotal counter: %w", err)
	}

	m.queueDeletesTotal, err = m.meter.Int64Counter(
		"mesh.queue.deletes.total",
		metric.WithDescription("Total messages acknowledged and deleted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDeletesTotal counter: %w", err)
	}

	m.deadLetteredTotal, err = m.meter.Int64Counter(
		"mesh.queue.dead_lettered.total",
		metric.WithDescription("Total messages moved to dead-letter queues"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLetteredTotal counter: %w", err)
	}

	m.publishesTotal, err = m.meter.Int64Counter(
		"mesh.topic.publishes.total",
		metric.WithDescription("Total messages published to topics"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishesTotal counter: %w", err)
	}

	m.rpcRequestsTotal, err = m.meter.Int64Counter(
		"mesh.rpc.requests.total",
		metric.WithDescription("Total JSON-RPC requests by method"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpcRequestsTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"mesh.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	// Initialize up/down counters (gauges)
	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"mesh.connections.current",
		metric.WithDescription("Current number of active agent connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.agentsOnline, err = m.meter.Int64UpDownCounter(
		"mesh.agents.online",
		metric.WithDescription("Number of agents currently online"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create agentsOnline gauge: %w", err)
	}

	m.messagesInflight, err = m.meter.Int64UpDownCounter(
		"mesh.messages.inflight",
		metric.WithDescription("Messages received but not yet acknowledged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesInflight gauge: %w", err)
	}

	// Initialize histograms
	m.messageSize, err = m.meter.Int64Histogram(
		"mesh.message.size.bytes",
		metric.WithDescription("Message payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messageSize histogram: %w", err)
	}

	m.publishDuration, err = m.meter.Float64Histogram(
		"mesh.publish.duration.ms",
		metric.WithDescription("Publish dispatch duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishDuration histogram: %w", err)
	}

	m.rpcRequestDuration, err = m.meter.Float64Histogram(
		"mesh.rpc.request.duration.ms",
		metric.WithDescription("JSON-RPC request handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rpcRequestDuration histogram: %w", err)
	}

	return m, nil
}

// RecordQueueSend records a message sent to a queue.
func (m *Metrics) RecordQueueSend(queue string, sizeBytes int64) {
	ctx := context.Background()
	m.queueSendsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
	m.messageSize.Record(ctx, sizeBytes)
}

// RecordQueueReceive records messages handed to a consumer.
func (m *Metrics) RecordQueueReceive(queue string, count int64) {
	ctx := context.Background()
	m.queueReceivesTotal.Add(ctx, count, metric.WithAttributes(
		attribute.String("queue", queue),
	))
	m.messagesInflight.Add(ctx, count)
}

// RecordQueueDelete records a message acknowledgment.
func (m *Metrics) RecordQueueDelete(queue string) {
	ctx := context.Background()
	m.queueDeletesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
	m.messagesInflight.Add(ctx, -1)
}

// RecordDeadLettered records a message moved to a dead-letter queue.
func (m *Metrics) RecordDeadLettered(queue, reason string) {
	m.deadLetteredTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	))
}

// RecordPublish records a topic publish and its dispatch duration.
func (m *Metrics) RecordPublish(topic string, durationMs float64) {
	ctx := context.Background()
	m.publishesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
	))
	m.publishDuration.Record(ctx, durationMs)
}

// RecordRPCRequest records a JSON-RPC request by method.
func (m *Metrics) RecordRPCRequest(method string, durationMs float64) {
	ctx := context.Background()
	m.rpcRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
	))
	m.rpcRequestDuration.Record(ctx, durationMs)
}

// RecordConnection records a new agent connection.
func (m *Metrics) RecordConnection() {
	m.connectionsCurrent.Add(context.Background(), 1)
}

// RecordDisconnection records an agent disconnection.
func (m *Metrics) RecordDisconnection() {
	m.connectionsCurrent.Add(context.Background(), -1)
}

// RecordAgentOnline records an agent entering the online state.
func (m *Metrics) RecordAgentOnline() {
	m.agentsOnline.Add(context.Background(), 1)
}

// RecordAgentOffline records an agent leaving the online state.
func (m *Metrics) RecordAgentOffline() {
	m.agentsOnline.Add(context.Background(), -1)
}

// RecordError records an error by type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
