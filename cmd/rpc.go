// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/phuetz/agentmesh/broker"
	"github.com/phuetz/agentmesh/messenger"
	"github.com/phuetz/agentmesh/protocol"
	"github.com/phuetz/agentmesh/registry"
	"github.com/phuetz/agentmesh/server/otel"
)

type queueCreateParams struct {
	Name              string `json:"name"`
	Type              string `json:"type,omitempty"`
	VisibilityTimeout int64  `json:"visibility_timeout_ms,omitempty"`
	MaxReceiveCount   int    `json:"max_receive_count,omitempty"`
	DeadLetterQueue   string `json:"dead_letter_queue,omitempty"`
	DefaultDelay      int64  `json:"default_delay_ms,omitempty"`
	MessageTTL        int64  `json:"message_ttl_ms,omitempty"`
}

type queueNameParams struct {
	Queue string `json:"queue"`
}

type queueSendParams struct {
	Queue         string            `json:"queue"`
	Value         []byte            `json:"value"`
	Priority      int               `json:"priority,omitempty"`
	Delay         int64             `json:"delay_ms,omitempty"`
	TTL           int64             `json:"ttl_ms,omitempty"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type queueReceiveParams struct {
	Queue             string `json:"queue"`
	Max               int    `json:"max,omitempty"`
	VisibilityTimeout int64  `json:"visibility_timeout_ms,omitempty"`
}

type queueAckParams struct {
	Queue     string `json:"queue"`
	MessageID string `json:"message_id"`
}

type topicCreateParams struct {
	Name       string `json:"name"`
	Partitions int    `json:"partitions,omitempty"`
}

type topicNameParams struct {
	Topic string `json:"topic"`
}

type topicPublishParams struct {
	Topic         string            `json:"topic"`
	Value         []byte            `json:"value"`
	Key           string            `json:"key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	TTL           int64             `json:"ttl_ms,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

type txnBeginParams struct {
	Timeout int64 `json:"timeout_ms,omitempty"`
}

type txnParams struct {
	TransactionID string `json:"transaction_id"`
}

type registerParams struct {
	Capabilities []string          `json:"capabilities,omitempty"`
	Protocols    []string          `json:"protocols,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
}

type heartbeatParams struct {
	ResponseTime int64 `json:"response_time_ms,omitempty"`
}

type healthParams struct {
	ResponseTime int64   `json:"response_time_ms,omitempty"`
	SuccessRate  float64 `json:"success_rate,omitempty"`
	ErrorRate    float64 `json:"error_rate,omitempty"`
	Load         float64 `json:"load,omitempty"`
}

type discoverParams struct {
	Capabilities   []string          `json:"capabilities,omitempty"`
	Protocols      []string          `json:"protocols,omitempty"`
	Status         string            `json:"status,omitempty"`
	Tags           map[string]string `json:"tags,omitempty"`
	MinSuccessRate float64           `json:"min_success_rate,omitempty"`
	MaxLoad        float64           `json:"max_load,omitempty"`
}

type selectParams struct {
	discoverParams
	Strategy string `json:"strategy,omitempty"`
}

type msgAckParams struct {
	MessageID string `json:"message_id"`
}

func (p discoverParams) query() registry.Query {
	return registry.Query{
		Capabilities:   p.Capabilities,
		Protocols:      p.Protocols,
		Status:         registry.Status(p.Status),
		Tags:           p.Tags,
		MinSuccessRate: p.MinSuccessRate,
		MaxLoad:        p.MaxLoad,
	}
}

func decode(params json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(params, v); err != nil {
		return protocol.NewRPCError(protocol.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

// instrument wraps a handler so every call records its method, duration and
// failure. A nil metrics leaves the handler untouched.
func instrument(metrics *otel.Metrics, method string, h protocol.HandlerFunc) protocol.HandlerFunc {
	if metrics == nil {
		return h
	}
	return func(ctx context.Context, agentID string, params json.RawMessage) (interface{}, error) {
		start := time.Now()
		result, err := h(ctx, agentID, params)
		metrics.RecordRPCRequest(method, float64(time.Since(start))/float64(time.Millisecond))
		if err != nil {
			metrics.RecordError(method)
		}
		return result, err
	}
}

// registerHandlers binds the broker, registry and messenger operations to
// JSON-RPC methods on the protocol server. metrics may be nil.
func registerHandlers(srv *protocol.Server, b *broker.Broker, reg *registry.Registry, msgr *messenger.Messenger, metrics *otel.Metrics) error {
	handlers := map[string]protocol.HandlerFunc{
		"queue.create": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueCreateParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			cfg := broker.QueueConfig{
				VisibilityTimeout: time.Duration(p.VisibilityTimeout) * time.Millisecond,
				MaxReceiveCount:   p.MaxReceiveCount,
				DeadLetterQueue:   p.DeadLetterQueue,
				DefaultDelay:      time.Duration(p.DefaultDelay) * time.Millisecond,
				MessageTTL:        time.Duration(p.MessageTTL) * time.Millisecond,
			}
			if err := b.CreateQueue(p.Name, broker.QueueType(p.Type), cfg); err != nil {
				return nil, err
			}
			return map[string]string{"queue": p.Name}, nil
		},

		"queue.delete": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueNameParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := b.DeleteQueue(p.Queue); err != nil {
				return nil, err
			}
			return map[string]string{"queue": p.Queue}, nil
		},

		"queue.purge": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueNameParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			n, err := b.PurgeQueue(p.Queue)
			if err != nil {
				return nil, err
			}
			return map[string]int{"purged": n}, nil
		},

		"queue.list": func(_ context.Context, _ string, _ json.RawMessage) (interface{}, error) {
			return b.ListQueues(), nil
		},

		"queue.stats": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueNameParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return b.GetQueueStats(p.Queue)
		},

		"queue.send": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueSendParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			msg, err := b.SendMessage(p.Queue, p.Value, broker.SendOptions{
				Delay:         time.Duration(p.Delay) * time.Millisecond,
				TTL:           time.Duration(p.TTL) * time.Millisecond,
				Priority:      broker.Priority(p.Priority),
				Key:           p.Key,
				Headers:       p.Headers,
				CorrelationID: p.CorrelationID,
			})
			if err != nil {
				return nil, err
			}
			if metrics != nil {
				metrics.RecordQueueSend(p.Queue, int64(len(p.Value)))
			}
			return map[string]string{"message_id": msg.ID}, nil
		},

		"queue.receive": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueReceiveParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if p.Max <= 0 {
				p.Max = 1
			}
			msgs, err := b.ReceiveMessages(p.Queue, p.Max, broker.ReceiveOptions{
				VisibilityTimeout: time.Duration(p.VisibilityTimeout) * time.Millisecond,
			})
			if err != nil {
				return nil, err
			}
			if metrics != nil {
				metrics.RecordQueueReceive(p.Queue, int64(len(msgs)))
			}
			return msgs, nil
		},

		"queue.ack": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p queueAckParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := b.DeleteMessage(p.Queue, p.MessageID); err != nil {
				return nil, err
			}
			if metrics != nil {
				metrics.RecordQueueDelete(p.Queue)
			}
			return map[string]string{"message_id": p.MessageID}, nil
		},

		"topic.create": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p topicCreateParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := b.CreateTopic(p.Name, broker.TopicConfig{PartitionCount: p.Partitions}); err != nil {
				return nil, err
			}
			return map[string]string{"topic": p.Name}, nil
		},

		"topic.delete": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p topicNameParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := b.DeleteTopic(p.Topic); err != nil {
				return nil, err
			}
			return map[string]string{"topic": p.Topic}, nil
		},

		"topic.publish": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p topicPublishParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			start := time.Now()
			msg, err := b.Publish(p.Topic, p.Value, broker.PublishOptions{
				Key:           p.Key,
				Headers:       p.Headers,
				TTL:           time.Duration(p.TTL) * time.Millisecond,
				CorrelationID: p.CorrelationID,
			})
			if err != nil {
				return nil, err
			}
			if metrics != nil {
				metrics.RecordPublish(p.Topic, float64(time.Since(start))/float64(time.Millisecond))
			}
			return map[string]interface{}{
				"message_id": msg.ID,
				"partition":  msg.Partition,
				"offset":     msg.Offset,
			}, nil
		},

		"topic.list": func(_ context.Context, _ string, _ json.RawMessage) (interface{}, error) {
			return b.ListTopics(), nil
		},

		"topic.stats": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p topicNameParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return b.GetTopicStats(p.Topic)
		},

		"txn.begin": func(_ context.Context, agentID string, params json.RawMessage) (interface{}, error) {
			var p txnBeginParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			txn, err := b.BeginTransaction(agentID, time.Duration(p.Timeout)*time.Millisecond)
			if err != nil {
				return nil, err
			}
			return map[string]string{"transaction_id": txn.ID}, nil
		},

		"txn.commit": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p txnParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := b.CommitTransaction(p.TransactionID); err != nil {
				return nil, err
			}
			return map[string]string{"transaction_id": p.TransactionID}, nil
		},

		"txn.abort": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p txnParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := b.AbortTransaction(p.TransactionID); err != nil {
				return nil, err
			}
			return map[string]string{"transaction_id": p.TransactionID}, nil
		},

		"registry.register": func(_ context.Context, agentID string, params json.RawMessage) (interface{}, error) {
			var p registerParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			err := reg.Register(registry.AgentInfo{
				ID:           agentID,
				Capabilities: p.Capabilities,
				Protocols:    p.Protocols,
				Tags:         p.Tags,
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"agent_id": agentID}, nil
		},

		"registry.unregister": func(_ context.Context, agentID string, _ json.RawMessage) (interface{}, error) {
			if err := reg.Unregister(agentID); err != nil {
				return nil, err
			}
			return map[string]string{"agent_id": agentID}, nil
		},

		"registry.heartbeat": func(_ context.Context, agentID string, params json.RawMessage) (interface{}, error) {
			var p heartbeatParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := reg.Heartbeat(agentID, time.Duration(p.ResponseTime)*time.Millisecond); err != nil {
				return nil, err
			}
			return map[string]string{"agent_id": agentID}, nil
		},

		"registry.health": func(_ context.Context, agentID string, params json.RawMessage) (interface{}, error) {
			var p healthParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			err := reg.UpdateHealth(agentID, registry.HealthInfo{
				ResponseTime: time.Duration(p.ResponseTime) * time.Millisecond,
				SuccessRate:  p.SuccessRate,
				ErrorRate:    p.ErrorRate,
				Load:         p.Load,
			})
			if err != nil {
				return nil, err
			}
			return map[string]string{"agent_id": agentID}, nil
		},

		"registry.discover": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p discoverParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return reg.FindAgents(p.query()), nil
		},

		"registry.select": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p selectParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			return reg.SelectAgent(p.query(), registry.Strategy(p.Strategy))
		},

		"registry.agents": func(_ context.Context, _ string, _ json.RawMessage) (interface{}, error) {
			return reg.GetAllAgents(), nil
		},

		"msg.ack": func(_ context.Context, _ string, params json.RawMessage) (interface{}, error) {
			var p msgAckParams
			if err := decode(params, &p); err != nil {
				return nil, err
			}
			if err := msgr.ReceiveAck(p.MessageID); err != nil {
				return nil, err
			}
			return map[string]string{"message_id": p.MessageID}, nil
		},
	}

	for method, h := range handlers {
		if err := srv.RegisterHandler(method, instrument(metrics, method, h)); err != nil {
			return fmt.Errorf("register %s: %w", method, err)
		}
	}
	return nil
}
