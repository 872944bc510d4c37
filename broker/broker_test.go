// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/phuetz/agentmesh/broker/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *Broker {
	t.Helper()

	cfg := DefaultConfig()
	cfg.ExpirySweepInterval = 10 * time.Millisecond
	b := New(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Shutdown(ctx)
	})
	return b
}

func TestCreateQueueWithDLQ(t *testing.T) {
	b := newTestBroker(t)

	require.NoError(t, b.CreateQueue("orders", QueueStandard, QueueConfig{DeadLetterQueue: "orders-dlq"}))
	assert.ErrorIs(t, b.CreateQueue("orders", QueueStandard, QueueConfig{}), ErrQueueExists)

	names := b.ListQueues()
	assert.Contains(t, names, "orders")
	assert.Contains(t, names, "orders-dlq")

	// Deleting the owner removes the DLQ too.
	require.NoError(t, b.DeleteQueue("orders"))
	_, err := b.GetQueueStats("orders-dlq")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestSendReceiveDelete(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue("q", QueueStandard, QueueConfig{}))

	sent, err := b.SendMessage("q", []byte("hello"), SendOptions{Key: "k1"})
	require.NoError(t, err)

	got, err := b.ReceiveMessages("q", 10, ReceiveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, 1, got[0].Attempts)

	require.NoError(t, b.DeleteMessage("q", sent.ID))
	assert.ErrorIs(t, b.DeleteMessage("q", sent.ID), ErrMessageNotFound)
}

func TestSendMessageValidations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 4
	b := New(cfg, nil)

	_, err := b.SendMessage("missing", []byte("x"), SendOptions{})
	assert.ErrorIs(t, err, ErrQueueNotFound)

	require.NoError(t, b.CreateQueue("q", QueueStandard, QueueConfig{}))
	_, err = b.SendMessage("q", []byte("too large"), SendOptions{})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDelayedSend(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue("q", QueueDelayed, QueueConfig{DefaultDelay: 20 * time.Millisecond}))

	_, err := b.SendMessage("q", []byte("later"), SendOptions{})
	require.NoError(t, err)

	got, err := b.ReceiveMessages("q", 1, ReceiveOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	require.Eventually(t, func() bool {
		got, err := b.ReceiveMessages("q", 1, ReceiveOptions{})
		return err == nil && len(got) == 1
	}, time.Second, 10*time.Millisecond)
}

// End-to-end scenario: a message never deleted cycles through redelivery and
// lands in the DLQ once its receive budget is spent.
func TestRedeliveryThenDeadLetter(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue("orders", QueueStandard, QueueConfig{
		VisibilityTimeout: 20 * time.Millisecond,
		MaxReceiveCount:   2,
		DeadLetterQueue:   "orders-dlq",
	}))

	sent, err := b.SendMessage("orders", []byte(`{"id":"m1"}`), SendOptions{})
	require.NoError(t, err)

	// First receive, no delete.
	got, err := b.ReceiveMessages("orders", 1, ReceiveOptions{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)

	// Past the visibility timeout the message is redelivered.
	require.Eventually(t, func() bool {
		got, err = b.ReceiveMessages("orders", 1, ReceiveOptions{})
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, sent.ID, got[0].ID)
	assert.Equal(t, 2, got[0].Attempts)

	// Budget spent: the next expiry routes to the DLQ, not back to orders.
	require.Eventually(t, func() bool {
		dlq, err := b.ReceiveMessages("orders-dlq", 1, ReceiveOptions{})
		return err == nil && len(dlq) == 1 && dlq[0].ID == sent.ID
	}, time.Second, 5*time.Millisecond)

	empty, err := b.ReceiveMessages("orders", 1, ReceiveOptions{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	stats, err := b.GetQueueStats("orders")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.DeadLettered)
}

func TestDeadLetteredMessageCarriesReason(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateQueue("q", QueueStandard, QueueConfig{
		VisibilityTimeout: 10 * time.Millisecond,
		MaxReceiveCount:   1,
		DeadLetterQueue:   "q-dlq",
	}))

	_, err := b.SendMessage("q", []byte("x"), SendOptions{})
	require.NoError(t, err)

	_, err = b.ReceiveMessages("q", 1, ReceiveOptions{})
	require.NoError(t, err)

	var dead []*Message
	require.Eventually(t, func() bool {
		dead, err = b.ReceiveMessages("q-dlq", 1, ReceiveOptions{})
		return err == nil && len(dead) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "q", dead[0].Headers["x-dead-letter-source"])
	assert.NotEmpty(t, dead[0].Headers["x-dead-letter-reason"])
}

func TestExpirySweepDropsExpired(t *testing.T) {
	b := newTestBroker(t)
	b.Start(context.Background())

	require.NoError(t, b.CreateQueue("q", QueueStandard, QueueConfig{}))

	var expired []string
	var mu sync.Mutex
	b.OnEvent(func(ev events.Event) {
		if e, ok := ev.(events.MessageExpired); ok {
			mu.Lock()
			expired = append(expired, e.MessageID)
			mu.Unlock()
		}
	})

	sent, err := b.SendMessage("q", []byte("x"), SendOptions{TTL: 10 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(expired) == 1 && expired[0] == sent.ID
	}, time.Second, 10*time.Millisecond)
}

// End-to-end scenario: 100 publishes with one key land in one partition with
// strictly increasing offsets.
func TestSameKeyPartitionOrdering(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateTopic("events", TopicConfig{PartitionCount: 3}))

	var msgs []*Message
	for i := 0; i < 100; i++ {
		msg, err := b.Publish("events", []byte("payload"), PublishOptions{Key: "k"})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	partition := msgs[0].Partition
	for i, msg := range msgs {
		assert.Equal(t, partition, msg.Partition)
		assert.Equal(t, int64(i), msg.Offset)
	}
}

func TestPublishNotifiesInRegistrationOrder(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateTopic("t", TopicConfig{PartitionCount: 1}))

	var order []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(msg *Message) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	_, err := b.Subscribe("t", record("first"), SubscribeOptions{})
	require.NoError(t, err)
	_, err = b.Subscribe("t", record("second"), SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Publish("t", []byte("x"), PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, order)
}

func TestHandlerFailureIsolated(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateTopic("t", TopicConfig{PartitionCount: 1}))

	panicking, err := b.Subscribe("t", func(msg *Message) error {
		panic("boom")
	}, SubscribeOptions{})
	require.NoError(t, err)

	failing, err := b.Subscribe("t", func(msg *Message) error {
		return errors.New("handler error")
	}, SubscribeOptions{})
	require.NoError(t, err)

	delivered := 0
	_, err = b.Subscribe("t", func(msg *Message) error {
		delivered++
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Publish("t", []byte("x"), PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	assert.Equal(t, uint64(1), panicking.ErrorCount())
	assert.Equal(t, uint64(1), failing.ErrorCount())
	assert.Equal(t, uint64(2), b.GetStats().HandlerErrors)
}

func TestSubscribeFilterAndTransform(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateTopic("t", TopicConfig{PartitionCount: 1}))

	var got []string
	_, err := b.Subscribe("t", func(msg *Message) error {
		got = append(got, string(msg.Value))
		return nil
	}, SubscribeOptions{
		Filter: func(msg *Message) bool { return msg.Key != "skip" },
		Transform: func(msg *Message) *Message {
			out := *msg
			out.Value = append([]byte("seen:"), msg.Value...)
			return &out
		},
	})
	require.NoError(t, err)

	_, err = b.Publish("t", []byte("a"), PublishOptions{Key: "keep"})
	require.NoError(t, err)
	_, err = b.Publish("t", []byte("b"), PublishOptions{Key: "skip"})
	require.NoError(t, err)

	assert.Equal(t, []string{"seen:a"}, got)
}

func TestAutoCreateTopics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoCreateTopics = true
	b := New(cfg, nil)

	_, err := b.Publish("fresh", []byte("x"), PublishOptions{})
	require.NoError(t, err)
	assert.Contains(t, b.ListTopics(), "fresh")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateTopic("t", TopicConfig{PartitionCount: 1}))

	delivered := 0
	consumer, err := b.Subscribe("t", func(msg *Message) error {
		delivered++
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(consumer.ID))
	assert.ErrorIs(t, b.Unsubscribe(consumer.ID), ErrSubscriptionNotFound)

	_, err = b.Publish("t", []byte("x"), PublishOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, delivered)
}

func TestStreamPipesSourceToSink(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.CreateTopic("in", TopicConfig{PartitionCount: 1}))
	require.NoError(t, b.CreateTopic("out", TopicConfig{PartitionCount: 1}))

	var got []string
	_, err := b.Subscribe("out", func(msg *Message) error {
		got = append(got, string(msg.Value))
		return nil
	}, SubscribeOptions{})
	require.NoError(t, err)

	upper := func(msg *Message) *Message {
		if string(msg.Value) == "drop" {
			return nil
		}
		out := *msg
		out.Value = append([]byte("up:"), msg.Value...)
		return &out
	}

	stream, err := b.CreateStream("s", "in", []Processor{upper}, "out")
	require.NoError(t, err)

	_, err = b.Publish("in", []byte("a"), PublishOptions{})
	require.NoError(t, err)
	_, err = b.Publish("in", []byte("drop"), PublishOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"up:a"}, got)

	stats := stream.Stats()
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.Emitted)

	require.NoError(t, b.DeleteStream("s"))
	assert.ErrorIs(t, b.DeleteStream("s"), ErrStreamNotFound)
}

func TestBrokerEvents(t *testing.T) {
	b := newTestBroker(t)

	var types []string
	b.OnEvent(func(ev events.Event) {
		types = append(types, ev.Type())
	})
	// A panicking observer never blocks the next one.
	b.OnEvent(func(ev events.Event) { panic("bad observer") })

	require.NoError(t, b.CreateQueue("q", QueueStandard, QueueConfig{}))
	require.NoError(t, b.CreateTopic("t", TopicConfig{}))
	require.NoError(t, b.DeleteQueue("q"))

	assert.Equal(t, []string{"queue.created", "topic.created", "queue.deleted"}, types)
}
