// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phuetz/agentmesh/broker/events"
)

// Config holds broker settings.
type Config struct {
	NodeID                   string
	MaxMessageSize           int
	DefaultVisibilityTimeout time.Duration
	DefaultMaxReceiveCount   int
	DefaultPartitionCount    int
	AutoCreateTopics         bool
	ExpirySweepInterval      time.Duration
	TransactionTimeout       time.Duration
}

// DefaultConfig returns broker settings with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NodeID:                   "mesh-1",
		MaxMessageSize:           1024 * 1024,
		DefaultVisibilityTimeout: 30 * time.Second,
		DefaultMaxReceiveCount:   3,
		DefaultPartitionCount:    3,
		AutoCreateTopics:         false,
		ExpirySweepInterval:      time.Second,
		TransactionTimeout:       60 * time.Second,
	}
}

// Observer receives broker events. Each dispatch runs in its own recovered
// call so one failing observer cannot block the others.
type Observer func(ev events.Event)

// Broker is the in-process message broker: queues, partitioned topics,
// transactions and streams. All state is process memory.
type Broker struct {
	config Config
	logger *slog.Logger

	queues    map[string]*queue
	topics    map[string]*topic
	groups    map[string]*ConsumerGroup
	consumers map[string]*Consumer
	txns      map[string]*Transaction
	streams   map[string]*Stream
	observers []Observer
	mu        sync.RWMutex

	stats  Stats
	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a broker. Call Start to launch background sweeps.
func New(cfg Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultConfig().MaxMessageSize
	}
	if cfg.DefaultVisibilityTimeout <= 0 {
		cfg.DefaultVisibilityTimeout = DefaultConfig().DefaultVisibilityTimeout
	}
	if cfg.DefaultMaxReceiveCount <= 0 {
		cfg.DefaultMaxReceiveCount = DefaultConfig().DefaultMaxReceiveCount
	}
	if cfg.DefaultPartitionCount <= 0 {
		cfg.DefaultPartitionCount = DefaultConfig().DefaultPartitionCount
	}
	if cfg.ExpirySweepInterval <= 0 {
		cfg.ExpirySweepInterval = DefaultConfig().ExpirySweepInterval
	}
	if cfg.TransactionTimeout <= 0 {
		cfg.TransactionTimeout = DefaultConfig().TransactionTimeout
	}

	return &Broker{
		config:    cfg,
		logger:    logger,
		queues:    make(map[string]*queue),
		topics:    make(map[string]*topic),
		groups:    make(map[string]*ConsumerGroup),
		consumers: make(map[string]*Consumer),
		txns:      make(map[string]*Transaction),
		streams:   make(map[string]*Stream),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the expiry sweep. It returns immediately.
func (b *Broker) Start(ctx context.Context) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.expiryLoop(ctx)
	}()

	b.logger.Info("broker_started",
		slog.String("node_id", b.config.NodeID),
		slog.Duration("expiry_sweep_interval", b.config.ExpirySweepInterval))
}

// Shutdown stops background loops and aborts open transactions.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	txns := make([]*Transaction, 0, len(b.txns))
	for _, tx := range b.txns {
		txns = append(txns, tx)
	}
	b.txns = make(map[string]*Transaction)
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.Unlock()

	close(b.stopCh)

	for _, tx := range txns {
		_ = tx.abort()
	}
	for _, q := range queues {
		q.close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.logger.Info("broker_stopped")
	return nil
}

// OnEvent registers an observer for broker events.
func (b *Broker) OnEvent(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// emit dispatches an event to every observer, isolating each call.
func (b *Broker) emit(ev events.Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Warn("observer_panic", slog.String("event", ev.Type()))
				}
			}()
			obs(ev)
		}()
	}
}

// --- Queues ---

// CreateQueue creates a queue. If config.DeadLetterQueue is set, the DLQ is
// created alongside it and its lifecycle is owned by this queue.
func (b *Broker) CreateQueue(name string, qtype QueueType, cfg QueueConfig) error {
	if qtype == "" {
		qtype = QueueStandard
	}
	cfg.Type = qtype
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = b.config.DefaultVisibilityTimeout
	}
	if cfg.MaxReceiveCount <= 0 {
		cfg.MaxReceiveCount = b.config.DefaultMaxReceiveCount
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	if _, exists := b.queues[name]; exists {
		b.mu.Unlock()
		return ErrQueueExists
	}
	if cfg.DeadLetterQueue != "" {
		if _, exists := b.queues[cfg.DeadLetterQueue]; exists {
			b.mu.Unlock()
			return ErrQueueExists
		}
		dlqCfg := QueueConfig{
			Type:              QueueDeadLetter,
			VisibilityTimeout: cfg.VisibilityTimeout,
			MaxReceiveCount:   cfg.MaxReceiveCount,
		}
		b.queues[cfg.DeadLetterQueue] = newQueue(cfg.DeadLetterQueue, dlqCfg)
	}
	b.queues[name] = newQueue(name, cfg)
	b.mu.Unlock()

	b.logger.Info("queue_created",
		slog.String("queue", name),
		slog.String("type", string(qtype)),
		slog.String("dlq", cfg.DeadLetterQueue))
	b.emit(events.QueueCreated{Queue: name, QueueType: string(qtype), DLQ: cfg.DeadLetterQueue})
	return nil
}

// DeleteQueue removes a queue and, when it owns one, its DLQ.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	q, exists := b.queues[name]
	if !exists {
		b.mu.Unlock()
		return ErrQueueNotFound
	}
	delete(b.queues, name)
	var dlq *queue
	if q.config.DeadLetterQueue != "" {
		dlq = b.queues[q.config.DeadLetterQueue]
		delete(b.queues, q.config.DeadLetterQueue)
	}
	b.mu.Unlock()

	q.close()
	if dlq != nil {
		dlq.close()
	}

	b.logger.Info("queue_deleted", slog.String("queue", name))
	b.emit(events.QueueDeleted{Queue: name})
	return nil
}

// PurgeQueue drops all pending messages from a queue.
func (b *Broker) PurgeQueue(name string) (int, error) {
	q, err := b.getQueue(name)
	if err != nil {
		return 0, err
	}
	return q.purge(), nil
}

// ListQueues returns the names of all queues.
func (b *Broker) ListQueues() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// GetQueue returns the effective configuration of a queue.
func (b *Broker) GetQueue(name string) (QueueConfig, error) {
	q, err := b.getQueue(name)
	if err != nil {
		return QueueConfig{}, err
	}
	return q.config, nil
}

// GetQueueStats returns counters for a queue.
func (b *Broker) GetQueueStats(name string) (QueueStats, error) {
	q, err := b.getQueue(name)
	if err != nil {
		return QueueStats{}, err
	}
	return q.snapshot(), nil
}

// SendMessage enqueues a payload. Honors delay (deferred enqueue), TTL and
// priority options; fails if the queue is not active.
func (b *Broker) SendMessage(queueName string, value []byte, opts SendOptions) (*Message, error) {
	q, err := b.getQueue(queueName)
	if err != nil {
		return nil, err
	}
	if !q.isActive() {
		return nil, ErrQueueNotActive
	}
	if len(value) > b.config.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	msg := newMessage(value)
	msg.Queue = queueName
	msg.Key = opts.Key
	msg.Headers = opts.Headers
	msg.CorrelationID = opts.CorrelationID
	if opts.Priority != 0 {
		msg.Priority = opts.Priority
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = q.config.MessageTTL
	}
	if ttl > 0 {
		msg.ExpiresAt = msg.Timestamp.Add(ttl)
	}

	delay := opts.Delay
	if delay <= 0 && q.config.Type == QueueDelayed {
		delay = q.config.DefaultDelay
	}

	q.recordSent()
	b.stats.messagesSent.Add(1)

	if delay > 0 {
		time.AfterFunc(delay, func() {
			// The queue may be gone by the time the delay fires.
			if dq, err := b.getQueue(queueName); err == nil && dq.isActive() {
				dq.enqueue(msg)
			}
		})
		return msg, nil
	}

	q.enqueue(msg)
	return msg, nil
}

// ReceiveMessages removes up to max non-expired messages from the front of
// the queue. Each returned message becomes invisible for the visibility
// timeout; unless DeleteMessage is called in the interim it is re-enqueued.
// Messages whose redelivery budget is spent are routed to the DLQ instead of
// being returned.
func (b *Broker) ReceiveMessages(queueName string, max int, opts ReceiveOptions) ([]*Message, error) {
	q, err := b.getQueue(queueName)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}

	out, expired, dead := q.dequeue(max, q.config.MaxReceiveCount, time.Now())

	for _, msg := range expired {
		b.stats.messagesExpired.Add(1)
		b.emit(events.MessageExpired{Queue: queueName, MessageID: msg.ID})
	}
	for _, msg := range dead {
		b.moveToDLQ(q, msg, "max receive count exceeded")
	}

	vt := opts.VisibilityTimeout
	if vt <= 0 {
		vt = q.config.VisibilityTimeout
	}

	for _, msg := range out {
		b.stats.messagesReceived.Add(1)
		id := msg.ID
		timer := time.AfterFunc(vt, func() {
			b.handleVisibilityExpiry(queueName, id)
		})
		q.armVisibility(id, timer)
	}
	return out, nil
}

// DeleteMessage acknowledges a received message, preventing redelivery.
func (b *Broker) DeleteMessage(queueName, messageID string) error {
	q, err := b.getQueue(queueName)
	if err != nil {
		return err
	}
	if !q.ack(messageID) {
		return ErrMessageNotFound
	}
	b.stats.messagesDeleted.Add(1)
	return nil
}

// handleVisibilityExpiry fires when a received message was not deleted in
// time. It re-enqueues the message, or routes it to the DLQ when the
// redelivery budget is exhausted. A queue deleted in the interim is a no-op.
func (b *Broker) handleVisibilityExpiry(queueName, messageID string) {
	q, err := b.getQueue(queueName)
	if err != nil {
		return
	}

	msg := q.takeInflight(messageID)
	if msg == nil {
		// Acknowledged in the interim.
		return
	}

	if msg.Expired(time.Now()) {
		b.stats.messagesExpired.Add(1)
		b.emit(events.MessageExpired{Queue: queueName, MessageID: messageID})
		return
	}

	if msg.Attempts >= q.config.MaxReceiveCount {
		b.moveToDLQ(q, msg, "max receive count exceeded")
		return
	}

	q.requeue(msg)
	b.logger.Debug("message_redelivered",
		slog.String("queue", queueName),
		slog.String("message_id", messageID),
		slog.Int("attempts", msg.Attempts))
}

// moveToDLQ routes a message to its queue's dead letter queue. This is the
// system's only permanent-failure path; without a configured DLQ the message
// is dropped.
func (b *Broker) moveToDLQ(q *queue, msg *Message, reason string) {
	q.recordDeadLettered()
	b.stats.deadLettered.Add(1)

	dlqName := q.config.DeadLetterQueue
	if dlqName != "" {
		if dlq, err := b.getQueue(dlqName); err == nil {
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers["x-dead-letter-reason"] = reason
			msg.Headers["x-dead-letter-source"] = q.name
			dlq.enqueue(msg)
		}
	}

	b.logger.Warn("message_dead_lettered",
		slog.String("queue", q.name),
		slog.String("dlq", dlqName),
		slog.String("message_id", msg.ID),
		slog.Int("attempts", msg.Attempts),
		slog.String("reason", reason))
	b.emit(events.MessageDeadLettered{
		Queue:     q.name,
		DLQ:       dlqName,
		MessageID: msg.ID,
		Attempts:  msg.Attempts,
		Reason:    reason,
	})
}

func (b *Broker) getQueue(name string) (*queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	q, exists := b.queues[name]
	if !exists {
		return nil, ErrQueueNotFound
	}
	return q, nil
}

// --- Topics ---

// CreateTopic creates a topic with the configured partition count. Each
// partition is seeded with single-process leader/replica/ISR metadata.
func (b *Broker) CreateTopic(name string, cfg TopicConfig) error {
	if cfg.PartitionCount <= 0 {
		cfg.PartitionCount = b.config.DefaultPartitionCount
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerClosed
	}
	if _, exists := b.topics[name]; exists {
		b.mu.Unlock()
		return ErrTopicExists
	}
	b.topics[name] = newTopic(name, cfg, b.config.NodeID)
	b.mu.Unlock()

	b.logger.Info("topic_created",
		slog.String("topic", name),
		slog.Int("partitions", cfg.PartitionCount))
	b.emit(events.TopicCreated{Topic: name, Partitions: cfg.PartitionCount})
	return nil
}

// DeleteTopic removes a topic and its subscriptions.
func (b *Broker) DeleteTopic(name string) error {
	b.mu.Lock()
	t, exists := b.topics[name]
	if !exists {
		b.mu.Unlock()
		return ErrTopicNotFound
	}
	delete(b.topics, name)
	for _, sub := range t.subscriptions() {
		delete(b.consumers, sub.consumer.ID)
	}
	b.mu.Unlock()

	b.logger.Info("topic_deleted", slog.String("topic", name))
	b.emit(events.TopicDeleted{Topic: name})
	return nil
}

// ListTopics returns the names of all topics.
func (b *Broker) ListTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	return names
}

// GetTopicStats returns per-partition offsets and counters for a topic.
func (b *Broker) GetTopicStats(name string) (TopicStats, error) {
	t, err := b.getTopic(name)
	if err != nil {
		return TopicStats{}, err
	}
	return t.stats(), nil
}

// Publish appends a payload to a topic partition (key hash, or random when
// no key is given) and synchronously notifies every active subscription in
// registration order. A handler failure increments that consumer's error
// count and never blocks other subscribers.
func (b *Broker) Publish(topicName string, value []byte, opts PublishOptions) (*Message, error) {
	t, err := b.getTopic(topicName)
	if err != nil {
		if err == ErrTopicNotFound && b.config.AutoCreateTopics {
			if cerr := b.CreateTopic(topicName, TopicConfig{}); cerr != nil && cerr != ErrTopicExists {
				return nil, cerr
			}
			t, err = b.getTopic(topicName)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(value) > b.config.MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	msg := newMessage(value)
	msg.Topic = topicName
	msg.Key = opts.Key
	msg.Headers = opts.Headers
	msg.CorrelationID = opts.CorrelationID
	if opts.TTL > 0 {
		msg.ExpiresAt = msg.Timestamp.Add(opts.TTL)
	}

	partitionID, _ := t.append(msg)
	b.stats.published.Add(1)

	tp := TopicPartition{Topic: topicName, Partition: partitionID}
	for _, sub := range t.subscriptions() {
		if sub.consumer.GroupID != "" {
			group, ok := b.getGroup(sub.consumer.GroupID)
			if !ok || group.assignedTo(tp) != sub.consumer.ID {
				continue
			}
		}
		before := sub.consumer.errorCount.Load()
		if dispatch(sub, msg) {
			b.stats.delivered.Add(1)
		} else if sub.consumer.errorCount.Load() > before {
			b.stats.handlerErrors.Add(1)
		}
	}
	return msg, nil
}

// Subscribe binds a handler to a topic. Supplying a GroupID joins or creates
// a consumer group and triggers a rebalance across the group's topics.
func (b *Broker) Subscribe(topicName string, handler Handler, opts SubscribeOptions) (*Consumer, error) {
	t, err := b.getTopic(topicName)
	if err != nil {
		if err == ErrTopicNotFound && b.config.AutoCreateTopics {
			if cerr := b.CreateTopic(topicName, TopicConfig{}); cerr != nil && cerr != ErrTopicExists {
				return nil, cerr
			}
			t, err = b.getTopic(topicName)
		}
		if err != nil {
			return nil, err
		}
	}

	consumer := &Consumer{
		ID:           newConsumerID(),
		GroupID:      opts.GroupID,
		Topic:        topicName,
		RegisteredAt: time.Now().UTC(),
		handler:      handler,
	}
	t.addSubscription(consumer, opts)

	b.mu.Lock()
	b.consumers[consumer.ID] = consumer
	var group *ConsumerGroup
	if opts.GroupID != "" {
		var exists bool
		group, exists = b.groups[opts.GroupID]
		if !exists {
			group = newConsumerGroup(opts.GroupID)
			b.groups[opts.GroupID] = group
		}
	}
	b.mu.Unlock()

	if group != nil {
		group.addMember(consumer, topicName, b.partitionCountFor)
		b.emit(events.GroupRebalanced{
			GroupID:    group.ID(),
			Generation: group.Generation(),
			Members:    group.Size(),
		})
	}

	b.logger.Debug("consumer_subscribed",
		slog.String("topic", topicName),
		slog.String("consumer_id", consumer.ID),
		slog.String("group_id", opts.GroupID))
	b.emit(events.ConsumerJoined{ConsumerID: consumer.ID, Topic: topicName, GroupID: opts.GroupID})
	return consumer, nil
}

// Unsubscribe removes a consumer's subscription; group members trigger a
// rebalance on departure.
func (b *Broker) Unsubscribe(consumerID string) error {
	b.mu.Lock()
	consumer, exists := b.consumers[consumerID]
	if !exists {
		b.mu.Unlock()
		return ErrSubscriptionNotFound
	}
	delete(b.consumers, consumerID)
	t := b.topics[consumer.Topic]
	group := b.groups[consumer.GroupID]
	b.mu.Unlock()

	if t != nil {
		t.removeSubscription(consumerID)
	}
	if group != nil {
		remaining := group.removeMember(consumerID, b.partitionCountFor)
		if remaining == 0 {
			b.mu.Lock()
			delete(b.groups, group.ID())
			b.mu.Unlock()
		} else {
			b.emit(events.GroupRebalanced{
				GroupID:    group.ID(),
				Generation: group.Generation(),
				Members:    remaining,
			})
		}
	}

	b.emit(events.ConsumerLeft{ConsumerID: consumerID, Topic: consumer.Topic, GroupID: consumer.GroupID})
	return nil
}

// CreateConsumerGroup creates (or returns) a consumer group.
func (b *Broker) CreateConsumerGroup(groupID string) *ConsumerGroup {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, exists := b.groups[groupID]
	if !exists {
		group = newConsumerGroup(groupID)
		b.groups[groupID] = group
	}
	return group
}

// GetConsumerGroup returns a consumer group by ID.
func (b *Broker) GetConsumerGroup(groupID string) (*ConsumerGroup, error) {
	group, ok := b.getGroup(groupID)
	if !ok {
		return nil, ErrGroupNotFound
	}
	return group, nil
}

func (b *Broker) getGroup(groupID string) (*ConsumerGroup, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	group, ok := b.groups[groupID]
	return group, ok
}

func (b *Broker) getTopic(name string) (*topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, exists := b.topics[name]
	if !exists {
		return nil, ErrTopicNotFound
	}
	return t, nil
}

// partitionCountFor reports a topic's partition count for group rebalancing.
func (b *Broker) partitionCountFor(topicName string) int {
	t, err := b.getTopic(topicName)
	if err != nil {
		return 0
	}
	return t.partitionCount()
}

// --- Transactions ---

// BeginTransaction opens a transactional session. A transaction not
// committed within the timeout is force-aborted.
func (b *Broker) BeginTransaction(producerID string, timeout time.Duration) (*Transaction, error) {
	if timeout <= 0 {
		timeout = b.config.TransactionTimeout
	}

	tx := newTransaction(producerID, timeout)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.txns[tx.ID] = tx
	b.mu.Unlock()

	tx.timer = time.AfterFunc(timeout, func() {
		b.forceAbort(tx.ID)
	})

	b.logger.Debug("transaction_started",
		slog.String("transaction_id", tx.ID),
		slog.String("producer_id", producerID),
		slog.Duration("timeout", timeout))
	return tx, nil
}

// CommitTransaction transitions the transaction to committed and releases
// the record. The two-phase state names carry no per-partition commit action
// in this single-process implementation.
func (b *Broker) CommitTransaction(txID string) error {
	tx, err := b.takeTransaction(txID)
	if err != nil {
		return err
	}
	return tx.commit()
}

// AbortTransaction transitions the transaction to aborted and releases the
// record.
func (b *Broker) AbortTransaction(txID string) error {
	tx, err := b.takeTransaction(txID)
	if err != nil {
		return err
	}
	if err := tx.abort(); err != nil {
		return err
	}
	b.emit(events.TransactionAborted{TransactionID: tx.ID, ProducerID: tx.ProducerID, Reason: "abort"})
	return nil
}

// GetTransaction returns an open transaction.
func (b *Broker) GetTransaction(txID string) (*Transaction, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tx, exists := b.txns[txID]
	if !exists {
		return nil, ErrTransactionNotFound
	}
	return tx, nil
}

func (b *Broker) takeTransaction(txID string) (*Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, exists := b.txns[txID]
	if !exists {
		return nil, ErrTransactionNotFound
	}
	delete(b.txns, txID)
	return tx, nil
}

// forceAbort aborts a transaction whose timeout elapsed.
func (b *Broker) forceAbort(txID string) {
	tx, err := b.takeTransaction(txID)
	if err != nil {
		return
	}
	if tx.abort() != nil {
		return
	}

	b.logger.Warn("transaction_timed_out",
		slog.String("transaction_id", tx.ID),
		slog.String("producer_id", tx.ProducerID))
	b.emit(events.TransactionAborted{TransactionID: tx.ID, ProducerID: tx.ProducerID, Reason: "timeout"})
}

// --- Streams ---

// CreateStream subscribes to source and pipes each inbound message through
// the processors in order; a nil result short-circuits the pipeline. When a
// sink is set, surviving results are published to it.
func (b *Broker) CreateStream(name, source string, processors []Processor, sink string) (*Stream, error) {
	b.mu.Lock()
	if _, exists := b.streams[name]; exists {
		b.mu.Unlock()
		return nil, ErrStreamExists
	}
	b.mu.Unlock()

	stream := &Stream{
		Name:       name,
		Source:     source,
		Sink:       sink,
		processors: processors,
	}

	consumer, err := b.Subscribe(source, func(msg *Message) error {
		out := stream.process(msg)
		if out == nil || sink == "" {
			return nil
		}
		if _, err := b.Publish(sink, out.Value, PublishOptions{
			Key:           out.Key,
			Headers:       out.Headers,
			CorrelationID: out.CorrelationID,
		}); err != nil {
			return err
		}
		stream.emitted.Add(1)
		return nil
	}, SubscribeOptions{})
	if err != nil {
		return nil, err
	}
	stream.consumer = consumer

	b.mu.Lock()
	b.streams[name] = stream
	b.mu.Unlock()

	b.logger.Info("stream_created",
		slog.String("stream", name),
		slog.String("source", source),
		slog.String("sink", sink))
	return stream, nil
}

// DeleteStream stops a stream and removes its source subscription.
func (b *Broker) DeleteStream(name string) error {
	b.mu.Lock()
	stream, exists := b.streams[name]
	if !exists {
		b.mu.Unlock()
		return ErrStreamNotFound
	}
	delete(b.streams, name)
	b.mu.Unlock()

	return b.Unsubscribe(stream.consumer.ID)
}

// --- Background ---

// expiryLoop periodically purges expired messages across all queues. A queue
// deleted mid-sweep is simply skipped.
func (b *Broker) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(b.config.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweepExpired()
		}
	}
}

func (b *Broker) sweepExpired() {
	b.mu.RLock()
	queues := make([]*queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()

	now := time.Now()
	for _, q := range queues {
		for _, msg := range q.sweepExpired(now) {
			b.stats.messagesExpired.Add(1)
			b.emit(events.MessageExpired{Queue: q.name, MessageID: msg.ID})
		}
	}
}

// GetStats returns broker-wide counters.
func (b *Broker) GetStats() StatsSnapshot {
	s := b.stats.snapshot()

	b.mu.RLock()
	s.Queues = len(b.queues)
	s.Topics = len(b.topics)
	s.Streams = len(b.streams)
	s.Transactions = len(b.txns)
	b.mu.RUnlock()

	return s
}
