package syncbus

import (
	"context"
	stdErrors "errors"
	"fmt"
	"sync"

	sarama "github.com/IBM/sarama"
)

// DefaultKafkaTopic is the Kafka topic carrying notifications when none is
// configured.
const DefaultKafkaTopic = "latch-bus"

// KafkaBus implements Bus on a single Kafka topic. Each notification is one
// record whose key and value hold the bus topic; every partition is consumed
// from the newest offset and records are routed to local subscribers.
//
// Partition consumers start on the first Subscribe, so a notification
// published while they are still connecting can be missed. Lockers treat the
// bus as a wake-up hint and keep polling, which covers that gap.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	client   sarama.Client
	topic    string

	mu      sync.Mutex
	started bool
	pcs     []sarama.PartitionConsumer
	wg      sync.WaitGroup
	f       *fanout
}

// NewKafkaBus connects to brokers and returns a bus on topic. An empty topic
// defaults to DefaultKafkaTopic; a nil cfg to sarama.NewConfig().
func NewKafkaBus(brokers []string, cfg *sarama.Config, topic string) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("syncbus: kafka client: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("syncbus: kafka producer: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("syncbus: kafka consumer: %w", err)
	}
	b := NewKafkaBusFromClients(producer, consumer, topic)
	b.client = client
	return b, nil
}

// NewKafkaBusFromClients returns a bus using an existing producer and
// consumer. Close closes both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer, topic string) *KafkaBus {
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		f:        newFanout(),
	}
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(topic),
		Value: sarama.StringEncoder(topic),
	}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return err
	}
	b.f.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	if err := b.start(); err != nil {
		return nil, err
	}
	s := b.f.add(topic)
	b.f.watch(ctx, s, func() { _ = b.Unsubscribe(context.Background(), topic, s.ch) })
	return s.ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. Partition consumers keep running
// until Close since every bus topic shares them.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	b.f.remove(topic, ch)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return b.f.metrics()
}

// Close stops the partition consumers and closes the Kafka clients.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	pcs := b.pcs
	b.pcs = nil
	b.mu.Unlock()

	var errs []error
	for _, pc := range pcs {
		errs = append(errs, pc.Close())
	}
	b.wg.Wait()
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	return stdErrors.Join(errs...)
}

func (b *KafkaBus) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return fmt.Errorf("syncbus: kafka partitions of %s: %w", b.topic, err)
	}
	pcs := make([]sarama.PartitionConsumer, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, open := range pcs {
				_ = open.Close()
			}
			return fmt.Errorf("syncbus: kafka consume %s/%d: %w", b.topic, p, err)
		}
		pcs = append(pcs, pc)
	}
	for _, pc := range pcs {
		b.wg.Add(1)
		go b.dispatch(pc)
	}
	b.pcs = pcs
	b.started = true
	return nil
}

func (b *KafkaBus) dispatch(pc sarama.PartitionConsumer) {
	defer b.wg.Done()
	for msg := range pc.Messages() {
		b.f.deliver(string(msg.Value))
	}
}
