package transport

import (
	"context"
	"sync"

	sarama "github.com/IBM/sarama"
)

type kafkaSubscription struct {
	pc   sarama.PartitionConsumer
	done chan struct{}
}

// Kafka implements Transport using one Kafka topic per warden topic.
type Kafka struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	reg      *registry
	seen     *seen

	mu   sync.Mutex
	subs map[string]*kafkaSubscription
}

// NewKafka connects to brokers and returns a Kafka transport.
func NewKafka(brokers []string, cfg *sarama.Config) (*Kafka, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Kafka{
		client:   client,
		producer: producer,
		consumer: consumer,
		reg:      newRegistry(),
		seen:     newSeen(),
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// Publish implements Transport.Publish.
func (b *Kafka) Publish(ctx context.Context, topic string, data []byte) error {
	payload, id, err := encodeFrame(data)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(id),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err = b.producer.SendMessage(msg)
	return err
}

// Watch implements Transport.Watch. Only partition 0 is consumed, warden
// topics are expected to be single partition so ordering is preserved.
func (b *Kafka) Watch(ctx context.Context, topic string) (chan []byte, error) {
	s := newSubscriber(defaultBuffer)
	if b.reg.add(topic, s) {
		pc, err := b.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
		if err != nil {
			b.reg.remove(topic, s.ch)
			return nil, err
		}
		sub := &kafkaSubscription{pc: pc, done: make(chan struct{})}
		b.mu.Lock()
		b.subs[topic] = sub
		b.mu.Unlock()
		go b.pump(topic, sub)
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), topic, s.ch)
		case <-s.done:
		}
	}()
	return s.ch, nil
}

func (b *Kafka) pump(topic string, sub *kafkaSubscription) {
	for {
		select {
		case msg, ok := <-sub.pc.Messages():
			if !ok {
				return
			}
			f, err := decodeFrame(msg.Value)
			if err != nil || !b.seen.first(f.ID) {
				continue
			}
			_ = b.reg.dispatch(context.Background(), topic, f.Data)
		case <-sub.done:
			return
		}
	}
}

// Unwatch implements Transport.Unwatch.
func (b *Kafka) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	empty, found := b.reg.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	b.mu.Lock()
	sub := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if sub == nil {
		return nil
	}
	close(sub.done)
	return sub.pc.Close()
}

// Close implements Transport.Close.
func (b *Kafka) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	b.mu.Unlock()
	for _, sub := range subs {
		close(sub.done)
		_ = sub.pc.Close()
	}
	b.reg.closeAll()
	_ = b.consumer.Close()
	_ = b.producer.Close()
	return b.client.Close()
}
