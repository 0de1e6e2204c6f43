package transport

import (
	"context"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// Redis implements Transport on Redis pub/sub.
type Redis struct {
	client *redis.Client
	reg    *registry
	seen   *seen

	mu  sync.Mutex
	pss map[string]*redis.PubSub
}

// NewRedis returns a Redis transport using the provided client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{
		client: client,
		reg:    newRegistry(),
		seen:   newSeen(),
		pss:    make(map[string]*redis.PubSub),
	}
}

// Publish implements Transport.Publish.
func (b *Redis) Publish(ctx context.Context, topic string, data []byte) error {
	payload, _, err := encodeFrame(data)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Watch implements Transport.Watch.
func (b *Redis) Watch(ctx context.Context, topic string) (chan []byte, error) {
	s := newSubscriber(defaultBuffer)
	if b.reg.add(topic, s) {
		ps := b.client.Subscribe(context.Background(), topic)
		// wait for the subscription confirmation so no publish is missed
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			b.reg.remove(topic, s.ch)
			return nil, err
		}
		b.mu.Lock()
		b.pss[topic] = ps
		b.mu.Unlock()
		go b.pump(topic, ps)
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

func (b *Redis) pump(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		f, err := decodeFrame([]byte(msg.Payload))
		if err != nil || !b.seen.first(f.ID) {
			continue
		}
		_ = b.reg.dispatch(context.Background(), topic, f.Data)
	}
}

// Unwatch implements Transport.Unwatch.
func (b *Redis) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	empty, found := b.reg.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	b.mu.Lock()
	ps := b.pss[topic]
	delete(b.pss, topic)
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}

// Close implements Transport.Close.
func (b *Redis) Close() error {
	b.mu.Lock()
	pss := b.pss
	b.pss = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	for _, ps := range pss {
		_ = ps.Close()
	}
	b.reg.closeAll()
	return nil
}
