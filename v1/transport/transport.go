// Package transport moves opaque message payloads between warden nodes.
// Every backend delivers each published payload to all current watchers of
// the topic; payloads published before a watcher subscribed are not replayed.
package transport

import (
	"context"
	"sync"
)

// Transport provides topic based payload delivery between nodes.
type Transport interface {
	// Publish sends data to every watcher of topic.
	Publish(ctx context.Context, topic string, data []byte) error
	// Watch subscribes to topic. The returned channel receives payloads until
	// the context is canceled or Unwatch is called.
	Watch(ctx context.Context, topic string) (chan []byte, error)
	// Unwatch stops delivering topic payloads to ch and closes it.
	Unwatch(ctx context.Context, topic string, ch chan []byte) error
	// Close releases the backend.
	Close() error
}

const defaultBuffer = 64

type subscriber struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	closed bool
}

func newSubscriber(buffer int) *subscriber {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &subscriber{ch: make(chan []byte, buffer), done: make(chan struct{})}
}

// deliver blocks until the payload is queued, the subscriber is closed or ctx ends.
func (s *subscriber) deliver(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- data:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// registry tracks local subscribers per topic.
type registry struct {
	mu   sync.Mutex
	subs map[string][]*subscriber
}

func newRegistry() *registry {
	return &registry{subs: make(map[string][]*subscriber)}
}

// add registers a subscriber and reports whether it is the first for topic.
func (r *registry) add(topic string, s *subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[topic] = append(r.subs[topic], s)
	return len(r.subs[topic]) == 1
}

// remove drops ch from topic, closes it and reports whether topic has no
// subscribers left. found is false when ch was not registered.
func (r *registry) remove(topic string, ch chan []byte) (empty, found bool) {
	r.mu.Lock()
	subs := r.subs[topic]
	var target *subscriber
	for i, s := range subs {
		if s.ch == ch {
			target = s
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			break
		}
	}
	if len(subs) == 0 {
		delete(r.subs, topic)
	} else {
		r.subs[topic] = subs
	}
	r.mu.Unlock()
	if target == nil {
		return len(subs) == 0, false
	}
	target.close()
	return len(subs) == 0, true
}

func (r *registry) list(topic string) []*subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*subscriber(nil), r.subs[topic]...)
}

func (r *registry) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subs))
	for t := range r.subs {
		out = append(out, t)
	}
	return out
}

func (r *registry) closeAll() {
	r.mu.Lock()
	all := r.subs
	r.subs = make(map[string][]*subscriber)
	r.mu.Unlock()
	for _, subs := range all {
		for _, s := range subs {
			s.close()
		}
	}
}

func (r *registry) dispatch(ctx context.Context, topic string, data []byte) error {
	for _, s := range r.list(topic) {
		if err := s.deliver(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// InMemory is a process local Transport used by tests and single process setups.
type InMemory struct {
	reg    *registry
	buffer int
}

// NewInMemory creates a new InMemory transport.
func NewInMemory() *InMemory {
	return &InMemory{reg: newRegistry(), buffer: defaultBuffer}
}

// Publish implements Transport.Publish.
func (b *InMemory) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	return b.reg.dispatch(ctx, topic, data)
}

// Watch implements Transport.Watch.
func (b *InMemory) Watch(ctx context.Context, topic string) (chan []byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s := newSubscriber(b.buffer)
	b.reg.add(topic, s)
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Unwatch(context.Background(), topic, s.ch)
		case <-s.done:
		}
	}()
	return s.ch, nil
}

// Unwatch implements Transport.Unwatch.
func (b *InMemory) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	b.reg.remove(topic, ch)
	return nil
}

// Close implements Transport.Close.
func (b *InMemory) Close() error {
	b.reg.closeAll()
	return nil
}
