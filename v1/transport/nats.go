package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const natsIDHeader = "Warden-Msg-Id"

// NATS implements Transport using core NATS subjects.
type NATS struct {
	conn *nats.Conn
	reg  *registry
	seen *seen

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NewNATS returns a NATS transport using the provided connection.
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{
		conn: conn,
		reg:  newRegistry(),
		seen: newSeen(),
		subs: make(map[string]*nats.Subscription),
	}
}

// Publish implements Transport.Publish.
func (b *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	msg := nats.NewMsg(topic)
	msg.Header.Set(natsIDHeader, uuid.NewString())
	msg.Data = data
	return b.conn.PublishMsg(msg)
}

// Watch implements Transport.Watch.
func (b *NATS) Watch(ctx context.Context, topic string) (chan []byte, error) {
	s := newSubscriber(defaultBuffer)
	if b.reg.add(topic, s) {
		ns, err := b.conn.Subscribe(topic, b.handler(topic))
		if err != nil {
			b.reg.remove(topic, s.ch)
			return nil, err
		}
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.reg.remove(topic, s.ch)
			return nil, err
		}
		b.mu.Lock()
		b.subs[topic] = ns
		b.mu.Unlock()
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

func (b *NATS) handler(topic string) nats.MsgHandler {
	return func(m *nats.Msg) {
		if !b.seen.first(m.Header.Get(natsIDHeader)) {
			return
		}
		_ = b.reg.dispatch(context.Background(), topic, m.Data)
	}
}

// Unwatch implements Transport.Unwatch.
func (b *NATS) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	empty, found := b.reg.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	b.mu.Lock()
	ns := b.subs[topic]
	delete(b.subs, topic)
	b.mu.Unlock()
	if ns == nil {
		return nil
	}
	return ns.Unsubscribe()
}

// Close implements Transport.Close. The connection itself stays open.
func (b *NATS) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*nats.Subscription)
	b.mu.Unlock()
	for _, ns := range subs {
		_ = ns.Unsubscribe()
	}
	b.reg.closeAll()
	return nil
}
