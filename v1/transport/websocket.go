package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
)

const (
	opPublish     = "pub"
	opSubscribe   = "sub"
	opUnsubscribe = "unsub"
	opMessage     = "msg"
	opAck         = "ack"

	wsAckTimeout = 5 * time.Second
)

type wsMessage struct {
	Op    string `json:"op"`
	Topic string `json:"topic"`
	Data  []byte `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{}

// Hub exposes a backing Transport to remote WebSocket clients. Each client
// may publish to and watch any topic of the backing transport.
type Hub struct {
	backing Transport
}

// NewHub returns a Hub bridging WebSocket clients onto backing.
func NewHub(backing Transport) *Hub {
	return &Hub{backing: backing}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	defer conn.Close()

	var wmu sync.Mutex
	write := func(m wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(m)
	}

	watched := make(map[string]chan []byte)
	defer func() {
		for topic, ch := range watched {
			_ = h.backing.Unwatch(context.Background(), topic, ch)
		}
	}()

	for {
		var m wsMessage
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		switch m.Op {
		case opPublish:
			_ = h.backing.Publish(ctx, m.Topic, m.Data)
		case opSubscribe:
			if _, ok := watched[m.Topic]; !ok {
				ch, err := h.backing.Watch(ctx, m.Topic)
				if err != nil {
					return
				}
				watched[m.Topic] = ch
				go func(topic string, ch chan []byte) {
					for data := range ch {
						if err := write(wsMessage{Op: opMessage, Topic: topic, Data: data}); err != nil {
							cancel()
							return
						}
					}
				}(m.Topic, ch)
			}
			if err := write(wsMessage{Op: opAck, Topic: m.Topic}); err != nil {
				return
			}
		case opUnsubscribe:
			if ch, ok := watched[m.Topic]; ok {
				delete(watched, m.Topic)
				_ = h.backing.Unwatch(context.Background(), m.Topic, ch)
			}
		}
	}
}

// WebSocket is a Transport client talking to a Hub.
type WebSocket struct {
	conn *websocket.Conn
	reg  *registry

	wmu sync.Mutex

	mu     sync.Mutex
	acks   map[string][]chan struct{}
	closed chan struct{}
	once   sync.Once
}

// DialWebSocket connects to a Hub at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	b := &WebSocket{
		conn:   conn,
		reg:    newRegistry(),
		acks:   make(map[string][]chan struct{}),
		closed: make(chan struct{}),
	}
	go b.readLoop()
	return b, nil
}

func (b *WebSocket) write(m wsMessage) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	select {
	case <-b.closed:
		return warperrors.ErrConnectionClosed
	default:
	}
	return b.conn.WriteJSON(m)
}

func (b *WebSocket) readLoop() {
	defer b.shutdown()
	for {
		var m wsMessage
		if err := b.conn.ReadJSON(&m); err != nil {
			return
		}
		switch m.Op {
		case opMessage:
			_ = b.reg.dispatch(context.Background(), m.Topic, m.Data)
		case opAck:
			b.mu.Lock()
			waiters := b.acks[m.Topic]
			delete(b.acks, m.Topic)
			b.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
		}
	}
}

// Publish implements Transport.Publish.
func (b *WebSocket) Publish(ctx context.Context, topic string, data []byte) error {
	return b.write(wsMessage{Op: opPublish, Topic: topic, Data: data})
}

// Watch implements Transport.Watch. It returns once the hub acknowledged
// the subscription.
func (b *WebSocket) Watch(ctx context.Context, topic string) (chan []byte, error) {
	s := newSubscriber(defaultBuffer)
	if b.reg.add(topic, s) {
		ack := make(chan struct{})
		b.mu.Lock()
		b.acks[topic] = append(b.acks[topic], ack)
		b.mu.Unlock()
		if err := b.write(wsMessage{Op: opSubscribe, Topic: topic}); err != nil {
			b.reg.remove(topic, s.ch)
			return nil, err
		}
		select {
		case <-ack:
		case <-b.closed:
			b.reg.remove(topic, s.ch)
			return nil, warperrors.ErrConnectionClosed
		case <-ctx.Done():
			b.reg.remove(topic, s.ch)
			return nil, ctx.Err()
		case <-time.After(wsAckTimeout):
			b.reg.remove(topic, s.ch)
			return nil, errors.Join(warperrors.ErrTimeout, errors.New("websocket: subscribe not acknowledged"))
		}
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

// Unwatch implements Transport.Unwatch.
func (b *WebSocket) Unwatch(ctx context.Context, topic string, ch chan []byte) error {
	empty, found := b.reg.remove(topic, ch)
	if !found || !empty {
		return nil
	}
	err := b.write(wsMessage{Op: opUnsubscribe, Topic: topic})
	if errors.Is(err, warperrors.ErrConnectionClosed) {
		return nil
	}
	return err
}

// Done is closed once the connection to the hub is lost or closed.
func (b *WebSocket) Done() <-chan struct{} { return b.closed }

func (b *WebSocket) shutdown() {
	b.once.Do(func() {
		close(b.closed)
		b.reg.closeAll()
	})
}

// Close implements Transport.Close.
func (b *WebSocket) Close() error {
	b.wmu.Lock()
	_ = b.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	b.wmu.Unlock()
	err := b.conn.Close()
	b.shutdown()
	return err
}
