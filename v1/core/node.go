// Package core ties a warden node together: it owns the transport pumps,
// routes envelopes to the rpc gateway and the lock authority, and tells
// local listeners about lock outcomes and notices.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/authority"
	"github.com/mirkobrombin/go-warden/v1/device"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/logutil"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/transport"
	"github.com/mirkobrombin/go-warden/v1/wire"
)

// Config configures a Node.
type Config struct {
	ID        int32
	Transport transport.Transport
	Gateway   *rpc.Gateway
	// Authority makes this node the authority. Nil for clients.
	Authority *authority.Authority
	// Presence tracks client heartbeats on the authority.
	Presence *Presence
	// Heartbeat is the client heartbeat period. Zero disables heartbeats.
	Heartbeat time.Duration
	Logger    pslog.Logger
}

// Node is the explicit context every lock operation runs in.
type Node struct {
	id        int32
	tr        transport.Transport
	gw        *rpc.Gateway
	auth      *authority.Authority
	presence  *Presence
	heartbeat time.Duration
	logger    pslog.Logger

	mu         sync.Mutex
	nextL      int
	broadcasts map[int]func(wire.LockBatchBroadcast)
	notices    map[int]func(wire.Notice)

	group *errgroup.Group
	stop  context.CancelFunc
}

// New returns a Node. The authority, when given, broadcasts through it.
func New(cfg Config) (*Node, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("core: transport required")
	}
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("core: gateway required")
	}
	if cfg.Gateway.Authority() != (cfg.Authority != nil) {
		return nil, fmt.Errorf("core: gateway and node disagree on authority role")
	}
	n := &Node{
		id:         cfg.ID,
		tr:         cfg.Transport,
		gw:         cfg.Gateway,
		auth:       cfg.Authority,
		presence:   cfg.Presence,
		heartbeat:  cfg.Heartbeat,
		logger:     logutil.WithSubsystem(cfg.Logger, "node").With("node", cfg.ID),
		broadcasts: make(map[int]func(wire.LockBatchBroadcast)),
		notices:    make(map[int]func(wire.Notice)),
	}
	if n.auth != nil {
		n.auth.SetBroadcaster(n)
		n.auth.SetNotifier(n)
	}
	return n, nil
}

// ID returns the node id, which is also its holder id.
func (n *Node) ID() int32 { return n.id }

// IsAuthority reports whether the node owns the lock table.
func (n *Node) IsAuthority() bool { return n.auth != nil }

// Gateway returns the rpc gateway of the node.
func (n *Node) Gateway() *rpc.Gateway { return n.gw }

// Authority returns the lock authority, nil on clients.
func (n *Node) Authority() *authority.Authority { return n.auth }

// Lock requests b. The authority decides in-process; a client forwards the
// batch and learns the outcome from the broadcast. Denials are not errors.
func (n *Node) Lock(ctx context.Context, b device.Batch) error {
	return n.submit(ctx, wire.Lock, b)
}

// Unlock releases b.
func (n *Node) Unlock(ctx context.Context, b device.Batch) error {
	return n.submit(ctx, wire.Unlock, b)
}

func (n *Node) submit(ctx context.Context, kind wire.LockKind, b device.Batch) error {
	if len(b.Entries) == 0 {
		return nil
	}
	req := wire.FromBatch(kind, b)
	if n.auth != nil {
		return n.auth.HandleBatch(ctx, req)
	}
	data, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return n.tr.Publish(ctx, wire.TopicLocks, data)
}

// Broadcast delivers a batch outcome: grants to every node, denials to the
// requester only.
func (n *Node) Broadcast(ctx context.Context, msg wire.LockBatchBroadcast) error {
	if msg.Outcome == wire.Denied {
		if msg.RequesterID == n.id {
			n.dispatchBroadcast(msg)
			return nil
		}
		return n.send(ctx, wire.NodeTopic(msg.RequesterID), wire.KindBroadcast, nil, msg)
	}
	n.dispatchBroadcast(msg)
	self := n.id
	return n.send(ctx, wire.TopicPeers, wire.KindBroadcast, &self, msg)
}

// Notice implements world.Notifier.
func (n *Node) Notice(holder int32, text string) {
	msg := wire.Notice{Holder: holder, Text: text}
	if holder == n.id {
		n.dispatchNotice(msg)
		return
	}
	if err := n.send(context.Background(), wire.NodeTopic(holder), wire.KindNotice, nil, msg); err != nil {
		n.logger.Warn("node.notice.send_failed", "holder", holder, "error", err)
	}
}

func (n *Node) send(ctx context.Context, topic, kind string, exclude *int32, body any) error {
	data, err := wire.Seal(kind, n.id, exclude, body)
	if err != nil {
		return err
	}
	return n.tr.Publish(ctx, topic, data)
}

// OnBroadcast registers fn for every batch outcome this node observes.
func (n *Node) OnBroadcast(fn func(wire.LockBatchBroadcast)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextL
	n.nextL++
	n.broadcasts[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.broadcasts, id)
		n.mu.Unlock()
	}
}

// OnNotice registers fn for notices addressed to this node.
func (n *Node) OnNotice(fn func(wire.Notice)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.nextL
	n.nextL++
	n.notices[id] = fn
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		delete(n.notices, id)
		n.mu.Unlock()
	}
}

func (n *Node) dispatchBroadcast(msg wire.LockBatchBroadcast) {
	n.mu.Lock()
	fns := make([]func(wire.LockBatchBroadcast), 0, len(n.broadcasts))
	for _, fn := range n.broadcasts {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (n *Node) dispatchNotice(msg wire.Notice) {
	n.mu.Lock()
	fns := make([]func(wire.Notice), 0, len(n.notices))
	for _, fn := range n.notices {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

// Start subscribes to the node topics and starts one pump per topic. The
// subscriptions are in place when Start returns.
//
// Transports order messages within a topic only. On the authority a client's
// unlock on warden.locks can overtake its earlier call on warden.calls, so a
// grant may land after the client gave up on it. The client gateway hands
// such a grant to the session's OnLate handler, which releases it; a client
// that is gone altogether is covered by the presence leave.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	topics := []string{wire.TopicPeers, wire.NodeTopic(n.id)}
	if n.auth != nil {
		topics = append(topics, wire.TopicCalls, wire.TopicLocks, wire.TopicPresence)
	}
	chans := make([]chan []byte, 0, len(topics))
	for _, topic := range topics {
		ch, err := n.tr.Watch(ctx, topic)
		if err != nil {
			cancel()
			return fmt.Errorf("core: watch %s: %w", topic, err)
		}
		chans = append(chans, ch)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range topics {
		topic, ch := topics[i], chans[i]
		g.Go(func() error {
			n.pump(gctx, topic, ch)
			return nil
		})
	}
	if n.auth == nil && n.heartbeat > 0 {
		g.Go(func() error {
			n.beat(gctx)
			return nil
		})
	}
	n.mu.Lock()
	n.group = g
	n.stop = cancel
	n.mu.Unlock()
	n.logger.Info("node.started", "authority", n.auth != nil, "topics", len(topics))
	return nil
}

// Wait blocks until the pumps exit.
func (n *Node) Wait() error {
	n.mu.Lock()
	g := n.group
	n.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Run starts the node and blocks until ctx ends.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Start(ctx); err != nil {
		return err
	}
	return n.Wait()
}

// Close stops the pumps, tells the authority this client leaves and fails
// the outstanding calls.
func (n *Node) Close() error {
	n.mu.Lock()
	stop := n.stop
	n.mu.Unlock()
	if stop != nil {
		stop()
	}
	err := n.Wait()
	if n.auth == nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := n.send(ctx, wire.TopicPresence, wire.KindLeave, nil, struct{}{}); err != nil {
			n.logger.Debug("node.leave.failed", "error", err)
		}
		cancel()
	}
	if n.presence != nil {
		n.presence.Stop()
	}
	return errors.Join(err, n.gw.Close())
}

func (n *Node) pump(ctx context.Context, topic string, ch chan []byte) {
	defer func() { _ = n.tr.Unwatch(context.Background(), topic, ch) }()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			n.handle(ctx, topic, data)
		}
	}
}

func (n *Node) handle(ctx context.Context, topic string, data []byte) {
	if topic == wire.TopicLocks {
		var req wire.LockBatchRequest
		if err := req.UnmarshalBinary(data); err != nil {
			n.logger.Warn("node.lockbatch.decode_failed", "error", err)
			return
		}
		if err := n.auth.HandleBatch(ctx, req); err != nil {
			n.logger.Error("node.lockbatch.failed", "requester", req.RequesterID, "kind", req.Kind.String(), "error", err)
		}
		return
	}

	env, err := wire.Open(data)
	if err != nil {
		n.logger.Warn("node.envelope.decode_failed", "topic", topic, "error", err)
		return
	}
	if env.Skips(n.id) {
		return
	}
	switch env.Kind {
	case wire.KindCall:
		if n.auth == nil {
			return
		}
		var req wire.CallRequest
		if err := env.Decode(&req); err != nil {
			n.logger.Warn("node.call.decode_failed", "from", env.From, "error", err)
			return
		}
		if err := n.gw.ServeRequest(ctx, req); err != nil {
			n.logger.Error("node.call.reply_failed", "caller", req.CallerID, "error", err)
		}
	case wire.KindResponse:
		var resp wire.CallResponse
		if err := env.Decode(&resp); err != nil {
			n.logger.Warn("node.response.decode_failed", "error", err)
			return
		}
		n.gw.HandleResponse(resp)
	case wire.KindBroadcast:
		var msg wire.LockBatchBroadcast
		if err := env.Decode(&msg); err != nil {
			n.logger.Warn("node.broadcast.decode_failed", "error", err)
			return
		}
		n.dispatchBroadcast(msg)
	case wire.KindNotice:
		var msg wire.Notice
		if err := env.Decode(&msg); err != nil {
			n.logger.Warn("node.notice.decode_failed", "error", err)
			return
		}
		n.dispatchNotice(msg)
	case wire.KindHeartbeat:
		if n.presence != nil {
			n.presence.Touch(env.From)
		}
	case wire.KindLeave:
		if n.presence != nil {
			n.presence.Leave(env.From)
		}
	default:
		n.logger.Warn("node.envelope.unknown_kind", "kind", env.Kind, "from", env.From, "error", warperrors.ErrPolicyViolation)
	}
}

func (n *Node) beat(ctx context.Context) {
	ticker := time.NewTicker(n.heartbeat)
	defer ticker.Stop()
	for {
		if err := n.send(ctx, wire.TopicPresence, wire.KindHeartbeat, nil, struct{}{}); err != nil && ctx.Err() == nil {
			n.logger.Warn("node.heartbeat.failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
