package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mirkobrombin/go-warden/v1/authority"
	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/transport"
	"github.com/mirkobrombin/go-warden/v1/wire"
	"github.com/mirkobrombin/go-warden/v1/world"
)

type cluster struct {
	tr     *transport.InMemory
	world  *world.Memory
	table  *lock.InMemory
	server *Node
	a, b   device.Resource
}

func newAuthorityNode(t *testing.T, tr transport.Transport, w *world.Memory, table lock.Table, presence *Presence) *Node {
	t.Helper()
	auth, err := authority.New(authority.Config{Table: table, Resolver: w, Liveness: w, Policy: w})
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	reg := rpc.NewRegistry()
	if err := auth.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	gw, err := rpc.NewGateway(reg, tr, rpc.Config{NodeID: 1, Authority: true, AllowList: authority.Endpoints()})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	n, err := New(Config{ID: 1, Transport: tr, Gateway: gw, Authority: auth, Presence: presence})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	return n
}

func newClientNode(t *testing.T, tr transport.Transport, id int32, heartbeat time.Duration) *Node {
	t.Helper()
	reg := rpc.NewRegistry()
	_ = rpc.Register(reg, authority.EndpointLockForClient, func(context.Context, authority.LockRequest) (bool, error) {
		return false, nil
	})
	gw, err := rpc.NewGateway(reg, tr, rpc.Config{NodeID: id, AllowList: authority.Endpoints()})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	n, err := New(Config{ID: id, Transport: tr, Gateway: gw, Heartbeat: heartbeat})
	if err != nil {
		t.Fatalf("node: %v", err)
	}
	return n
}

func start(t *testing.T, n *Node) {
	t.Helper()
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	tr := transport.NewInMemory()
	w := world.NewMemory()
	a := w.Place(0, device.Vec3i{X: 1, Z: 1}, device.KindLeaf)
	b := w.Place(0, device.Vec3i{X: 1, Z: 2}, device.KindLeaf)
	for _, id := range []int32{1, 3, 4} {
		w.SetAlive(id, true)
	}
	table := lock.NewInMemory(w.Alive)
	server := newAuthorityNode(t, tr, w, table, nil)
	start(t, server)
	return &cluster{tr: tr, world: w, table: table, server: server, a: a, b: b}
}

type inbox struct {
	mu         sync.Mutex
	broadcasts []wire.LockBatchBroadcast
	notices    []wire.Notice
}

func (in *inbox) watch(n *Node) {
	n.OnBroadcast(func(m wire.LockBatchBroadcast) {
		in.mu.Lock()
		in.broadcasts = append(in.broadcasts, m)
		in.mu.Unlock()
	})
	n.OnNotice(func(m wire.Notice) {
		in.mu.Lock()
		in.notices = append(in.notices, m)
		in.mu.Unlock()
	})
}

func (in *inbox) broadcast(i int) wire.LockBatchBroadcast {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.broadcasts[i]
}

func (in *inbox) notice(i int) wire.Notice {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.notices[i]
}

func (in *inbox) counts() (int, int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.broadcasts), len(in.notices)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewRejectsRoleMismatch(t *testing.T) {
	tr := transport.NewInMemory()
	reg := rpc.NewRegistry()
	gw, _ := rpc.NewGateway(reg, tr, rpc.Config{NodeID: 1, Authority: true})
	if _, err := New(Config{ID: 1, Transport: tr, Gateway: gw}); err == nil {
		t.Fatal("expected role mismatch error")
	}
}

func TestClientLockIsForwardedAndBroadcast(t *testing.T) {
	c := newCluster(t)
	client := newClientNode(t, c.tr, 3, 0)
	peer := newClientNode(t, c.tr, 4, 0)
	var mine, theirs, server inbox
	mine.watch(client)
	theirs.watch(peer)
	server.watch(c.server)
	start(t, client)
	start(t, peer)

	ctx := context.Background()
	batch := device.Batch{Entries: []device.Resource{c.a, c.b}, Holder: 3, Context: "panel"}
	if err := client.Lock(ctx, batch); err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitFor(t, func() bool {
		b1, _ := mine.counts()
		b2, _ := theirs.counts()
		b3, _ := server.counts()
		return b1 == 1 && b2 == 1 && b3 == 1
	})
	if got := mine.broadcast(0); got.Outcome != wire.Granted || got.RequesterID != 3 || got.Primary != c.a {
		t.Fatalf("unexpected broadcast %+v", got)
	}

	// the peer's denial goes to the peer only, with a notice
	if err := peer.Lock(ctx, device.Batch{Entries: []device.Resource{c.a}, Holder: 4}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitFor(t, func() bool {
		b, n := theirs.counts()
		return b == 2 && n == 1
	})
	if got := theirs.broadcast(1); got.Outcome != wire.Denied {
		t.Fatalf("expected denial, got %+v", got)
	}
	if got := theirs.notice(0); got.Text != authority.NoticeInUse {
		t.Fatalf("unexpected notice %+v", got)
	}
	time.Sleep(20 * time.Millisecond)
	if b, _ := mine.counts(); b != 1 {
		t.Fatalf("denial leaked to another client: %d broadcasts", b)
	}

	if err := client.Unlock(ctx, batch); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	waitFor(t, func() bool {
		snap, _ := c.table.Snapshot(ctx)
		return len(snap) == 0
	})
}

func TestAuthorityNoticesWithoutExplicitNotifier(t *testing.T) {
	c := newCluster(t)
	client := newClientNode(t, c.tr, 3, 0)
	var local inbox
	local.watch(c.server)
	start(t, client)

	ctx := context.Background()
	if err := client.Lock(ctx, device.Batch{Entries: []device.Resource{c.a}, Holder: 3}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitFor(t, func() bool {
		h, ok, _ := c.table.Holder(ctx, c.a)
		return ok && h == 3
	})

	if err := c.server.Lock(ctx, device.Batch{Entries: []device.Resource{c.a}, Holder: 1}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitFor(t, func() bool {
		_, n := local.counts()
		return n == 1
	})
	if got := local.notice(0); got.Holder != 1 || got.Text != authority.NoticeInUse {
		t.Fatalf("unexpected notice %+v", got)
	}
}

func TestClientCallReachesAuthority(t *testing.T) {
	c := newCluster(t)
	client := newClientNode(t, c.tr, 3, 0)
	start(t, client)

	done := make(chan bool, 1)
	err := client.Gateway().Call(context.Background(), authority.EndpointLockForClient,
		authority.LockRequest{Resource: c.a, Holder: 3}, rpc.Callbacks{
			OnSuccess: func(r rpc.Result) {
				ok, _ := rpc.As[bool](r)
				done <- ok
			},
			OnError:   func(error) { done <- false },
			OnTimeout: func() { done <- false },
		}, 3, 2*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected lock granted")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no callback")
	}
	if h, ok, _ := c.table.Holder(context.Background(), c.a); !ok || h != 3 {
		t.Fatalf("expected holder 3, got %d %v", h, ok)
	}
}

func TestPresenceExpiryReleasesLocks(t *testing.T) {
	tr := transport.NewInMemory()
	w := world.NewMemory()
	a := w.Place(0, device.Vec3i{X: 1}, device.KindLeaf)
	table := lock.NewInMemory(w.Alive)
	var server *Node
	presence, err := NewPresence(50*time.Millisecond, w.SetAlive, func(id int32) {
		_, _ = server.Authority().ReleaseHolder(context.Background(), id)
	})
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	server = newAuthorityNode(t, tr, w, table, presence)
	start(t, server)

	client := newClientNode(t, tr, 3, 10*time.Millisecond)
	start(t, client)
	waitFor(t, func() bool { return w.Alive(3) })

	ctx := context.Background()
	if err := client.Lock(ctx, device.Batch{Entries: []device.Resource{a}, Holder: 3}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	waitFor(t, func() bool {
		h, ok, _ := table.Holder(ctx, a)
		return ok && h == 3
	})

	_ = client.Close()
	waitFor(t, func() bool {
		_, ok, _ := table.Holder(ctx, a)
		return !ok && !w.Alive(3) && presence.Active() == 0
	})
}

func TestPresenceLeaseExpires(t *testing.T) {
	var mu sync.Mutex
	marks := map[int32]bool{}
	expired := make(chan int32, 1)
	p, err := NewPresence(20*time.Millisecond, func(id int32, alive bool) {
		mu.Lock()
		marks[id] = alive
		mu.Unlock()
	}, func(id int32) { expired <- id })
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	defer p.Stop()
	p.Touch(5)
	select {
	case id := <-expired:
		if id != 5 {
			t.Fatalf("unexpected id %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("lease did not expire")
	}
	mu.Lock()
	defer mu.Unlock()
	if marks[5] {
		t.Fatal("expired client still marked alive")
	}
	if _, err := NewPresence(0, nil, nil); err != ErrInvalidPresenceTTL {
		t.Fatalf("expected ErrInvalidPresenceTTL, got %v", err)
	}
}
