package authority

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mirkobrombin/go-warden/v1/device"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/wire"
	"github.com/mirkobrombin/go-warden/v1/world"
)

type recorder struct {
	mu      sync.Mutex
	msgs    []wire.LockBatchBroadcast
	notices map[int32][]string
}

func (r *recorder) Broadcast(_ context.Context, msg wire.LockBatchBroadcast) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Notice(holder int32, text string) {
	r.mu.Lock()
	if r.notices == nil {
		r.notices = make(map[int32][]string)
	}
	r.notices[holder] = append(r.notices[holder], text)
	r.mu.Unlock()
}

func (r *recorder) last() wire.LockBatchBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs[len(r.msgs)-1]
}

type fixture struct {
	auth  *Authority
	world *world.Memory
	table *lock.InMemory
	rec   *recorder
	a, b  device.Resource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	w := world.NewMemory()
	a := w.Place(0, device.Vec3i{X: 1, Y: 0, Z: 1}, device.KindLeaf)
	b := w.Place(0, device.Vec3i{X: 1, Y: 0, Z: 2}, device.KindLeaf)
	w.SetAlive(7, true)
	w.SetAlive(9, true)
	table := lock.NewInMemory(w.Alive)
	rec := &recorder{}
	auth, err := New(Config{
		Table:       table,
		Resolver:    w,
		Liveness:    w,
		Policy:      w,
		Notifier:    rec,
		Broadcaster: rec,
	})
	if err != nil {
		t.Fatalf("new authority: %v", err)
	}
	return &fixture{auth: auth, world: w, table: table, rec: rec, a: a, b: b}
}

func (f *fixture) snapshot(t *testing.T) map[string]int32 {
	t.Helper()
	entries, err := f.table.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	out := make(map[string]int32, len(entries))
	for _, e := range entries {
		out[e.Resource.Key()] = e.Holder
	}
	return out
}

func positional(r device.Resource) device.Resource { return device.At(r.Zone, r.Pos) }

func TestBatchScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := device.Batch{Entries: []device.Resource{positional(f.a), positional(f.b)}, Holder: 7, Context: "panel"}

	out, err := f.auth.AcquireAll(ctx, batch)
	if err != nil || out != wire.Granted {
		t.Fatalf("expected grant, got %v %v", out, err)
	}
	snap := f.snapshot(t)
	if len(snap) != 2 || snap[f.a.Key()] != 7 || snap[f.b.Key()] != 7 {
		t.Fatalf("unexpected table %v", snap)
	}
	if msg := f.rec.last(); msg.Outcome != wire.Granted || msg.Primary != f.a || msg.RequesterID != 7 {
		t.Fatalf("unexpected broadcast %+v", msg)
	}

	other := device.Batch{Entries: []device.Resource{positional(f.a)}, Holder: 9, Context: "panel"}
	out, err = f.auth.AcquireAll(ctx, other)
	if out != wire.Denied || !errors.Is(err, warperrors.ErrContention) {
		t.Fatalf("expected contention, got %v %v", out, err)
	}
	if snap := f.snapshot(t); len(snap) != 2 || snap[f.a.Key()] != 7 {
		t.Fatalf("table changed by denied batch: %v", snap)
	}
	if got := f.rec.notices[9]; len(got) != 1 || got[0] != NoticeInUse {
		t.Fatalf("unexpected notices %v", got)
	}
	if msg := f.rec.last(); msg.Outcome != wire.Denied || msg.RequesterID != 9 {
		t.Fatalf("unexpected broadcast %+v", msg)
	}

	if err := f.auth.ReleaseAll(ctx, batch); err != nil {
		t.Fatalf("release: %v", err)
	}
	if snap := f.snapshot(t); len(snap) != 0 {
		t.Fatalf("expected empty table, got %v", snap)
	}
	if out, err := f.auth.AcquireAll(ctx, other); err != nil || out != wire.Granted {
		t.Fatalf("expected grant after release, got %v %v", out, err)
	}
}

func TestAllOrNothingRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if ok, _ := f.table.TryAcquire(ctx, f.b, 9); !ok {
		t.Fatal("seed lock failed")
	}
	out, err := f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a, f.b}, Holder: 7})
	if out != wire.Denied || err == nil {
		t.Fatalf("expected denial, got %v %v", out, err)
	}
	snap := f.snapshot(t)
	if len(snap) != 1 || snap[f.b.Key()] != 9 {
		t.Fatalf("partial grant left behind: %v", snap)
	}
}

func TestIdempotentRerequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	batch := device.Batch{Entries: []device.Resource{f.a, f.b}, Holder: 7}
	for i := 0; i < 2; i++ {
		if out, err := f.auth.AcquireAll(ctx, batch); err != nil || out != wire.Granted {
			t.Fatalf("attempt %d: %v %v", i, out, err)
		}
	}
	if snap := f.snapshot(t); len(snap) != 2 {
		t.Fatalf("unexpected table %v", snap)
	}

	// a failed extension does not roll back what the holder already had
	c := f.world.Place(0, device.Vec3i{X: 9}, device.KindLeaf)
	_, _ = f.table.TryAcquire(ctx, c, 9)
	if out, _ := f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a, c}, Holder: 7}); out != wire.Denied {
		t.Fatal("expected denial")
	}
	if snap := f.snapshot(t); snap[f.a.Key()] != 7 {
		t.Fatalf("held entry rolled back: %v", snap)
	}
}

func TestDeadRequesterDeniedSilently(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.table.TryAcquire(ctx, f.a, 9)
	f.world.SetAlive(7, false)
	out, _ := f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a}, Holder: 7})
	if out != wire.Denied {
		t.Fatal("expected denial")
	}
	if len(f.rec.notices) != 0 || len(f.rec.msgs) != 0 {
		t.Fatalf("dead requester was notified: %v %v", f.rec.notices, f.rec.msgs)
	}
}

func TestStaleLockOfDeadHolderIsTaken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.table.TryAcquire(ctx, f.a, 9)
	f.world.SetAlive(9, false)
	if out, err := f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a}, Holder: 7}); out != wire.Granted {
		t.Fatalf("expected grant over dead holder, got %v", err)
	}
}

func TestPolicyAndResolutionDenials(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.world.Deny(7, f.b)
	_, err := f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a, f.b}, Holder: 7})
	if !errors.Is(err, warperrors.ErrPolicyViolation) {
		t.Fatalf("expected policy violation, got %v", err)
	}
	_, err = f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{device.At(0, device.Vec3i{X: 50})}, Holder: 7})
	if !errors.Is(err, warperrors.ErrResolution) {
		t.Fatalf("expected resolution failure, got %v", err)
	}
	if got := f.rec.notices[7]; len(got) != 2 || got[0] != NoticeDenied || got[1] != NoticeNotFound {
		t.Fatalf("unexpected notices %v", got)
	}
	if snap := f.snapshot(t); len(snap) != 0 {
		t.Fatalf("expected empty table, got %v", snap)
	}
}

func TestReleaseAllEdgeCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a, f.b}, Holder: 7})

	// another live holder cannot release 7's locks
	if err := f.auth.ReleaseAll(ctx, device.Batch{Entries: []device.Resource{f.a}, Holder: 9}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if snap := f.snapshot(t); len(snap) != 2 {
		t.Fatalf("foreign release removed entries: %v", snap)
	}

	// device gone: id addressed entries are purged by id
	f.world.Destroy(f.a)
	if err := f.auth.ReleaseAll(ctx, device.Batch{Entries: []device.Resource{f.a}, Holder: 7}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if snap := f.snapshot(t); len(snap) != 1 {
		t.Fatalf("expected purge of destroyed device, got %v", snap)
	}

	// a stale positional entry aborts the rest of the unlock
	stale := device.Batch{Entries: []device.Resource{positional(f.a), f.b}, Holder: 7}
	if err := f.auth.ReleaseAll(ctx, stale); err != nil {
		t.Fatalf("release: %v", err)
	}
	if snap := f.snapshot(t); snap[f.b.Key()] != 7 {
		t.Fatalf("stale unlock continued: %v", snap)
	}
}

func TestReleaseAllFreesDeadHolderEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.auth.AcquireAll(ctx, device.Batch{Entries: []device.Resource{f.a, f.b}, Holder: 7})

	f.world.SetAlive(7, false)
	if err := f.auth.ReleaseAll(ctx, device.Batch{Entries: []device.Resource{f.a}, Holder: 9}); err != nil {
		t.Fatalf("release: %v", err)
	}
	f.world.SetAlive(7, true)
	snap := f.snapshot(t)
	if _, ok := snap[f.a.Key()]; ok {
		t.Fatalf("dead holder's entry survived: %v", snap)
	}
	if snap[f.b.Key()] != 7 {
		t.Fatalf("entry outside the batch released: %v", snap)
	}
}

func TestLockForClientHandoff(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.auth.LockForClient(ctx, LockRequest{Resource: f.a, Holder: 7})
	if err != nil || !ok {
		t.Fatalf("lock a: %v %v", ok, err)
	}
	prev := f.a
	ok, err = f.auth.LockForClient(ctx, LockRequest{Resource: f.a, Holder: 7, Previous: &prev})
	if err != nil || !ok {
		t.Fatalf("same device: %v %v", ok, err)
	}
	ok, err = f.auth.LockForClient(ctx, LockRequest{Resource: f.b, Holder: 7, Previous: &prev})
	if err != nil || !ok {
		t.Fatalf("handoff: %v %v", ok, err)
	}
	snap := f.snapshot(t)
	if len(snap) != 1 || snap[f.b.Key()] != 7 {
		t.Fatalf("unexpected table after handoff %v", snap)
	}

	// denied target still releases previous
	prev = f.b
	ok, err = f.auth.LockForClient(ctx, LockRequest{Resource: f.a, Holder: 9})
	if err != nil || !ok {
		t.Fatalf("holder 9: %v %v", ok, err)
	}
	ok, err = f.auth.LockForClient(ctx, LockRequest{Resource: f.a, Holder: 7, Previous: &prev})
	if err != nil || ok {
		t.Fatalf("expected denial, got %v %v", ok, err)
	}
	snap = f.snapshot(t)
	if len(snap) != 1 || snap[f.a.Key()] != 9 {
		t.Fatalf("unexpected table after denied handoff %v", snap)
	}
}

func TestRegisterAndHandleBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reg := rpc.NewRegistry()
	if err := f.auth.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	gw, err := rpc.NewGateway(reg, nil, rpc.Config{NodeID: 1, Authority: true, AllowList: Endpoints()})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	granted := false
	err = gw.Call(ctx, EndpointLockForClient, LockRequest{Resource: f.a, Holder: 7}, rpc.Callbacks{
		OnSuccess: func(r rpc.Result) { granted, _ = rpc.As[bool](r) },
	}, 7, -1)
	if err != nil || !granted {
		t.Fatalf("call: %v granted %v", err, granted)
	}

	req := wire.FromBatch(wire.Unlock, device.Batch{Entries: []device.Resource{f.a}, Holder: 7})
	if err := f.auth.HandleBatch(ctx, req); err != nil {
		t.Fatalf("unlock batch: %v", err)
	}
	req = wire.FromBatch(wire.Lock, device.Batch{Entries: []device.Resource{f.a, f.b}, Holder: 9})
	if err := f.auth.HandleBatch(ctx, req); err != nil {
		t.Fatalf("lock batch: %v", err)
	}
	if snap := f.snapshot(t); len(snap) != 2 || snap[f.a.Key()] != 9 {
		t.Fatalf("unexpected table %v", snap)
	}
}
