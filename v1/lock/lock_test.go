package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/transport"
)

type liveSet struct {
	mu   sync.Mutex
	dead map[int32]bool
}

func (l *liveSet) alive(h int32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead[h]
}

func (l *liveSet) kill(h int32) {
	l.mu.Lock()
	l.dead[h] = true
	l.mu.Unlock()
}

func newRedisTable(t *testing.T, alive Liveness, opts ...Option) *Redis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedis(client, alive, opts...)
}

func forEachTable(t *testing.T, fn func(t *testing.T, tbl Table, live *liveSet)) {
	t.Run("memory", func(t *testing.T) {
		live := &liveSet{dead: map[int32]bool{}}
		fn(t, NewInMemory(live.alive), live)
	})
	t.Run("redis", func(t *testing.T) {
		live := &liveSet{dead: map[int32]bool{}}
		fn(t, newRedisTable(t, live.alive), live)
	})
}

var res = device.At(1, device.Vec3i{X: 1, Y: 2, Z: 3})

func TestTryAcquireSingleHolder(t *testing.T) {
	forEachTable(t, func(t *testing.T, tbl Table, _ *liveSet) {
		ctx := context.Background()
		if ok, err := tbl.TryAcquire(ctx, res, 7); err != nil || !ok {
			t.Fatalf("acquire: ok %v err %v", ok, err)
		}
		if ok, err := tbl.TryAcquire(ctx, res, 9); err != nil || ok {
			t.Fatalf("expected contention, ok %v err %v", ok, err)
		}
		if ok, err := tbl.TryAcquire(ctx, res, 7); err != nil || !ok {
			t.Fatalf("re-acquire by holder: ok %v err %v", ok, err)
		}
		h, ok, err := tbl.Holder(ctx, res)
		if err != nil || !ok || h != 7 {
			t.Fatalf("holder: %d %v %v", h, ok, err)
		}
		if err := tbl.Release(ctx, res); err != nil {
			t.Fatalf("release: %v", err)
		}
		if err := tbl.Release(ctx, res); err != nil {
			t.Fatalf("release of free resource: %v", err)
		}
		if ok, err := tbl.TryAcquire(ctx, res, 9); err != nil || !ok {
			t.Fatalf("acquire after release: ok %v err %v", ok, err)
		}
	})
}

func TestDeadHolderIsTakenOver(t *testing.T) {
	forEachTable(t, func(t *testing.T, tbl Table, live *liveSet) {
		ctx := context.Background()
		if ok, _ := tbl.TryAcquire(ctx, res, 7); !ok {
			t.Fatal("acquire failed")
		}
		live.kill(7)
		held, err := tbl.IsHeldByLiveHolder(ctx, res)
		if err != nil || held {
			t.Fatalf("stale entry reported live: %v %v", held, err)
		}
		// stale entries are not evicted until someone asks
		if _, ok, _ := tbl.Holder(ctx, res); !ok {
			t.Fatal("stale entry evicted proactively")
		}
		if ok, err := tbl.TryAcquire(ctx, res, 9); err != nil || !ok {
			t.Fatalf("take over: ok %v err %v", ok, err)
		}
		if h, _, _ := tbl.Holder(ctx, res); h != 9 {
			t.Fatalf("expected holder 9, got %d", h)
		}
	})
}

func TestReleaseHolderAndEntity(t *testing.T) {
	forEachTable(t, func(t *testing.T, tbl Table, _ *liveSet) {
		ctx := context.Background()
		a := device.Resource{Zone: 1, Pos: device.Vec3i{X: 1}, EntityID: 40}
		b := device.Resource{Zone: 1, Pos: device.Vec3i{X: 2}, EntityID: 41}
		c := device.At(1, device.Vec3i{X: 3})
		_, _ = tbl.TryAcquire(ctx, a, 7)
		_, _ = tbl.TryAcquire(ctx, b, 7)
		_, _ = tbl.TryAcquire(ctx, c, 9)

		n, err := tbl.ReleaseEntity(ctx, 41)
		if err != nil || n != 1 {
			t.Fatalf("release entity: %d %v", n, err)
		}
		if n, _ := tbl.ReleaseEntity(ctx, device.ResolveByPosition); n != 0 {
			t.Fatalf("positional sentinel released %d entries", n)
		}
		n, err = tbl.ReleaseHolder(ctx, 7)
		if err != nil || n != 1 {
			t.Fatalf("release holder: %d %v", n, err)
		}
		snap, err := tbl.Snapshot(ctx)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap) != 1 || snap[0].Holder != 9 || snap[0].Resource != c {
			t.Fatalf("unexpected snapshot %+v", snap)
		}
	})
}

func TestConcurrentAcquireGrantsOnce(t *testing.T) {
	forEachTable(t, func(t *testing.T, tbl Table, _ *liveSet) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		granted := 0
		for i := int32(1); i <= 16; i++ {
			wg.Add(1)
			go func(h int32) {
				defer wg.Done()
				ok, err := tbl.TryAcquire(ctx, res, h)
				if err != nil {
					t.Errorf("acquire %d: %v", h, err)
					return
				}
				if ok {
					mu.Lock()
					granted++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()
		if granted != 1 {
			t.Fatalf("expected exactly one grant, got %d", granted)
		}
	})
}

func TestEventsPublished(t *testing.T) {
	ctx := context.Background()
	tr := transport.NewInMemory()
	lockCh, err := tr.Watch(ctx, "lock:"+res.Key())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	unlockCh, err := tr.Watch(ctx, "unlock:"+res.Key())
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	tbl := NewInMemory(nil, WithEvents(tr))
	if ok, _ := tbl.TryAcquire(ctx, res, 7); !ok {
		t.Fatal("acquire failed")
	}
	select {
	case msg := <-lockCh:
		if string(msg) != "7" {
			t.Fatalf("unexpected lock payload %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for lock event")
	}
	_ = tbl.Release(ctx, res)
	select {
	case msg := <-unlockCh:
		if string(msg) != "7" {
			t.Fatalf("unexpected unlock payload %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unlock event")
	}
}

func TestRedisReset(t *testing.T) {
	tbl := newRedisTable(t, nil)
	ctx := context.Background()
	_, _ = tbl.TryAcquire(ctx, res, 7)
	if err := tbl.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if snap, _ := tbl.Snapshot(ctx); len(snap) != 0 {
		t.Fatalf("expected empty table, got %+v", snap)
	}
}
