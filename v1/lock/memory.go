package lock

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-warden/v1/device"
)

// InMemory implements Table in process memory.
type InMemory struct {
	mu      sync.Mutex
	alive   Liveness
	entries map[string]Entry
	opts    options
}

// NewInMemory returns an empty table. alive may be nil, in which case every
// holder is considered alive.
func NewInMemory(alive Liveness, opts ...Option) *InMemory {
	if alive == nil {
		alive = func(int32) bool { return true }
	}
	return &InMemory{
		alive:   alive,
		entries: make(map[string]Entry),
		opts:    buildOptions(opts),
	}
}

// TryAcquire implements Table.TryAcquire.
func (l *InMemory) TryAcquire(ctx context.Context, res device.Resource, holder int32) (bool, error) {
	key := res.Key()
	l.mu.Lock()
	if cur, ok := l.entries[key]; ok {
		if cur.Holder == holder {
			l.mu.Unlock()
			return true, nil
		}
		if l.alive(cur.Holder) {
			l.mu.Unlock()
			return false, nil
		}
		l.opts.logger.Info("lock.stale.taken_over", "resource", res.String(), "stale_holder", cur.Holder, "holder", holder)
	}
	l.entries[key] = Entry{Resource: res, Holder: holder}
	l.mu.Unlock()
	l.opts.granted(ctx, res, holder)
	return true, nil
}

// Release implements Table.Release.
func (l *InMemory) Release(ctx context.Context, res device.Resource) error {
	key := res.Key()
	l.mu.Lock()
	cur, ok := l.entries[key]
	delete(l.entries, key)
	l.mu.Unlock()
	if ok {
		l.opts.released(ctx, cur.Resource, cur.Holder)
	}
	return nil
}

// Holder implements Table.Holder.
func (l *InMemory) Holder(ctx context.Context, res device.Resource) (int32, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.entries[res.Key()]
	return cur.Holder, ok, nil
}

// IsHeldByLiveHolder implements Table.IsHeldByLiveHolder.
func (l *InMemory) IsHeldByLiveHolder(ctx context.Context, res device.Resource) (bool, error) {
	holder, ok, _ := l.Holder(ctx, res)
	return ok && l.alive(holder), nil
}

// ReleaseEntity implements Table.ReleaseEntity.
func (l *InMemory) ReleaseEntity(ctx context.Context, entityID int32) (int, error) {
	return l.releaseWhere(ctx, func(e Entry) bool {
		return e.Resource.EntityID == entityID && entityID != device.ResolveByPosition
	})
}

// ReleaseHolder implements Table.ReleaseHolder.
func (l *InMemory) ReleaseHolder(ctx context.Context, holder int32) (int, error) {
	return l.releaseWhere(ctx, func(e Entry) bool { return e.Holder == holder })
}

func (l *InMemory) releaseWhere(ctx context.Context, match func(Entry) bool) (int, error) {
	var removed []Entry
	l.mu.Lock()
	for key, e := range l.entries {
		if match(e) {
			removed = append(removed, e)
			delete(l.entries, key)
		}
	}
	l.mu.Unlock()
	for _, e := range removed {
		l.opts.released(ctx, e.Resource, e.Holder)
	}
	return len(removed), nil
}

// Snapshot implements Table.Snapshot.
func (l *InMemory) Snapshot(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out, nil
}
