package core

import (
	"errors"
	"sync"
	"time"
)

// ErrInvalidPresenceTTL is returned when a non-positive TTL is provided.
var ErrInvalidPresenceTTL = errors.New("warden: presence ttl must be positive")

// Presence keeps a lease per client. Every heartbeat renews the lease; a
// lease that is not renewed within the TTL expires and the client is
// treated as gone.
type Presence struct {
	ttl     time.Duration
	mark    func(id int32, alive bool)
	expired func(id int32)

	mu     sync.Mutex
	leases map[int32]*lease
}

type lease struct {
	timer *time.Timer
}

// NewPresence returns a Presence. mark is told about every liveness change;
// expired runs after a client is marked gone.
func NewPresence(ttl time.Duration, mark func(id int32, alive bool), expired func(id int32)) (*Presence, error) {
	if ttl <= 0 {
		return nil, ErrInvalidPresenceTTL
	}
	return &Presence{ttl: ttl, mark: mark, expired: expired, leases: make(map[int32]*lease)}, nil
}

// Touch grants or renews the lease of id.
func (p *Presence) Touch(id int32) {
	p.mu.Lock()
	if l, ok := p.leases[id]; ok {
		l.timer.Reset(p.ttl)
		p.mu.Unlock()
		return
	}
	l := &lease{}
	l.timer = time.AfterFunc(p.ttl, func() { p.expire(id, l) })
	p.leases[id] = l
	p.mu.Unlock()
	if p.mark != nil {
		p.mark(id, true)
	}
}

// Leave ends the lease of id immediately.
func (p *Presence) Leave(id int32) {
	p.mu.Lock()
	l, ok := p.leases[id]
	if ok {
		l.timer.Stop()
	}
	p.mu.Unlock()
	if ok {
		p.expire(id, l)
	}
}

// Active returns the number of live leases.
func (p *Presence) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leases)
}

func (p *Presence) expire(id int32, l *lease) {
	p.mu.Lock()
	if cur, ok := p.leases[id]; !ok || cur != l {
		p.mu.Unlock()
		return
	}
	delete(p.leases, id)
	p.mu.Unlock()
	if p.mark != nil {
		p.mark(id, false)
	}
	if p.expired != nil {
		p.expired(id)
	}
}

// Stop cancels every lease without expiring it.
func (p *Presence) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, l := range p.leases {
		l.timer.Stop()
		delete(p.leases, id)
	}
}
