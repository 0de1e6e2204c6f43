package core

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestPresenceRenewKeepsLeaseAlive(t *testing.T) {
	var expired atomic.Int32
	ttl := 30 * time.Millisecond
	p, err := NewPresence(ttl, nil, func(int32) { expired.Add(1) })
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	defer p.Stop()

	p.Touch(2)
	for i := 0; i < 6; i++ {
		time.Sleep(ttl / 3)
		p.Touch(2)
	}
	if expired.Load() != 0 || p.Active() != 1 {
		t.Fatalf("lease expired despite renewal")
	}
}

func TestPresenceLeaveRevokesOnce(t *testing.T) {
	var marks, expired atomic.Int32
	p, err := NewPresence(time.Minute, func(_ int32, alive bool) {
		if !alive {
			marks.Add(1)
		}
	}, func(int32) { expired.Add(1) })
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	defer p.Stop()

	p.Touch(4)
	p.Leave(4)
	p.Leave(4)
	if p.Active() != 0 {
		t.Fatalf("lease not removed after leave")
	}
	if marks.Load() != 1 || expired.Load() != 1 {
		t.Fatalf("expected one revocation, got marks=%d expired=%d", marks.Load(), expired.Load())
	}
}

func TestPresenceStopDoesNotExpire(t *testing.T) {
	var expired atomic.Int32
	ttl := 10 * time.Millisecond
	p, err := NewPresence(ttl, nil, func(int32) { expired.Add(1) })
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	p.Touch(1)
	p.Touch(2)
	p.Stop()
	time.Sleep(3 * ttl)
	if expired.Load() != 0 || p.Active() != 0 {
		t.Fatalf("stopped presence expired %d leases", expired.Load())
	}
}
