package transport

import (
	"context"
	"testing"
	"time"
)

func expectPayload(t *testing.T, ch chan []byte, want string) {
	t.Helper()
	select {
	case got, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		if string(got) != want {
			t.Fatalf("expected %q got %q", want, got)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func TestInMemoryPublishWatch(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()
	ch1, err := b.Watch(ctx, "t")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ch2, err := b.Watch(ctx, "t")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Publish(ctx, "t", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectPayload(t, ch1, "a")
	expectPayload(t, ch2, "a")
	if err := b.Publish(ctx, "other", []byte("b")); err != nil {
		t.Fatalf("publish other: %v", err)
	}
	select {
	case <-ch1:
		t.Fatal("unexpected delivery from other topic")
	default:
	}
}

func TestInMemoryUnwatchClosesChannel(t *testing.T) {
	b := NewInMemory()
	ctx := context.Background()
	ch, _ := b.Watch(ctx, "t")
	if err := b.Unwatch(ctx, "t", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed")
	}
	if len(b.reg.list("t")) != 0 {
		t.Fatal("subscriber still registered")
	}
	if err := b.Unwatch(ctx, "t", ch); err != nil {
		t.Fatalf("second unwatch: %v", err)
	}
}

func TestInMemoryContextUnwatch(t *testing.T) {
	b := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Watch(ctx, "t")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unwatch")
	}
}

func TestInMemoryPublishRespectsContext(t *testing.T) {
	b := NewInMemory()
	b.buffer = 1
	ch, _ := b.Watch(context.Background(), "t")
	_ = b.Publish(context.Background(), "t", []byte("fill"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := b.Publish(ctx, "t", []byte("blocked")); err == nil {
		t.Fatal("expected context error on full subscriber")
	}
	expectPayload(t, ch, "fill")
}

func TestSeenDropsDuplicates(t *testing.T) {
	s := newSeen()
	if !s.first("a") {
		t.Fatal("first sighting reported as duplicate")
	}
	if s.first("a") {
		t.Fatal("duplicate not detected")
	}
	for i := 0; i < seenCapacity; i++ {
		s.first(string(rune('A' + i%26)) + time.Duration(i).String())
	}
	if !s.first("a") {
		t.Fatal("evicted id should be accepted again")
	}
}
