package transport

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisTransport(t *testing.T) (*Redis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedis(client)
	t.Cleanup(func() {
		_ = b.Close()
		_ = client.Close()
		mr.Close()
	})
	return b, client
}

func TestRedisPublishWatch(t *testing.T) {
	b, client := newRedisTransport(t)
	ctx := context.Background()
	ch, err := b.Watch(ctx, "warden.peers")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	other := NewRedis(client)
	defer other.Close()
	if err := other.Publish(ctx, "warden.peers", []byte("grant")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectPayload(t, ch, "grant")
}

func TestRedisDropsDuplicateFrames(t *testing.T) {
	b, client := newRedisTransport(t)
	ctx := context.Background()
	ch, err := b.Watch(ctx, "dup")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	payload, _, err := encodeFrame([]byte("once"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := client.Publish(ctx, "dup", payload).Err(); err != nil {
			t.Fatalf("raw publish: %v", err)
		}
	}
	if err := b.Publish(ctx, "dup", []byte("next")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	expectPayload(t, ch, "once")
	expectPayload(t, ch, "next")
}

func TestRedisUnwatchClosesSubscription(t *testing.T) {
	b, _ := newRedisTransport(t)
	ctx := context.Background()
	ch, err := b.Watch(ctx, "t")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := b.Unwatch(ctx, "t", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	b.mu.Lock()
	_, ok := b.pss["t"]
	b.mu.Unlock()
	if ok {
		t.Fatal("pubsub still registered after unwatch")
	}
}
