package watchbus

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisWatchBus(t *testing.T) (*RedisWatchBus, context.Context) {
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
	return NewRedisWatchBus(client), context.Background()
}

func TestRedisWatchBusPublishWatch(t *testing.T) {
	b, ctx := newRedisWatchBus(t)
	ch, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// Give the stream reader time to park on the tail.
	time.Sleep(50 * time.Millisecond)
	if err := b.Publish(ctx, "k", []byte(`{"state":"acquired"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if !bytes.Contains(msg, []byte("acquired")) {
			t.Fatalf("unexpected payload %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	if err := b.Unwatch(ctx, "k", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel after unwatch")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unwatch")
	}
}

func TestRedisWatchBusDeliversInOrder(t *testing.T) {
	b, ctx := newRedisWatchBus(t)
	ch, err := b.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, payload := range []string{"first", "second"} {
		if err := b.Publish(ctx, "k", []byte(payload)); err != nil {
			t.Fatalf("publish %s: %v", payload, err)
		}
	}
	for _, want := range []string{"first", "second"} {
		select {
		case msg := <-ch:
			if string(msg) != want {
				t.Fatalf("got %q want %q", msg, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}
