package broadcast

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

type note struct {
	Text string `json:"text"`
}

func recv(t *testing.T, sub *Subscription) note {
	t.Helper()
	select {
	case data, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed")
		}
		var n note
		if err := json.Unmarshal(data, &n); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		return n
	case <-time.After(2 * time.Second):
		t.Fatalf("nothing received on %s", sub.Topic)
	}
	return note{}
}

func expectNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case data := <-sub.C:
		t.Fatalf("unexpected message on %s: %s", sub.Topic, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFansOutByTopic(t *testing.T) {
	hub := New(log.New(io.Discard))
	ctx := context.Background()

	a := hub.Subscribe("translation_german")
	b := hub.Subscribe("translation_german")
	other := hub.Subscribe("translation_english")

	if err := hub.Publish(ctx, "translation_german", note{"Hallo"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := recv(t, a); got.Text != "Hallo" {
		t.Errorf("a got %q", got.Text)
	}
	if got := recv(t, b); got.Text != "Hallo" {
		t.Errorf("b got %q", got.Text)
	}
	expectNothing(t, other)
}

func TestSubscriptionClose(t *testing.T) {
	hub := New(log.New(io.Discard))

	sub := hub.Subscribe("t")
	if n := hub.Subscribers("t"); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
	sub.Close()
	sub.Close()

	if n := hub.Subscribers("t"); n != 0 {
		t.Fatalf("subscribers after close = %d", n)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("channel still open")
	}
	if err := hub.Publish(context.Background(), "t", note{"x"}); err != nil {
		t.Fatalf("publish without subscribers: %v", err)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	hub := New(log.New(io.Discard), WithBuffer(2))
	ctx := context.Background()

	slow := hub.Subscribe("t")
	for i := 0; i < 5; i++ {
		hub.Publish(ctx, "t", note{"x"})
	}

	if got := hub.Dropped(); got != 3 {
		t.Fatalf("dropped = %d, want 3", got)
	}
	if len(slow.C) != 2 {
		t.Fatalf("buffered = %d, want 2", len(slow.C))
	}
}

func TestRedisRelay(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		return rdb
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local := New(log.New(io.Discard), WithRedis(newClient()))
	remote := New(log.New(io.Discard), WithRedis(newClient()))

	done := make(chan error, 2)
	go func() { done <- local.Run(ctx) }()
	go func() { done <- remote.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumPat() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("hubs never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mine := local.Subscribe("translation_english")
	theirs := remote.Subscribe("translation_english")

	if err := local.Publish(ctx, "translation_english", note{"Good morning"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := recv(t, theirs); got.Text != "Good morning" {
		t.Errorf("remote got %q", got.Text)
	}
	if got := recv(t, mine); got.Text != "Good morning" {
		t.Errorf("local got %q", got.Text)
	}
	// The publisher's own relay echo must not be delivered twice.
	expectNothing(t, mine)

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("run did not stop")
		}
	}
}

func TestRunWithoutRedisWaits(t *testing.T) {
	hub := New(log.New(io.Discard))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
