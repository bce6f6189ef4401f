package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)

	sub, err := b.Subscribe(ctx, SubjectTokenUsage, func(msg *Message) []byte {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, SubjectTokenUsage, []byte(`{"total":1}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-received:
		if string(msg.Data) != `{"total":1}` {
			t.Errorf("unexpected payload %q", string(msg.Data))
		}
		if msg.Subject != SubjectTokenUsage {
			t.Errorf("Subject = %q, want %q", msg.Subject, SubjectTokenUsage)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryBusWildcard(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	var received atomic.Int32

	sub, err := b.Subscribe(ctx, "wingman.token.*", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	if err := b.Publish(ctx, SubjectTokenUsage, []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, SubjectTokenWarning, []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, SubjectAgentEvents, []byte("c")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for received.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give a stray third delivery a moment to show up before asserting.
	time.Sleep(20 * time.Millisecond)
	if got := received.Load(); got != 2 {
		t.Errorf("received %d messages, want 2 (agent events must not match token wildcard)", got)
	}
}

func TestMemoryBusRequestReply(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "wingman.ping", func(msg *Message) []byte {
		return []byte("pong")
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	reply, err := b.Request(ctx, "wingman.ping", []byte("ping"), time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if string(reply) != "pong" {
		t.Errorf("reply = %q, want pong", string(reply))
	}
}

func TestMemoryBusRequestNoResponders(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	if _, err := b.Request(context.Background(), "wingman.nobody", nil, 50*time.Millisecond); err != ErrNoResponders {
		t.Errorf("Request = %v, want ErrNoResponders", err)
	}
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus()
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.Publish(context.Background(), "x", nil); err != ErrClosed {
		t.Errorf("Publish on closed bus = %v, want ErrClosed", err)
	}
	if _, err := b.Subscribe(context.Background(), "x", func(*Message) []byte { return nil }); err != ErrClosed {
		t.Errorf("Subscribe on closed bus = %v, want ErrClosed", err)
	}
	if err := b.Close(); err != ErrClosed {
		t.Errorf("second Close = %v, want ErrClosed", err)
	}
}

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{"*.b", "a.b", true},
		{"a.b", "a.c", false},
	}
	for _, tc := range cases {
		if got := matchSubject(tc.pattern, tc.subject); got != tc.want {
			t.Errorf("matchSubject(%q, %q) = %v, want %v", tc.pattern, tc.subject, got, tc.want)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	var received atomic.Int32
	sub, err := b.Subscribe(ctx, "wingman.once", func(msg *Message) []byte {
		received.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(ctx, "wingman.once", []byte("1")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(time.Second)
	for received.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, "wingman.once", []byte("2")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := received.Load(); got != 1 {
		t.Errorf("received %d messages after unsubscribe, want 1", got)
	}
}
