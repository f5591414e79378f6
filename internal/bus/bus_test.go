package bus

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestInboundFIFO(t *testing.T) {
	b := New(8, 8)
	defer b.Close()

	for i := 0; i < 5; i++ {
		if err := b.TryPublishInbound(InboundMessage{ID: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		msg, ok := b.ConsumeInbound(ctx)
		if !ok {
			t.Fatalf("consume %d: bus reported shutdown", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.ID != want {
			t.Errorf("message %d: got %q, want %q", i, msg.ID, want)
		}
	}
}

func TestTryPublishBackpressure(t *testing.T) {
	b := New(2, 2)
	defer b.Close()

	if err := b.TryPublishInbound(InboundMessage{ID: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := b.TryPublishInbound(InboundMessage{ID: "b"}); err != nil {
		t.Fatal(err)
	}
	if err := b.TryPublishInbound(InboundMessage{ID: "c"}); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPublishBlocksUntilSpace(t *testing.T) {
	b := New(1, 1)
	defer b.Close()

	ctx := context.Background()
	if err := b.PublishInbound(ctx, InboundMessage{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	published := make(chan error, 1)
	go func() {
		published <- b.PublishInbound(ctx, InboundMessage{ID: "b"})
	}()

	select {
	case <-published:
		t.Fatal("publish should have blocked on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := b.ConsumeInbound(ctx); !ok {
		t.Fatal("consume failed")
	}
	select {
	case err := <-published:
		if err != nil {
			t.Fatalf("blocked publish returned error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("publish did not unblock after consume")
	}
}

func TestPublishHonorsContextCancel(t *testing.T) {
	b := New(1, 1)
	defer b.Close()

	if err := b.TryPublishInbound(InboundMessage{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := b.PublishInbound(ctx, InboundMessage{ID: "b"}); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestCloseDrainsConsumers(t *testing.T) {
	b := New(8, 8)
	if err := b.TryPublishInbound(InboundMessage{ID: "queued"}); err != nil {
		t.Fatal(err)
	}
	b.Close()
	b.Close() // idempotent

	ctx := context.Background()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok || msg.ID != "queued" {
		t.Fatalf("expected to drain queued message, got ok=%v msg=%q", ok, msg.ID)
	}
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected shutdown after drain")
	}
	if err := b.TryPublishInbound(InboundMessage{}); err != ErrClosed {
		t.Fatalf("expected ErrClosed after close, got %v", err)
	}
}

func TestOutboundRoundTrip(t *testing.T) {
	b := New(4, 4)
	defer b.Close()

	msg := OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hi",
		Metadata: map[string]string{"type": "status"}}
	if err := b.TryPublishOutbound(msg); err != nil {
		t.Fatal(err)
	}
	got, ok := b.ConsumeOutbound(context.Background())
	if !ok {
		t.Fatal("consume failed")
	}
	if got.Channel != "telegram" || got.ChatID != "42" || !got.IsStatus() {
		t.Errorf("unexpected message: %+v", got)
	}
}

func TestSessionKeyDerivation(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "42"}
	if got := msg.SessionKey(); got != "telegram:42" {
		t.Errorf("SessionKey() = %q, want telegram:42", got)
	}
}
