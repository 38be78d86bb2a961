package relaybus

import (
	"context"
	"testing"
	"time"
)

func TestMemoryBusSubscribeReceivesInjected(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.InjectInbound(InboundEvent{EventID: "e1", From: "u", To: "Alice", Body: "hi"})

	select {
	case evt := <-ch:
		if evt.EventID != "e1" {
			t.Fatalf("unexpected event: %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for injected event")
	}
}

func TestMemoryBusCloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus()
	ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after bus Close")
	}
}

func TestMemoryBusSendAfterCloseErrors(t *testing.T) {
	bus := NewMemoryBus()
	bus.Close()
	if _, err := bus.Send(context.Background(), Envelope{}); err != ErrBusClosed {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}
