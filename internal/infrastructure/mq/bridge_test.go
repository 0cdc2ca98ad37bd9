package mq

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
)

func TestChannelBridgeDeliversToEveryNode(t *testing.T) {
	hub := NewHub()
	a := NewChannelBridge(hub, 8)
	b := NewChannelBridge(hub, 8)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Event, 1)
	go b.Run(ctx, func(_ context.Context, ev *Event) { got <- ev })

	ev := NewEvent(EventChat, "node-a")
	ev.TargetUserIDs = []string{"u1"}
	if err := a.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case recv := <-got:
		if recv.ID != ev.ID || recv.OriginNode != "node-a" {
			t.Fatalf("unexpected event %+v", recv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestChannelBridgeClosed(t *testing.T) {
	b := NewChannelBridge(nil, 1)
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping before close: %v", err)
	}
	_ = b.Close()
	_ = b.Close()
	if err := b.Publish(context.Background(), NewEvent(EventTyping, "n")); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("Publish after close = %v", err)
	}
	if err := b.Ping(context.Background()); !errors.Is(err, ErrBridgeClosed) {
		t.Fatalf("Ping after close = %v", err)
	}
}

type failingBridge struct {
	ChannelBridge
	calls atomic.Int32
}

func (f *failingBridge) Publish(context.Context, *Event) error {
	f.calls.Add(1)
	return errors.New("broker down")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingBridge{}
	b := WithBreaker(inner, "test", 3, time.Minute)

	for i := range 3 {
		if err := b.Publish(context.Background(), NewEvent(EventChat, "n")); err == nil {
			t.Fatalf("publish %d should fail", i)
		}
	}
	err := b.Publish(context.Background(), NewEvent(EventChat, "n"))
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if n := inner.calls.Load(); n != 3 {
		t.Fatalf("inner publish called %d times, want 3", n)
	}
}

func TestEventExcluded(t *testing.T) {
	ev := NewEvent(EventChat, "n")
	if ev.Excluded("u1", "d1") {
		t.Fatal("nothing excluded yet")
	}
	ev.ExcludeUserID = "u1"
	ev.ExcludeDeviceID = "d1"
	if !ev.Excluded("u1", "d1") || ev.Excluded("u1", "d2") || ev.Excluded("u2", "d1") {
		t.Fatal("device exclusion mismatch")
	}
	ev.ExcludeDeviceID = ""
	if !ev.Excluded("u1", "d2") {
		t.Fatal("user exclusion should cover every device")
	}
}

func TestDecodeEvent(t *testing.T) {
	ev := NewEvent(EventPresence, "n1")
	ev.UserID = "u1"
	ev.Online = true
	data, err := encodeEvent(ev)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Kind != EventPresence || got.UserID != "u1" || !got.Online {
		t.Fatalf("decoded %+v", got)
	}
	if _, err := decodeEvent([]byte("{")); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers(" a:9092, ,b:9092 ")
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("splitBrokers = %v", got)
	}
}
