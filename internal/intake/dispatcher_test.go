package intake

import (
	"context"
	"errors"
	"sync"
	"testing"

	"call-intake/internal/calls"
)

func TestDispatcher_RefusesWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var handled []string
	d := NewDispatcher(1, 1, func(ctx context.Context, item Item) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		handled = append(handled, string(item.Raw.Payload))
		mu.Unlock()
	})
	ctx := context.Background()
	d.Start(ctx)

	item := func(p string) Item { return Item{Raw: calls.RawCall{Payload: []byte(p)}} }
	if err := d.Submit(ctx, item("a")); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	<-started
	if err := d.Submit(ctx, item("b")); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if err := d.Submit(ctx, item("c")); !errors.Is(err, ErrAtCapacity) {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	close(release)
	d.Stop()
	if len(handled) != 2 || handled[0] != "a" || handled[1] != "b" {
		t.Fatalf("expected a and b handled in order, got %v", handled)
	}
}

func TestDispatcher_RecoversFromPanics(t *testing.T) {
	var n int
	var mu sync.Mutex
	d := NewDispatcher(1, 2, func(ctx context.Context, item Item) {
		mu.Lock()
		n++
		mu.Unlock()
		if string(item.Raw.Payload) == "boom" {
			panic("bad payload")
		}
	})
	d.Start(context.Background())
	_ = d.Submit(context.Background(), Item{Raw: calls.RawCall{Payload: []byte("boom")}})
	_ = d.Submit(context.Background(), Item{Raw: calls.RawCall{Payload: []byte("ok")}})
	d.Stop()
	if n != 2 {
		t.Fatalf("worker should survive a panic, handled %d", n)
	}
}
