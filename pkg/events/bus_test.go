package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBus_PublishFansOutToAllHandlers(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 2)

	bus.Subscribe(EventTaskStatusChanged, func(ctx context.Context, e Event) error {
		mu.Lock()
		received = append(received, "a")
		mu.Unlock()
		done <- struct{}{}
		return nil
	})
	bus.Subscribe(EventTaskStatusChanged, func(ctx context.Context, e Event) error {
		mu.Lock()
		received = append(received, "b")
		mu.Unlock()
		done <- struct{}{}
		return nil
	})

	bus.Publish(context.Background(), Event{Type: EventTaskStatusChanged})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for handlers")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, received)
}

func TestBus_PublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), Event{Type: EventNodeRegistered})
	})
}

func TestBus_UnsubscribeOneLeavesSiblingsIntact(t *testing.T) {
	bus := NewBus(zap.NewNop())

	var mu sync.Mutex
	var received []string
	doneA := make(chan struct{}, 1)
	doneB := make(chan struct{}, 1)

	unsubA := bus.Subscribe(EventNodeStatusChanged, func(ctx context.Context, e Event) error {
		mu.Lock()
		received = append(received, "a")
		mu.Unlock()
		doneA <- struct{}{}
		return nil
	})
	bus.Subscribe(EventNodeStatusChanged, func(ctx context.Context, e Event) error {
		mu.Lock()
		received = append(received, "b")
		mu.Unlock()
		doneB <- struct{}{}
		return nil
	})

	unsubA()

	bus.Publish(context.Background(), Event{Type: EventNodeStatusChanged})

	select {
	case <-doneB:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for remaining handler")
	}

	select {
	case <-doneA:
		t.Fatal("unsubscribed handler should not have fired")
	case <-time.After(100 * time.Millisecond):
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b"}, received)
}
