package notifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestHubDeliversOnlyToHierarchySubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Subscribe(1)
	b := hub.Subscribe(2)

	hub.Broadcast(Event{HierarchyID: 1, Kind: EventNodesChanged})

	got := recvEvent(t, a.Outbound)
	assert.Equal(t, EventNodesChanged, got.Kind)
	select {
	case <-b.Outbound:
		t.Fatal("subscriber of another hierarchy received the event")
	default:
	}
}

func TestHubPreservesOrderPerSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	s := hub.Subscribe(1)

	hub.Broadcast(Event{HierarchyID: 1, Kind: EventRebuildStarted})
	hub.Broadcast(Event{HierarchyID: 1, Kind: EventRebuildCompleted})

	assert.Equal(t, EventRebuildStarted, recvEvent(t, s.Outbound).Kind)
	assert.Equal(t, EventRebuildCompleted, recvEvent(t, s.Outbound).Kind)
}

func TestHubDropsWhenBufferFull(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.buffer = 1
	s := hub.Subscribe(1)

	hub.Broadcast(Event{HierarchyID: 1, Detail: "first"})
	hub.Broadcast(Event{HierarchyID: 1, Detail: "second"})

	assert.Equal(t, "first", recvEvent(t, s.Outbound).Detail)
	select {
	case evt := <-s.Outbound:
		t.Fatalf("expected drop, got %+v", evt)
	default:
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	s := hub.Subscribe(1)

	hub.Unsubscribe(s)
	hub.Unsubscribe(s)

	_, ok := <-s.Outbound
	assert.False(t, ok)
	assert.Zero(t, hub.SubscriberCount(1))
	hub.Broadcast(Event{HierarchyID: 1})
}

func TestSubscribeContextUnregistersOnCancel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	s := hub.SubscribeContext(ctx, 5)
	require.Equal(t, 1, hub.SubscriberCount(5))

	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not removed after cancel")
	}
	assert.Zero(t, hub.SubscriberCount(5))
}

type fakeBus struct {
	published []Event
	err       error
}

func (b *fakeBus) Publish(_ context.Context, evt Event) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, evt)
	return nil
}
func (b *fakeBus) StartForwarder(context.Context, func(Event)) error { return nil }
func (b *fakeBus) Close() error                                      { return nil }

func TestBusNotifierPublishes(t *testing.T) {
	bus := &fakeBus{}
	hub := NewHub(zap.NewNop())
	n := NewBusNotifier(bus, hub, zap.NewNop())

	n.Notify(context.Background(), Event{HierarchyID: 3, Kind: EventNodesChanged})

	require.Len(t, bus.published, 1)
	assert.False(t, bus.published[0].At.IsZero())
}

func TestBusNotifierFallsBackToLocalHub(t *testing.T) {
	bus := &fakeBus{err: errors.New("redis down")}
	hub := NewHub(zap.NewNop())
	s := hub.Subscribe(3)
	n := NewBusNotifier(bus, hub, zap.NewNop())

	n.Notify(context.Background(), Event{HierarchyID: 3, Kind: EventNodesChanged})

	assert.Equal(t, EventNodesChanged, recvEvent(t, s.Outbound).Kind)
}
