package notifier

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// BusNotifier publishes through the bus so every process's hub sees the event.
// When publishing fails the event is delivered to the local hub only.
type BusNotifier struct {
	bus Bus
	hub *Hub
	log *zap.Logger
}

func NewBusNotifier(bus Bus, hub *Hub, log *zap.Logger) *BusNotifier {
	return &BusNotifier{bus: bus, hub: hub, log: log.Named("notifier")}
}

// Start forwards bus traffic into the local hub until ctx ends.
func (n *BusNotifier) Start(ctx context.Context) error {
	return n.bus.StartForwarder(ctx, n.hub.Broadcast)
}

func (n *BusNotifier) Notify(ctx context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	if err := n.bus.Publish(ctx, evt); err != nil {
		n.log.Warn("publish failed, delivering locally",
			zap.Int64("hierarchy_id", evt.HierarchyID), zap.String("kind", string(evt.Kind)), zap.Error(err))
		n.hub.Broadcast(evt)
	}
}
