package notifier

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventNodesChanged     EventKind = "nodes_changed"
	EventLevelsChanged    EventKind = "levels_changed"
	EventRebuildStarted   EventKind = "rebuild_started"
	EventRebuildCompleted EventKind = "rebuild_completed"
	EventRebuildFailed    EventKind = "rebuild_failed"
	EventRebuildDeferred  EventKind = "rebuild_deferred"
)

// Event is a change notice for one hierarchy.
type Event struct {
	HierarchyID int64       `json:"hierarchy_id"`
	Kind        EventKind   `json:"kind"`
	NodeIDs     []uuid.UUID `json:"node_ids,omitempty"`
	Detail      string      `json:"detail,omitempty"`
	At          time.Time   `json:"at"`
}

// Notifier delivers events best-effort. Implementations never block the caller on slow subscribers.
type Notifier interface {
	Notify(ctx context.Context, evt Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
