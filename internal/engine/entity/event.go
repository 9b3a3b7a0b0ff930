package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies a message arriving over the push channel.
type EventType string

const (
	// EventTaskCreated indicates a task was created.
	EventTaskCreated EventType = "task-created"
	// EventTaskUpdated indicates a task was updated.
	EventTaskUpdated EventType = "task-updated"
	// EventTaskDeleted indicates a task was deleted (tombstone).
	EventTaskDeleted EventType = "task-deleted"
	// EventListCreated indicates a list was created.
	EventListCreated EventType = "list-created"
	// EventListUpdated indicates a list was updated.
	EventListUpdated EventType = "list-updated"
	// EventListDeleted indicates a list was deleted (tombstone).
	EventListDeleted EventType = "list-deleted"
	// EventCommentCreated indicates a comment was added to a task.
	EventCommentCreated EventType = "comment-created"

	// EventHeartbeat is a periodic server ping carrying no data.
	EventHeartbeat EventType = "heartbeat"
	// EventReconnect is a server-directed graceful reconnect. The client
	// must close and immediately reopen the connection without treating
	// the cycle as a failure (supports server-side connection draining).
	EventReconnect EventType = "reconnect"

	// EventWildcard subscribes to every non-control event type.
	EventWildcard EventType = "*"
)

// IsControl reports whether the event type is channel-control traffic that
// is never dispatched to subscribers.
func (et EventType) IsControl() bool {
	return et == EventHeartbeat || et == EventReconnect
}

// EntityType maps an entity event to the collection it affects.
// Returns ("", false) for control events.
func (et EventType) EntityType() (EntityType, bool) {
	switch et {
	case EventTaskCreated, EventTaskUpdated, EventTaskDeleted:
		return TypeTask, true
	case EventListCreated, EventListUpdated, EventListDeleted:
		return TypeList, true
	case EventCommentCreated:
		return TypeComment, true
	}
	return "", false
}

// IsDeletion reports whether the event carries a tombstone.
func (et EventType) IsDeletion() bool {
	return et == EventTaskDeleted || et == EventListDeleted
}

// ChannelEvent is a single message from the push channel.
//
// For entity events, Data holds an Entity envelope. For tombstone events the
// envelope has Deleted=true and no payload. Control events carry no data.
type ChannelEvent struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Entity decodes the entity envelope carried by an entity event.
func (ev *ChannelEvent) Entity() (*Entity, error) {
	et, ok := ev.Type.EntityType()
	if !ok {
		return nil, fmt.Errorf("event %s carries no entity", ev.Type)
	}
	var e Entity
	if err := json.Unmarshal(ev.Data, &e); err != nil {
		return nil, fmt.Errorf("failed to parse %s event data: %w", ev.Type, err)
	}
	if e.Type == "" {
		e.Type = et
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = ev.Timestamp
	}
	if ev.Type.IsDeletion() {
		e.Deleted = true
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entity in %s event: %w", ev.Type, err)
	}
	return &e, nil
}
