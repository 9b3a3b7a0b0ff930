// Package entity provides the data model for the Crewdeck sync engine.
//
// Entities (tasks, lists, comments) travel between the server and the local
// cache inside a generic envelope. The envelope is CRDT-free by design:
// conflict resolution is last-write-wins at the field level and is delegated
// to the server, so the client only needs identity, a server timestamp, and
// a tombstone flag.
package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies which collection an entity belongs to.
type EntityType string

const (
	// TypeTask is a task entity (tasks/*).
	TypeTask EntityType = "task"
	// TypeList is a list entity (lists/*).
	TypeList EntityType = "list"
	// TypeComment is a comment entity, always scoped to a task.
	TypeComment EntityType = "comment"
)

// SyncedTypes are the entity types reconciled by cursor-based sync,
// in the order the coordinator processes them.
var SyncedTypes = []EntityType{TypeList, TypeTask, TypeComment}

// Valid reports whether et is a known entity type.
func (et EntityType) Valid() bool {
	switch et {
	case TypeTask, TypeList, TypeComment:
		return true
	}
	return false
}

// String returns the entity type as a plain string.
func (et EntityType) String() string {
	return string(et)
}

// Entity is the generic envelope for a task, list, or comment.
//
// Identity is immutable. Payload and UpdatedAt mutate over the entity's
// lifetime. Deleted is a tombstone flag: a deleted entity stays on the
// server's cursor timeline (so caches can drop it) until garbage-collected
// server-side.
type Entity struct {
	ID        string          `json:"id"`
	Type      EntityType      `json:"type"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Validate checks the envelope's required fields.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !e.Type.Valid() {
		return fmt.Errorf("unknown entity type %q", e.Type)
	}
	if e.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	if !e.Deleted && len(e.Payload) == 0 {
		return fmt.Errorf("payload is required for live entities")
	}
	return nil
}
