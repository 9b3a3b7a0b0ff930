package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MutationOp is the kind of local write captured in a pending mutation.
type MutationOp string

const (
	// OpCreate creates a new entity.
	OpCreate MutationOp = "create"
	// OpUpdate updates an existing entity.
	OpUpdate MutationOp = "update"
	// OpDelete deletes an entity.
	OpDelete MutationOp = "delete"
)

// Valid reports whether op is a known mutation operation.
func (op MutationOp) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// MutationStatus is the lifecycle state of a pending mutation.
type MutationStatus string

const (
	// StatusPending means the mutation is queued and eligible for replay.
	StatusPending MutationStatus = "pending"
	// StatusInflight means a send attempt is in progress.
	StatusInflight MutationStatus = "inflight"
	// StatusFailed means the mutation exceeded the retry ceiling and
	// requires manual intervention.
	StatusFailed MutationStatus = "failed"
	// StatusCompleted means the server acknowledged the mutation.
	StatusCompleted MutationStatus = "completed"
)

// PendingMutation is a durable record of a local write that has not yet been
// acknowledged by the server.
//
// The mutation ID doubles as the idempotency key: the server deduplicates by
// ID, so replaying a mutation after an ambiguous failure is safe.
type PendingMutation struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Op         MutationOp      `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	Status     MutationStatus  `json:"status"`
}

// NewPendingMutation builds a pending mutation for a local write.
// Payload may be nil for deletes.
func NewPendingMutation(op MutationOp, et EntityType, entityID string, payload json.RawMessage) *PendingMutation {
	return &PendingMutation{
		ID:         uuid.NewString(),
		EntityType: et,
		EntityID:   entityID,
		Op:         op,
		Payload:    payload,
		CreatedAt:  time.Now(),
		Status:     StatusPending,
	}
}

// Validate checks the mutation's required fields.
func (m *PendingMutation) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !m.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", m.EntityType)
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !m.Op.Valid() {
		return fmt.Errorf("unknown operation %q", m.Op)
	}
	if m.Op != OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", m.Op)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}
