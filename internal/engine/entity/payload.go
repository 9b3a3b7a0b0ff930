package entity

import (
	"encoding/json"
	"fmt"
	"time"
)

// Task is the payload for a task entity.
//
// Fields are flat and independently updatable; the server resolves
// concurrent writes per field by last-write-wins using UpdatedAt.
type Task struct {
	ID          string     `json:"id"`
	ListID      string     `json:"list_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"` // open, in_progress, done
	Priority    int        `json:"priority"`
	Assignee    string     `json:"assignee,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if t.Status == "" {
		return fmt.Errorf("status is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Status == "" {
		t.Status = "open"
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
}

// Envelope wraps the task in an entity envelope for transport and storage.
func (t *Task) Envelope() (Entity, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to marshal task %s: %w", t.ID, err)
	}
	return Entity{ID: t.ID, Type: TypeTask, UpdatedAt: t.UpdatedAt, Payload: payload}, nil
}

// TaskFromEntity decodes a task payload out of an entity envelope.
func TaskFromEntity(e *Entity) (*Task, error) {
	if e.Type != TypeTask {
		return nil, fmt.Errorf("entity %s is a %s, not a task", e.ID, e.Type)
	}
	var t Task
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return nil, fmt.Errorf("failed to parse task payload for %s: %w", e.ID, err)
	}
	if t.ID == "" {
		t.ID = e.ID
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = e.UpdatedAt
	}
	return &t, nil
}

// List is the payload for a list entity.
type List struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the List has valid field values.
func (l *List) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("id is required")
	}
	if l.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Envelope wraps the list in an entity envelope.
func (l *List) Envelope() (Entity, error) {
	payload, err := json.Marshal(l)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to marshal list %s: %w", l.ID, err)
	}
	return Entity{ID: l.ID, Type: TypeList, UpdatedAt: l.UpdatedAt, Payload: payload}, nil
}

// ListFromEntity decodes a list payload out of an entity envelope.
func ListFromEntity(e *Entity) (*List, error) {
	if e.Type != TypeList {
		return nil, fmt.Errorf("entity %s is a %s, not a list", e.ID, e.Type)
	}
	var l List
	if err := json.Unmarshal(e.Payload, &l); err != nil {
		return nil, fmt.Errorf("failed to parse list payload for %s: %w", e.ID, err)
	}
	if l.ID == "" {
		l.ID = e.ID
	}
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = e.UpdatedAt
	}
	return &l, nil
}

// Comment is the payload for a comment entity. Comments are immutable once
// created and always belong to a task.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the Comment has valid field values.
func (c *Comment) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if c.Body == "" {
		return fmt.Errorf("body is required")
	}
	return nil
}

// Envelope wraps the comment in an entity envelope.
func (c *Comment) Envelope() (Entity, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Entity{}, fmt.Errorf("failed to marshal comment %s: %w", c.ID, err)
	}
	return Entity{ID: c.ID, Type: TypeComment, UpdatedAt: c.UpdatedAt, Payload: payload}, nil
}

// CommentFromEntity decodes a comment payload out of an entity envelope.
func CommentFromEntity(e *Entity) (*Comment, error) {
	if e.Type != TypeComment {
		return nil, fmt.Errorf("entity %s is a %s, not a comment", e.ID, e.Type)
	}
	var c Comment
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return nil, fmt.Errorf("failed to parse comment payload for %s: %w", e.ID, err)
	}
	if c.ID == "" {
		c.ID = e.ID
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = e.UpdatedAt
	}
	return &c, nil
}
