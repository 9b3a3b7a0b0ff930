// Package queue provides the durable offline mutation queue.
//
// Local writes made while disconnected (or speculatively, before the server
// acknowledges them) are appended here and replayed once connectivity
// returns. Mutations against the same entity replay in creation order;
// mutations against different entities carry no ordering guarantee relative
// to each other.
//
// The queue shares the cache's SQLite database so a local write and its
// queued mutation are persisted together.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/crewdeck/crewdeck/internal/engine/store"
)

// DefaultRetryCeiling is how many send attempts a mutation gets before it
// is marked failed and surfaced for manual intervention. Policy, not a
// correctness constant; override via Config.
const DefaultRetryCeiling = 5

// Submitter sends one mutation to the server. The submission endpoint is
// idempotent per mutation ID, so replaying after an ambiguous failure is
// safe.
type Submitter interface {
	SubmitMutation(ctx context.Context, m *entity.PendingMutation) error
}

// Stats summarizes queue state for UI indicators: pending rows render as
// "syncing", failed rows as "failed to save".
type Stats struct {
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Config holds queue configuration.
type Config struct {
	// RetryCeiling is the maximum retry count before a mutation is
	// marked failed (default DefaultRetryCeiling).
	RetryCeiling int

	// Logger for queue activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryCeiling: DefaultRetryCeiling,
		Logger:       log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Queue is the durable, ordered queue of not-yet-acknowledged local writes.
type Queue struct {
	db     *sql.DB
	config *Config
}

// New creates a queue backed by the cache's database.
func New(cache *store.Store, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.RetryCeiling <= 0 {
		config.RetryCeiling = DefaultRetryCeiling
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{db: cache.RawDB(), config: config}
}

// Enqueue appends a pending mutation, preserving per-entity creation order
// via the queue's monotonic sequence.
func (q *Queue) Enqueue(ctx context.Context, m *entity.PendingMutation) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("cannot enqueue invalid mutation: %w", err)
	}

	var payload any
	if len(m.Payload) > 0 {
		payload = string(m.Payload)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mutations (id, entity_type, entity_id, op, payload, created_at, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityType, m.EntityID, m.Op, payload,
		m.CreatedAt.UTC().Format(time.RFC3339Nano), m.RetryCount, entity.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation %s: %w", m.ID, err)
	}

	q.config.Logger.Printf("Enqueued %s %s %s", m.Op, m.EntityType, m.EntityID)
	return nil
}

// Pending returns mutations eligible for replay, in queue order.
func (q *Queue) Pending(ctx context.Context) ([]entity.PendingMutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, payload, created_at, retry_count, status
		FROM mutations
		WHERE status IN (?, ?)
		ORDER BY seq`,
		entity.StatusPending, entity.StatusInflight)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// Failed returns mutations that exceeded the retry ceiling.
func (q *Queue) Failed(ctx context.Context) ([]entity.PendingMutation, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, op, payload, created_at, retry_count, status
		FROM mutations
		WHERE status = ?
		ORDER BY seq`,
		entity.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed mutations: %w", err)
	}
	defer rows.Close()
	return scanMutations(rows)
}

// SyncPendingMutations replays queued mutations through the submitter in
// creation order.
//
// On acknowledgment a mutation is marked completed. On failure its retry
// count is incremented; past the retry ceiling it is marked failed and
// excluded from further automatic replay. When a mutation fails, later
// mutations for the same entity are skipped this pass so per-entity order
// is never violated; mutations for other entities continue.
//
// Returns the number of acknowledged mutations.
func (q *Queue) SyncPendingMutations(ctx context.Context, submitter Submitter) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	q.config.Logger.Printf("Replaying %d pending mutations", len(pending))

	completed := 0
	blocked := make(map[string]bool) // entityType/entityID -> stalled this pass

	for i := range pending {
		m := &pending[i]
		key := string(m.EntityType) + "/" + m.EntityID
		if blocked[key] {
			continue
		}

		if err := q.setStatus(ctx, m.ID, entity.StatusInflight); err != nil {
			return completed, err
		}

		if err := submitter.SubmitMutation(ctx, m); err != nil {
			m.RetryCount++
			q.config.Logger.Printf("Mutation %s failed (attempt %d): %v", m.ID, m.RetryCount, err)

			status := entity.StatusPending
			if m.RetryCount >= q.config.RetryCeiling {
				status = entity.StatusFailed
				q.config.Logger.Printf("Mutation %s exceeded retry ceiling, marked failed", m.ID)
			}
			if err := q.recordAttempt(ctx, m.ID, m.RetryCount, status); err != nil {
				return completed, err
			}
			blocked[key] = true
			continue
		}

		if err := q.setStatus(ctx, m.ID, entity.StatusCompleted); err != nil {
			return completed, err
		}
		completed++
	}

	if completed > 0 {
		q.config.Logger.Printf("Replay complete: %d acknowledged", completed)
	}
	return completed, nil
}

// GetMutationStats returns counts by lifecycle state.
func (q *Queue) GetMutationStats(ctx context.Context) (Stats, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM mutations GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to query mutation stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("failed to scan mutation stats: %w", err)
		}
		switch entity.MutationStatus(status) {
		case entity.StatusPending, entity.StatusInflight:
			stats.Pending += count
		case entity.StatusFailed:
			stats.Failed += count
		case entity.StatusCompleted:
			stats.Completed += count
		}
	}
	return stats, rows.Err()
}

// RetryFailed returns failed mutations to the pending state with a fresh
// retry budget. Invoked by explicit user action only.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE mutations SET status = ?, retry_count = 0 WHERE status = ?`,
		entity.StatusPending, entity.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DiscardFailed drops failed mutations permanently.
func (q *Queue) DiscardFailed(ctx context.Context) (int, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM mutations WHERE status = ?`, entity.StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("failed to discard failed mutations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (q *Queue) setStatus(ctx context.Context, id string, status entity.MutationStatus) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE mutations SET status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("failed to update mutation %s: %w", id, err)
	}
	return nil
}

func (q *Queue) recordAttempt(ctx context.Context, id string, retryCount int, status entity.MutationStatus) error {
	if _, err := q.db.ExecContext(ctx,
		`UPDATE mutations SET retry_count = ?, status = ? WHERE id = ?`,
		retryCount, status, id); err != nil {
		return fmt.Errorf("failed to record attempt for mutation %s: %w", id, err)
	}
	return nil
}

func scanMutations(rows *sql.Rows) ([]entity.PendingMutation, error) {
	var out []entity.PendingMutation
	for rows.Next() {
		var m entity.PendingMutation
		var payload sql.NullString
		var createdAt string
		if err := rows.Scan(&m.ID, &m.EntityType, &m.EntityID, &m.Op, &payload,
			&createdAt, &m.RetryCount, &m.Status); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}
		if payload.Valid {
			m.Payload = []byte(payload.String)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt created_at for mutation %s: %w", m.ID, err)
		}
		m.CreatedAt = ts
		out = append(out, m)
	}
	return out, rows.Err()
}
