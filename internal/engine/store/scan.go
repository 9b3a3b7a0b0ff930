package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

func unmarshalPayload(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("failed to parse cached payload: %w", err)
	}
	return nil
}

func scanTask(row *sql.Row) (*TaskRecord, error) {
	var payload string
	var pending int
	if err := row.Scan(&payload, &pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	var t entity.Task
	if err := unmarshalPayload(payload, &t); err != nil {
		return nil, err
	}
	return &TaskRecord{Task: t, Pending: pending != 0}, nil
}

func scanList(row *sql.Row) (*ListRecord, error) {
	var payload string
	var pending int
	if err := row.Scan(&payload, &pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan list: %w", err)
	}
	return decodeList(payload, pending)
}

func decodeList(payload string, pending int) (*ListRecord, error) {
	var l entity.List
	if err := unmarshalPayload(payload, &l); err != nil {
		return nil, err
	}
	return &ListRecord{List: l, Pending: pending != 0}, nil
}

func upsertTaskTx(ctx context.Context, tx *sql.Tx, t *entity.Task, isRemote bool) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid task: %w", err)
	}
	env, err := t.Envelope()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, list_id, payload, updated_at, pending)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			list_id = excluded.list_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			pending = excluded.pending`,
		t.ID, t.ListID, string(env.Payload), t.UpdatedAt.UTC().Format(timeFormat), boolToInt(!isRemote))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", t.ID, err)
	}
	return nil
}

func upsertListTx(ctx context.Context, tx *sql.Tx, l *entity.List, isRemote bool) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid list: %w", err)
	}
	env, err := l.Envelope()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lists (id, payload, updated_at, pending)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			pending = excluded.pending`,
		l.ID, string(env.Payload), l.UpdatedAt.UTC().Format(timeFormat), boolToInt(!isRemote))
	if err != nil {
		return fmt.Errorf("failed to upsert list %s: %w", l.ID, err)
	}
	return nil
}

func upsertCommentTx(ctx context.Context, tx *sql.Tx, c *entity.Comment, isRemote bool) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid comment: %w", err)
	}
	env, err := c.Envelope()
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO comments (id, task_id, payload, updated_at, pending)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			pending = excluded.pending`,
		c.ID, c.TaskID, string(env.Payload), c.UpdatedAt.UTC().Format(timeFormat), boolToInt(!isRemote))
	if err != nil {
		return fmt.Errorf("failed to upsert comment %s: %w", c.ID, err)
	}
	return nil
}
