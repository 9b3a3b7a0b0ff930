package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

// ApplyEntities merges a batch of fetched entities and tombstones for one
// entity type into the cache atomically.
//
// All writes are server-confirmed (pending flag cleared). Deletions are
// applied after updates: when one response batch carries both a stale update
// and a tombstone for the same id, the final cache state reflects deletion.
func (s *Store) ApplyEntities(ctx context.Context, et entity.EntityType, items []entity.Entity, deletedIDs []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for i := range items {
			e := &items[i]
			if e.Deleted {
				// Tombstones inside items are handled with deletedIDs below.
				continue
			}
			if err := upsertEntityTx(ctx, tx, et, e); err != nil {
				return err
			}
		}

		// Collect tombstones from both the explicit deleted list and any
		// tombstone envelopes mixed into the items.
		ids := append([]string(nil), deletedIDs...)
		for i := range items {
			if items[i].Deleted {
				ids = append(ids, items[i].ID)
			}
		}
		for _, id := range ids {
			if err := deleteEntityTx(ctx, tx, et, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReplaceEntities atomically replaces the cache contents for one entity
// type with the given set. Used by full sync.
func (s *Store) ReplaceEntities(ctx context.Context, et entity.EntityType, items []entity.Entity) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		table, err := tableFor(et)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
		for i := range items {
			e := &items[i]
			if e.Deleted {
				continue
			}
			if err := upsertEntityTx(ctx, tx, et, e); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApplyEntity merges a single server-confirmed entity envelope, typically
// from a push channel event. A tombstone removes the entity.
func (s *Store) ApplyEntity(ctx context.Context, e *entity.Entity) error {
	return s.applyEnvelope(ctx, e, true)
}

// ApplyLocal applies an optimistic local write: the row stays pending until
// a later sync confirms it. A local tombstone removes the entity
// immediately; the UI should not show rows the user just deleted.
func (s *Store) ApplyLocal(ctx context.Context, e *entity.Entity) error {
	return s.applyEnvelope(ctx, e, false)
}

func (s *Store) applyEnvelope(ctx context.Context, e *entity.Entity, isRemote bool) error {
	if e.Deleted {
		switch e.Type {
		case entity.TypeTask:
			return s.RemoveTask(ctx, e.ID, isRemote)
		case entity.TypeList:
			return s.RemoveList(ctx, e.ID, isRemote)
		case entity.TypeComment:
			_, err := s.conn.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, e.ID)
			if err != nil {
				return fmt.Errorf("failed to remove comment %s: %w", e.ID, err)
			}
			return nil
		}
		return fmt.Errorf("unknown entity type %q", e.Type)
	}

	switch e.Type {
	case entity.TypeTask:
		t, err := entity.TaskFromEntity(e)
		if err != nil {
			return err
		}
		return s.SetTask(ctx, t, isRemote)
	case entity.TypeList:
		l, err := entity.ListFromEntity(e)
		if err != nil {
			return err
		}
		return s.SetList(ctx, l, isRemote)
	case entity.TypeComment:
		c, err := entity.CommentFromEntity(e)
		if err != nil {
			return err
		}
		return s.SetComment(ctx, c, isRemote)
	}
	return fmt.Errorf("unknown entity type %q", e.Type)
}

func upsertEntityTx(ctx context.Context, tx *sql.Tx, et entity.EntityType, e *entity.Entity) error {
	if e.Type == "" {
		e.Type = et
	}
	switch et {
	case entity.TypeTask:
		t, err := entity.TaskFromEntity(e)
		if err != nil {
			return err
		}
		return upsertTaskTx(ctx, tx, t, true)
	case entity.TypeList:
		l, err := entity.ListFromEntity(e)
		if err != nil {
			return err
		}
		return upsertListTx(ctx, tx, l, true)
	case entity.TypeComment:
		c, err := entity.CommentFromEntity(e)
		if err != nil {
			return err
		}
		return upsertCommentTx(ctx, tx, c, true)
	}
	return fmt.Errorf("unknown entity type %q", et)
}

func deleteEntityTx(ctx context.Context, tx *sql.Tx, et entity.EntityType, id string) error {
	switch et {
	case entity.TypeTask:
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove comments for task %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove task %s: %w", id, err)
		}
		return nil
	case entity.TypeList:
		if _, err := tx.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove list %s: %w", id, err)
		}
		return nil
	case entity.TypeComment:
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove comment %s: %w", id, err)
		}
		return nil
	}
	return fmt.Errorf("unknown entity type %q", et)
}

func tableFor(et entity.EntityType) (string, error) {
	switch et {
	case entity.TypeTask:
		return "tasks", nil
	case entity.TypeList:
		return "lists", nil
	case entity.TypeComment:
		return "comments", nil
	}
	return "", fmt.Errorf("unknown entity type %q", et)
}
