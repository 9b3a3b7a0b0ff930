package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

// Cursor persistence. The SyncCoordinator is the only component that reads
// or writes cursors; the store merely keeps them durable alongside the
// entities they describe.

// GetCursor returns the stored cursor for an entity type, or nil if sync
// has never completed for that type.
func (s *Store) GetCursor(ctx context.Context, et entity.EntityType) (*entity.SyncCursor, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT cursor_value, last_sync_at FROM cursors WHERE entity_type = ?`, et)

	var cursorValue, lastSyncAt string
	if err := row.Scan(&cursorValue, &lastSyncAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read cursor for %s: %w", et, err)
	}

	cv, err := time.Parse(timeFormat, cursorValue)
	if err != nil {
		return nil, fmt.Errorf("corrupt cursor value for %s: %w", et, err)
	}
	ls, err := time.Parse(timeFormat, lastSyncAt)
	if err != nil {
		return nil, fmt.Errorf("corrupt last_sync_at for %s: %w", et, err)
	}
	return &entity.SyncCursor{EntityType: et, CursorValue: cv, LastSyncAt: ls}, nil
}

// PutCursor stores a cursor, overwriting any previous value for the type.
func (s *Store) PutCursor(ctx context.Context, c *entity.SyncCursor) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cursors (entity_type, cursor_value, last_sync_at)
		VALUES (?, ?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			last_sync_at = excluded.last_sync_at`,
		c.EntityType, c.CursorValue.UTC().Format(timeFormat), c.LastSyncAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to store cursor for %s: %w", c.EntityType, err)
	}
	return nil
}

// GetCursors returns all stored cursors keyed by entity type.
func (s *Store) GetCursors(ctx context.Context) (map[entity.EntityType]entity.SyncCursor, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT entity_type, cursor_value, last_sync_at FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cursors: %w", err)
	}
	defer rows.Close()

	out := make(map[entity.EntityType]entity.SyncCursor)
	for rows.Next() {
		var et, cursorValue, lastSyncAt string
		if err := rows.Scan(&et, &cursorValue, &lastSyncAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cv, err := time.Parse(timeFormat, cursorValue)
		if err != nil {
			return nil, fmt.Errorf("corrupt cursor value for %s: %w", et, err)
		}
		ls, err := time.Parse(timeFormat, lastSyncAt)
		if err != nil {
			return nil, fmt.Errorf("corrupt last_sync_at for %s: %w", et, err)
		}
		out[entity.EntityType(et)] = entity.SyncCursor{
			EntityType:  entity.EntityType(et),
			CursorValue: cv,
			LastSyncAt:  ls,
		}
	}
	return out, rows.Err()
}

// ClearCursors removes all stored cursors.
func (s *Store) ClearCursors(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM cursors`); err != nil {
		return fmt.Errorf("failed to clear cursors: %w", err)
	}
	return nil
}
