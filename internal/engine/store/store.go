// Package store provides the durable local cache for the Crewdeck sync
// engine.
//
// The cache is an embedded SQLite database opened in WAL mode so that
// sibling contexts of the same user (other windows of the client) can read
// concurrently while one context writes. It is the single source of truth
// for reads: the UI layer reads the cache even while offline, and every
// component mutates entities only through this package's API.
//
// Rows carry a pending flag distinguishing optimistic local writes from
// server-confirmed state, so consumers can render a "syncing" affordance
// without a second bookkeeping structure.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the embedded SQLite connection backing the local cache.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a cache database at the specified path.
//
// The database is opened in WAL mode. If it doesn't exist it is created
// along with the schema. The caller MUST call Close() when done.
//
// Example:
//
//	cache, err := store.Open(filepath.Join(dataDir, "cache.db"))
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping cache database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection. The offline mutation
// queue shares this connection so that a local write and its queued
// mutation land in the same database file.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the cache database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection after checkpointing the WAL.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close cache database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the cache tables. Idempotent.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		list_id    TEXT NOT NULL DEFAULT '',
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		pending    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_list ON tasks(list_id);

	CREATE TABLE IF NOT EXISTS lists (
		id         TEXT PRIMARY KEY,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		pending    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS comments (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		pending    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_comments_task ON comments(task_id);

	CREATE TABLE IF NOT EXISTS cursors (
		entity_type  TEXT PRIMARY KEY,
		cursor_value TEXT NOT NULL,
		last_sync_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS mutations (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		op          TEXT NOT NULL CHECK (op IN ('create','update','delete')),
		payload     TEXT,
		created_at  TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status      TEXT NOT NULL DEFAULT 'pending'
	);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status);
	CREATE INDEX IF NOT EXISTS idx_mutations_entity ON mutations(entity_type, entity_id);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create cache schema: %w", err)
	}
	return nil
}

const timeFormat = time.RFC3339Nano

// TaskRecord is a cached task plus its provenance flag.
type TaskRecord struct {
	Task    entity.Task
	Pending bool
}

// ListRecord is a cached list plus its provenance flag.
type ListRecord struct {
	List    entity.List
	Pending bool
}

// CommentRecord is a cached comment plus its provenance flag.
type CommentRecord struct {
	Comment entity.Comment
	Pending bool
}

// SetTask inserts or updates a single task. isRemote marks the write as
// server-confirmed; a local (optimistic) write leaves the row pending.
func (s *Store) SetTask(ctx context.Context, t *entity.Task, isRemote bool) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid task: %w", err)
	}
	env, err := t.Envelope()
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
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

// SetTasks upserts a batch of tasks in one transaction.
func (s *Store) SetTasks(ctx context.Context, tasks []*entity.Task, isRemote bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range tasks {
			if err := upsertTaskTx(ctx, tx, t, isRemote); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetTask returns a single cached task, or nil if absent.
func (s *Store) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT payload, pending FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// GetTasks returns every cached task.
func (s *Store) GetTasks(ctx context.Context) ([]TaskRecord, error) {
	return s.queryTasks(ctx, `SELECT payload, pending FROM tasks ORDER BY id`)
}

// GetTasksByList returns cached tasks scoped to one list.
func (s *Store) GetTasksByList(ctx context.Context, listID string) ([]TaskRecord, error) {
	return s.queryTasks(ctx,
		`SELECT payload, pending FROM tasks WHERE list_id = ? ORDER BY id`, listID)
}

// RemoveTask deletes a task and its comments from the cache.
//
// The isRemote flag is accepted for symmetry with the write API; removal
// semantics do not differ because a tombstone leaves nothing to mark
// pending.
func (s *Store) RemoveTask(ctx context.Context, id string, isRemote bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM comments WHERE task_id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove comments for task %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove task %s: %w", id, err)
		}
		return nil
	})
}

// SetList inserts or updates a single list.
func (s *Store) SetList(ctx context.Context, l *entity.List, isRemote bool) error {
	if err := l.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid list: %w", err)
	}
	env, err := l.Envelope()
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
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

// SetLists upserts a batch of lists in one transaction.
func (s *Store) SetLists(ctx context.Context, lists []*entity.List, isRemote bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, l := range lists {
			if err := upsertListTx(ctx, tx, l, isRemote); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetList returns a single cached list, or nil if absent.
func (s *Store) GetList(ctx context.Context, id string) (*ListRecord, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT payload, pending FROM lists WHERE id = ?`, id)
	rec, err := scanList(row)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetLists returns every cached list.
func (s *Store) GetLists(ctx context.Context) ([]ListRecord, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT payload, pending FROM lists ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query lists: %w", err)
	}
	defer rows.Close()

	var out []ListRecord
	for rows.Next() {
		var payload string
		var pending int
		if err := rows.Scan(&payload, &pending); err != nil {
			return nil, fmt.Errorf("failed to scan list: %w", err)
		}
		rec, err := decodeList(payload, pending)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// RemoveList deletes a list from the cache. Tasks under the list are kept;
// the server emits separate tombstones for them.
func (s *Store) RemoveList(ctx context.Context, id string, isRemote bool) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM lists WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove list %s: %w", id, err)
	}
	return nil
}

// SetComment inserts or updates a single comment.
func (s *Store) SetComment(ctx context.Context, c *entity.Comment, isRemote bool) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("cannot cache invalid comment: %w", err)
	}
	env, err := c.Envelope()
	if err != nil {
		return err
	}
	_, err = s.conn.ExecContext(ctx, `
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

// GetCommentsByTask returns cached comments for one task in creation order.
func (s *Store) GetCommentsByTask(ctx context.Context, taskID string) ([]CommentRecord, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT payload, pending FROM comments
		WHERE task_id = ? ORDER BY updated_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query comments for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []CommentRecord
	for rows.Next() {
		var payload string
		var pending int
		if err := rows.Scan(&payload, &pending); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		var c entity.Comment
		if err := unmarshalPayload(payload, &c); err != nil {
			return nil, err
		}
		out = append(out, CommentRecord{Comment: c, Pending: pending != 0})
	}
	return out, rows.Err()
}

// ClearAll wipes entities and cursors. Pending mutations survive: a cache
// reset must not discard local writes the server has never seen.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"tasks", "lists", "comments", "cursors"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		return nil
	})
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]TaskRecord, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var payload string
		var pending int
		if err := rows.Scan(&payload, &pending); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		var t entity.Task
		if err := unmarshalPayload(payload, &t); err != nil {
			return nil, err
		}
		out = append(out, TaskRecord{Task: t, Pending: pending != 0})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
