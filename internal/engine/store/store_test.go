package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/entity"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testTask(id, listID, title string) *entity.Task {
	task := &entity.Task{ID: id, ListID: listID, Title: title}
	task.SetDefaults()
	return task
}

func taskEnvelope(t *testing.T, id, title string, updatedAt time.Time) entity.Entity {
	t.Helper()
	task := testTask(id, "l1", title)
	task.UpdatedAt = updatedAt
	env, err := task.Envelope()
	if err != nil {
		t.Fatalf("Envelope() failed: %v", err)
	}
	return env
}

func TestReadYourWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetTask(ctx, testTask("t1", "l1", "First"), false); err != nil {
		t.Fatalf("SetTask() failed: %v", err)
	}

	rec, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec == nil {
		t.Fatal("task not visible after write")
	}
	if rec.Task.Title != "First" {
		t.Errorf("title = %q, want First", rec.Task.Title)
	}
	if !rec.Pending {
		t.Error("local write must be marked pending")
	}

	// Server confirmation clears the pending flag.
	if err := s.SetTask(ctx, testTask("t1", "l1", "First"), true); err != nil {
		t.Fatalf("SetTask(remote) failed: %v", err)
	}
	rec, err = s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec.Pending {
		t.Error("remote write must clear the pending flag")
	}
}

func TestGetTaskMissing(t *testing.T) {
	s := openTestStore(t)
	rec, err := s.GetTask(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil for missing task, got %+v", rec)
	}
}

func TestGetTasksByList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, tk := range []*entity.Task{
		testTask("a", "inbox", "A"),
		testTask("b", "inbox", "B"),
		testTask("c", "other", "C"),
	} {
		if err := s.SetTask(ctx, tk, true); err != nil {
			t.Fatalf("SetTask(%s) failed: %v", tk.ID, err)
		}
	}

	got, err := s.GetTasksByList(ctx, "inbox")
	if err != nil {
		t.Fatalf("GetTasksByList() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tasks, want 2", len(got))
	}
}

func TestRemoveTaskCascadesComments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetTask(ctx, testTask("t1", "l1", "Has comments"), true); err != nil {
		t.Fatalf("SetTask() failed: %v", err)
	}
	comment := &entity.Comment{
		ID: "c1", TaskID: "t1", Author: "ana", Body: "hi",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.SetComment(ctx, comment, true); err != nil {
		t.Fatalf("SetComment() failed: %v", err)
	}

	if err := s.RemoveTask(ctx, "t1", true); err != nil {
		t.Fatalf("RemoveTask() failed: %v", err)
	}

	comments, err := s.GetCommentsByTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetCommentsByTask() failed: %v", err)
	}
	if len(comments) != 0 {
		t.Errorf("comments survived task removal: %d left", len(comments))
	}
}

func TestApplyEntitiesDeleteAfterUpdate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// One batch carries both an update and a tombstone for t1: the
	// tombstone must win regardless of slice order.
	items := []entity.Entity{
		taskEnvelope(t, "t1", "Updated then deleted", time.Now()),
		taskEnvelope(t, "t2", "Survivor", time.Now()),
	}
	if err := s.ApplyEntities(ctx, entity.TypeTask, items, []string{"t1"}); err != nil {
		t.Fatalf("ApplyEntities() failed: %v", err)
	}

	rec, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec != nil {
		t.Error("tombstoned task still cached; deletes must apply after updates")
	}

	rec, err = s.GetTask(ctx, "t2")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec == nil {
		t.Error("unrelated task lost during merge")
	}
}

func TestApplyEntitiesTombstoneEnvelope(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetTask(ctx, testTask("t1", "l1", "Doomed"), true); err != nil {
		t.Fatalf("SetTask() failed: %v", err)
	}

	items := []entity.Entity{
		{ID: "t1", Type: entity.TypeTask, UpdatedAt: time.Now(), Deleted: true},
	}
	if err := s.ApplyEntities(ctx, entity.TypeTask, items, nil); err != nil {
		t.Fatalf("ApplyEntities() failed: %v", err)
	}

	rec, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec != nil {
		t.Error("tombstone envelope inside items was not applied")
	}
}

func TestReplaceEntities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetTask(ctx, testTask("stale", "l1", "Stale"), true); err != nil {
		t.Fatalf("SetTask() failed: %v", err)
	}

	items := []entity.Entity{taskEnvelope(t, "fresh", "Fresh", time.Now())}
	if err := s.ReplaceEntities(ctx, entity.TypeTask, items); err != nil {
		t.Fatalf("ReplaceEntities() failed: %v", err)
	}

	tasks, err := s.GetTasks(ctx)
	if err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Task.ID != "fresh" {
		t.Errorf("replace left wrong contents: %+v", tasks)
	}
}

func TestApplyLocalDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetTask(ctx, testTask("t1", "l1", "Going away"), true); err != nil {
		t.Fatalf("SetTask() failed: %v", err)
	}

	env := entity.Entity{ID: "t1", Type: entity.TypeTask, UpdatedAt: time.Now(), Deleted: true}
	if err := s.ApplyLocal(ctx, &env); err != nil {
		t.Fatalf("ApplyLocal() failed: %v", err)
	}

	rec, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec != nil {
		t.Error("locally deleted task still visible")
	}
}

func TestCursorPersistence(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.GetCursor(ctx, entity.TypeTask)
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil cursor before first sync, got %+v", got)
	}

	want := &entity.SyncCursor{
		EntityType:  entity.TypeTask,
		CursorValue: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		LastSyncAt:  time.Date(2026, 8, 25, 12, 0, 1, 0, time.UTC),
	}
	if err := s.PutCursor(ctx, want); err != nil {
		t.Fatalf("PutCursor() failed: %v", err)
	}

	got, err = s.GetCursor(ctx, entity.TypeTask)
	if err != nil {
		t.Fatalf("GetCursor() failed: %v", err)
	}
	if got == nil || !got.CursorValue.Equal(want.CursorValue) {
		t.Errorf("cursor round trip mismatch: %+v", got)
	}

	all, err := s.GetCursors(ctx)
	if err != nil {
		t.Fatalf("GetCursors() failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("got %d cursors, want 1", len(all))
	}
}

func TestClearAllPreservesMutations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SetTask(ctx, testTask("t1", "l1", "Cached"), true); err != nil {
		t.Fatalf("SetTask() failed: %v", err)
	}
	cur := &entity.SyncCursor{EntityType: entity.TypeTask, CursorValue: time.Now(), LastSyncAt: time.Now()}
	if err := s.PutCursor(ctx, cur); err != nil {
		t.Fatalf("PutCursor() failed: %v", err)
	}

	// A queued write survives a cache reset; the mutations table is owned
	// by the queue, not the cache.
	payload, _ := json.Marshal(map[string]string{"title": "queued"})
	if _, err := s.RawDB().ExecContext(ctx, `
		INSERT INTO mutations (id, entity_type, entity_id, op, payload, created_at)
		VALUES ('m1', 'task', 't1', 'update', ?, ?)`,
		string(payload), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		t.Fatalf("insert mutation failed: %v", err)
	}

	if err := s.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() failed: %v", err)
	}

	tasks, err := s.GetTasks(ctx)
	if err != nil {
		t.Fatalf("GetTasks() failed: %v", err)
	}
	if len(tasks) != 0 {
		t.Error("entities survived ClearAll")
	}
	if c, err := s.GetCursor(ctx, entity.TypeTask); err != nil || c != nil {
		t.Errorf("cursor survived ClearAll: %+v (err=%v)", c, err)
	}

	var n int
	if err := s.RawDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM mutations`).Scan(&n); err != nil {
		t.Fatalf("count mutations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("mutations cleared by ClearAll: %d left, want 1", n)
	}
}
