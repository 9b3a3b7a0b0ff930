package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/crewdeck/crewdeck/internal/engine/queue"
	"github.com/crewdeck/crewdeck/internal/engine/store"
)

// fakeServer scripts fetch/submit behavior and records call order.
type fakeServer struct {
	mu        sync.Mutex
	calls     []string
	fetchFn   func(et entity.EntityType, since *time.Time) (*api.FetchResponse, error)
	comments  []entity.Comment
	submitErr error
	gate      chan struct{} // when set, FetchEntities blocks until closed
}

func (f *fakeServer) FetchEntities(ctx context.Context, et entity.EntityType, since *time.Time) (*api.FetchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "fetch:"+string(et))
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.fetchFn(et, since)
}

func (f *fakeServer) FetchComments(ctx context.Context, taskID string) ([]entity.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "comments:"+taskID)
	return f.comments, nil
}

func (f *fakeServer) SubmitMutation(ctx context.Context, m *entity.PendingMutation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "submit:"+m.EntityID)
	return f.submitErr
}

func (f *fakeServer) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// offline is a ConnectivityObserver stuck reporting no network.
type offline struct{}

func (offline) Online() bool { return false }

func emptyResponse(serverTime time.Time) func(entity.EntityType, *time.Time) (*api.FetchResponse, error) {
	return func(entity.EntityType, *time.Time) (*api.FetchResponse, error) {
		return &api.FetchResponse{ServerTime: serverTime}, nil
	}
}

func taskItem(t *testing.T, id, title string, updatedAt time.Time) entity.Entity {
	t.Helper()
	task := &entity.Task{ID: id, ListID: "l1", Title: title}
	task.SetDefaults()
	task.UpdatedAt = updatedAt
	env, err := task.Envelope()
	if err != nil {
		t.Fatalf("Envelope() failed: %v", err)
	}
	return env
}

func newTestCoordinator(t *testing.T, srv *fakeServer, cfg *Config) (*Coordinator, *store.Store, *queue.Queue) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	q := queue.New(s, &queue.Config{Logger: log.New(io.Discard, "", 0)})

	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	return New(s, q, srv, srv, cfg), s, q
}

func TestColdStartFullSync(t *testing.T) {
	serverTime := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	srv := &fakeServer{
		fetchFn: func(et entity.EntityType, since *time.Time) (*api.FetchResponse, error) {
			if since != nil {
				t.Errorf("full sync sent updatedSince for %s", et)
			}
			resp := &api.FetchResponse{ServerTime: serverTime}
			if et == entity.TypeTask {
				resp.Items = []entity.Entity{taskItem(t, "t1", "Seeded", serverTime)}
			}
			return resp, nil
		},
	}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	result := c.PerformFullSync(ctx)
	if result.Status != StatusSuccess {
		t.Fatalf("status = %s (%s), want success", result.Status, result.Error)
	}
	if result.EntitiesUpdated[entity.TypeTask] != 1 {
		t.Errorf("tasks updated = %d, want 1", result.EntitiesUpdated[entity.TypeTask])
	}

	rec, err := s.GetTask(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("task not cached after full sync (err=%v)", err)
	}

	cursors, err := s.GetCursors(ctx)
	if err != nil {
		t.Fatalf("GetCursors() failed: %v", err)
	}
	for _, et := range entity.SyncedTypes {
		cur, ok := cursors[et]
		if !ok {
			t.Errorf("no cursor created for %s", et)
			continue
		}
		if !cur.CursorValue.Equal(serverTime) {
			t.Errorf("%s cursor = %v, want %v", et, cur.CursorValue, serverTime)
		}
	}
}

func TestIncrementalSyncIsIdempotent(t *testing.T) {
	serverTime := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	srv := &fakeServer{fetchFn: emptyResponse(serverTime)}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	if r := c.PerformFullSync(ctx); r.Status != StatusSuccess {
		t.Fatalf("seed sync failed: %s", r.Error)
	}
	before, _ := s.GetCursors(ctx)

	// Replaying with no server-side changes must not disturb anything.
	for i := 0; i < 2; i++ {
		r := c.PerformIncrementalSync(ctx, nil)
		if r.Status != StatusSuccess {
			t.Fatalf("incremental pass %d: %s (%s)", i, r.Status, r.Error)
		}
	}

	after, _ := s.GetCursors(ctx)
	for et, cur := range before {
		if !after[et].CursorValue.Equal(cur.CursorValue) {
			t.Errorf("%s cursor moved from %v to %v with no changes",
				et, cur.CursorValue, after[et].CursorValue)
		}
	}
}

func TestFullSyncWithoutServerTimeLeavesCursorUnset(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Time{})}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	if r := c.PerformFullSync(ctx); r.Status != StatusSuccess {
		t.Fatalf("full sync failed: %s", r.Error)
	}

	cursors, err := s.GetCursors(ctx)
	if err != nil {
		t.Fatalf("GetCursors() failed: %v", err)
	}
	if len(cursors) != 0 {
		t.Errorf("cursors stored from a response with no server time: %v", cursors)
	}

	// With no cursor the next sync must do another full fetch rather than
	// asking for changes since the zero time.
	srv.fetchFn = func(et entity.EntityType, since *time.Time) (*api.FetchResponse, error) {
		if since != nil {
			t.Errorf("%s fetch sent updatedSince %v without a cursor", et, *since)
		}
		return &api.FetchResponse{ServerTime: time.Now()}, nil
	}
	if r := c.PerformIncrementalSync(ctx, nil); r.Status != StatusSuccess {
		t.Fatalf("follow-up sync failed: %s", r.Error)
	}
}

func TestStaleResponseDoesNotRegressCursor(t *testing.T) {
	serverTime := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	srv := &fakeServer{fetchFn: emptyResponse(serverTime)}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	if r := c.PerformFullSync(ctx); r.Status != StatusSuccess {
		t.Fatalf("seed sync failed: %s", r.Error)
	}

	// A delayed reply stamped an hour earlier arrives next.
	srv.fetchFn = emptyResponse(serverTime.Add(-time.Hour))
	r := c.PerformIncrementalSync(ctx, &IncrementalOptions{Types: []entity.EntityType{entity.TypeTask}})

	if r.Status != StatusError {
		t.Errorf("status = %s, want error for stale response", r.Status)
	}
	if r.TypeErrors[entity.TypeTask] == "" {
		t.Error("stale response not surfaced in TypeErrors")
	}

	cur, err := s.GetCursor(ctx, entity.TypeTask)
	if err != nil || cur == nil {
		t.Fatalf("cursor missing (err=%v)", err)
	}
	if !cur.CursorValue.Equal(serverTime) {
		t.Errorf("cursor regressed to %v", cur.CursorValue)
	}
}

func TestIncrementalMergeAppliesTombstones(t *testing.T) {
	serverTime := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	srv := &fakeServer{fetchFn: emptyResponse(serverTime)}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	if r := c.PerformFullSync(ctx); r.Status != StatusSuccess {
		t.Fatalf("seed sync failed: %s", r.Error)
	}

	// The delta carries both an update and a tombstone for t1.
	later := serverTime.Add(time.Minute)
	srv.fetchFn = func(et entity.EntityType, since *time.Time) (*api.FetchResponse, error) {
		resp := &api.FetchResponse{ServerTime: later}
		if et == entity.TypeTask {
			if since == nil {
				return nil, fmt.Errorf("expected incremental fetch")
			}
			resp.Items = []entity.Entity{taskItem(t, "t1", "Last gasp", later)}
			resp.DeletedIDs = []string{"t1"}
		}
		return resp, nil
	}

	r := c.PerformIncrementalSync(ctx, nil)
	if r.Status != StatusSuccess {
		t.Fatalf("incremental failed: %s (%s)", r.Status, r.Error)
	}

	rec, err := s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec != nil {
		t.Error("tombstoned task survived the merge")
	}

	cur, _ := s.GetCursor(ctx, entity.TypeTask)
	if !cur.CursorValue.Equal(later) {
		t.Errorf("cursor = %v, want %v", cur.CursorValue, later)
	}
}

func TestMutualExclusion(t *testing.T) {
	gate := make(chan struct{})
	srv := &fakeServer{fetchFn: emptyResponse(time.Now()), gate: gate}
	c, _, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	results := make(chan *SyncResult, 1)
	go func() { results <- c.PerformFullSync(ctx) }()

	// Wait until the first sync is inside a fetch, then race a second one.
	deadline := time.Now().Add(5 * time.Second)
	for len(srv.callLog()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first sync never reached the server")
		}
		time.Sleep(time.Millisecond)
	}

	second := c.PerformFullSync(ctx)
	if second.Status != StatusIdle {
		t.Errorf("concurrent sync status = %s, want idle", second.Status)
	}

	close(gate)
	first := <-results
	if first.Status != StatusSuccess {
		t.Fatalf("first sync failed: %s", first.Error)
	}

	fetches := 0
	for _, call := range srv.callLog() {
		if len(call) > 5 && call[:5] == "fetch" {
			fetches++
		}
	}
	if fetches != len(entity.SyncedTypes) {
		t.Errorf("fetches = %d, want %d (idle caller must not fetch)", fetches, len(entity.SyncedTypes))
	}
}

func TestOfflineSyncFailsFast(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Now())}
	c, _, _ := newTestCoordinator(t, srv, &Config{Connectivity: offline{}})

	r := c.PerformFullSync(context.Background())
	if r.Status != StatusError {
		t.Fatalf("status = %s, want error", r.Status)
	}
	if r.Error != api.ErrOffline.Error() {
		t.Errorf("error = %q, want offline", r.Error)
	}
	if len(srv.callLog()) != 0 {
		t.Errorf("offline sync still called the server: %v", srv.callLog())
	}
}

func TestQueueDrainsBeforeFetch(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Now())}
	c, _, q := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	m := entity.NewPendingMutation(entity.OpUpdate, entity.TypeTask, "t1", json.RawMessage(`{"title":"local"}`))
	if err := q.Enqueue(ctx, m); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	r := c.PerformIncrementalSync(ctx, nil)
	if r.Status != StatusSuccess {
		t.Fatalf("sync failed: %s", r.Error)
	}
	if r.MutationsSent != 1 {
		t.Errorf("mutations sent = %d, want 1", r.MutationsSent)
	}

	calls := srv.callLog()
	if len(calls) == 0 || calls[0] != "submit:t1" {
		t.Errorf("queue not drained before fetching: %v", calls)
	}
}

func TestPartialFailureIsolatesTypes(t *testing.T) {
	serverTime := time.Now()
	srv := &fakeServer{
		fetchFn: func(et entity.EntityType, since *time.Time) (*api.FetchResponse, error) {
			if et == entity.TypeTask {
				return nil, fmt.Errorf("task endpoint down")
			}
			resp := &api.FetchResponse{ServerTime: serverTime}
			if et == entity.TypeList {
				list := &entity.List{ID: "l1", Name: "Inbox", CreatedAt: serverTime, UpdatedAt: serverTime}
				env, err := list.Envelope()
				if err != nil {
					return nil, err
				}
				resp.Items = []entity.Entity{env}
			}
			return resp, nil
		},
	}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	r := c.PerformFullSync(ctx)
	if r.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", r.Status)
	}
	if r.TypeErrors[entity.TypeTask] == "" {
		t.Error("task failure not reported")
	}

	// The list cache still updated despite the task failure.
	lists, err := s.GetLists(ctx)
	if err != nil {
		t.Fatalf("GetLists() failed: %v", err)
	}
	if len(lists) != 1 {
		t.Errorf("lists cached = %d, want 1", len(lists))
	}
	if cur, _ := s.GetCursor(ctx, entity.TypeTask); cur != nil {
		t.Error("cursor created for failed type")
	}
}

func TestSyncTaskCommentsOfflineFallsBackToCache(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Now())}
	c, s, _ := newTestCoordinator(t, srv, &Config{Connectivity: offline{}})
	ctx := context.Background()

	cached := &entity.Comment{
		ID: "c1", TaskID: "t1", Author: "ana", Body: "from cache",
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	if err := s.SetComment(ctx, cached, true); err != nil {
		t.Fatalf("SetComment() failed: %v", err)
	}

	comments, err := c.SyncTaskComments(ctx, "t1")
	if err != nil {
		t.Fatalf("SyncTaskComments() failed offline: %v", err)
	}
	if len(comments) != 1 || comments[0].Comment.Body != "from cache" {
		t.Errorf("offline comments = %+v, want cached view", comments)
	}
	if len(srv.callLog()) != 0 {
		t.Error("offline comment read hit the server")
	}
}

func TestSyncTaskCommentsOnlineRefreshesCache(t *testing.T) {
	now := time.Now()
	srv := &fakeServer{
		fetchFn: emptyResponse(now),
		comments: []entity.Comment{{
			ID: "c1", TaskID: "t1", Author: "bo", Body: "fresh",
			CreatedAt: now, UpdatedAt: now,
		}},
	}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	comments, err := c.SyncTaskComments(ctx, "t1")
	if err != nil {
		t.Fatalf("SyncTaskComments() failed: %v", err)
	}
	if len(comments) != 1 || comments[0].Comment.Body != "fresh" {
		t.Errorf("comments = %+v", comments)
	}

	// Fetched comments are persisted for later offline reads.
	cached, err := s.GetCommentsByTask(ctx, "t1")
	if err != nil || len(cached) != 1 {
		t.Errorf("comments not cached (err=%v, n=%d)", err, len(cached))
	}
}

func TestResetSyncCursors(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Now())}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	if r := c.PerformFullSync(ctx); r.Status != StatusSuccess {
		t.Fatalf("seed sync failed: %s", r.Error)
	}
	if err := c.ResetSyncCursors(ctx); err != nil {
		t.Fatalf("ResetSyncCursors() failed: %v", err)
	}

	cursors, err := s.GetCursors(ctx)
	if err != nil {
		t.Fatalf("GetCursors() failed: %v", err)
	}
	if len(cursors) != 0 {
		t.Errorf("cursors survived reset: %v", cursors)
	}
}

func TestSyncObserversAndLastResult(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Now())}
	c, _, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []SyncStatusValue
	unsub := c.OnSyncComplete(func(r *SyncResult) {
		mu.Lock()
		seen = append(seen, r.Status)
		mu.Unlock()
	})

	c.PerformFullSync(ctx)
	unsub()
	c.PerformFullSync(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Errorf("observer invoked %d times, want 1 (unsubscribed before second sync)", len(seen))
	}

	last := c.GetLastSyncResult()
	if last == nil || last.Status != StatusSuccess {
		t.Errorf("last result = %+v", last)
	}
}

func TestHandleChannelEvent(t *testing.T) {
	srv := &fakeServer{fetchFn: emptyResponse(time.Now())}
	c, s, _ := newTestCoordinator(t, srv, nil)
	ctx := context.Background()

	env := taskItem(t, "t1", "Pushed", time.Now())
	data, _ := json.Marshal(env)
	c.HandleChannelEvent(ctx, &entity.ChannelEvent{
		Type: entity.EventTaskCreated, Timestamp: time.Now(), Data: data,
	})

	rec, err := s.GetTask(ctx, "t1")
	if err != nil || rec == nil {
		t.Fatalf("pushed task not applied (err=%v)", err)
	}

	// Deletion event removes it again.
	tomb, _ := json.Marshal(entity.Entity{ID: "t1", Type: entity.TypeTask, UpdatedAt: time.Now()})
	c.HandleChannelEvent(ctx, &entity.ChannelEvent{
		Type: entity.EventTaskDeleted, Timestamp: time.Now(), Data: tomb,
	})
	rec, err = s.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if rec != nil {
		t.Error("deletion event not applied")
	}

	// Malformed data is dropped without panicking.
	c.HandleChannelEvent(ctx, &entity.ChannelEvent{
		Type: entity.EventTaskUpdated, Timestamp: time.Now(), Data: json.RawMessage(`{broken`),
	})
}
