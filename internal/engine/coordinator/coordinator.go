package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/crewdeck/crewdeck/internal/engine/queue"
	"github.com/crewdeck/crewdeck/internal/engine/store"
	"github.com/google/uuid"
)

// Config holds coordinator configuration.
type Config struct {
	// Types is the ordered set of entity types a sync cycle covers
	// (default entity.SyncedTypes). Lists sync before tasks so a fresh
	// cache never holds a task whose list is unknown.
	Types []entity.EntityType

	// Connectivity gates fetch-based syncs (default api.AlwaysOnline).
	Connectivity api.ConnectivityObserver

	// Notifier broadcasts cache-invalidation notices after a merge.
	// Optional.
	Notifier CacheNotifier

	// Logger for sync activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Types:        entity.SyncedTypes,
		Connectivity: api.AlwaysOnline{},
		Logger:       log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// Coordinator implements Syncer over the cache, the mutation queue, and the
// server API.
type Coordinator struct {
	store   *store.Store
	queue   *queue.Queue
	fetcher Fetcher
	submit  queue.Submitter
	config  *Config

	// syncMu serializes sync cycles. TryLock, never Lock: a concurrent
	// caller gets an idle result instead of queueing up behind the
	// in-flight cycle.
	syncMu sync.Mutex

	mu         sync.Mutex
	inFlight   bool
	lastResult *SyncResult
	observers  map[string]func(*SyncResult)
}

// New creates a sync coordinator. The fetcher and submitter are usually the
// same *api.Client.
func New(cache *store.Store, q *queue.Queue, fetcher Fetcher, submit queue.Submitter, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Types) == 0 {
		config.Types = entity.SyncedTypes
	}
	if config.Connectivity == nil {
		config.Connectivity = api.AlwaysOnline{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		store:     cache,
		queue:     q,
		fetcher:   fetcher,
		submit:    submit,
		config:    config,
		observers: make(map[string]func(*SyncResult)),
	}
}

// PerformFullSync implements Syncer.
func (c *Coordinator) PerformFullSync(ctx context.Context) *SyncResult {
	if !c.syncMu.TryLock() {
		return &SyncResult{Status: StatusIdle}
	}
	defer c.syncMu.Unlock()
	return c.runCycle(ctx, c.config.Types, true)
}

// PerformIncrementalSync implements Syncer.
func (c *Coordinator) PerformIncrementalSync(ctx context.Context, opts *IncrementalOptions) *SyncResult {
	if !c.syncMu.TryLock() {
		return &SyncResult{Status: StatusIdle}
	}
	defer c.syncMu.Unlock()

	types := c.config.Types
	if opts != nil && len(opts.Types) > 0 {
		types = opts.Types
	}
	return c.runCycle(ctx, types, false)
}

// runCycle executes one sync cycle. Caller holds syncMu.
func (c *Coordinator) runCycle(ctx context.Context, types []entity.EntityType, full bool) *SyncResult {
	c.setInFlight(true)
	defer c.setInFlight(false)

	result := &SyncResult{
		Started:         time.Now(),
		EntitiesUpdated: make(map[entity.EntityType]int),
	}

	if !c.config.Connectivity.Online() {
		result.Status = StatusError
		result.Error = api.ErrOffline.Error()
		result.Finished = time.Now()
		c.finish(result)
		return result
	}

	// Local writes go out before any fetch so the merge below cannot
	// resurrect state those writes already replaced.
	sent, err := c.queue.SyncPendingMutations(ctx, c.submit)
	result.MutationsSent = sent
	if err != nil {
		c.config.Logger.Printf("Mutation replay aborted: %v", err)
		result.Status = StatusError
		result.Error = err.Error()
		result.Finished = time.Now()
		c.finish(result)
		return result
	}

	failures := 0
	for _, et := range types {
		var n int
		var syncErr error
		if full {
			n, syncErr = c.fullSyncType(ctx, et)
		} else {
			n, syncErr = c.incrementalSyncType(ctx, et)
		}
		if syncErr != nil {
			c.config.Logger.Printf("Sync failed for %s: %v", et, syncErr)
			if result.TypeErrors == nil {
				result.TypeErrors = make(map[entity.EntityType]string)
			}
			result.TypeErrors[et] = syncErr.Error()
			failures++
			continue
		}
		result.EntitiesUpdated[et] = n
	}

	switch {
	case failures == 0:
		result.Status = StatusSuccess
	case failures == len(types):
		result.Status = StatusError
		result.Error = "all entity types failed to sync"
	default:
		result.Status = StatusPartial
	}

	result.Finished = time.Now()
	c.config.Logger.Printf("Sync %s: %d mutations sent, %v updated",
		result.Status, result.MutationsSent, result.EntitiesUpdated)
	c.finish(result)
	return result
}

// fullSyncType replaces the cached collection for one type and initializes
// its cursor from the response.
func (c *Coordinator) fullSyncType(ctx context.Context, et entity.EntityType) (int, error) {
	resp, err := c.fetcher.FetchEntities(ctx, et, nil)
	if err != nil {
		return 0, err
	}

	if err := c.store.ReplaceEntities(ctx, et, resp.Items); err != nil {
		return 0, err
	}

	// An empty response with no server time yields no usable cursor; leave
	// the type uninitialized so the next sync does another full fetch.
	if candidate := cursorCandidate(resp); !candidate.IsZero() {
		if err := c.store.PutCursor(ctx, &entity.SyncCursor{
			EntityType:  et,
			CursorValue: candidate,
			LastSyncAt:  time.Now(),
		}); err != nil {
			return 0, err
		}
	}

	c.notifyCache(et, entityIDs(resp))
	return len(resp.Items), nil
}

// incrementalSyncType fetches the delta since the stored cursor and merges
// it. A type without a cursor falls back to a full fetch.
func (c *Coordinator) incrementalSyncType(ctx context.Context, et entity.EntityType) (int, error) {
	cur, err := c.store.GetCursor(ctx, et)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return c.fullSyncType(ctx, et)
	}

	since := cur.CursorValue
	resp, err := c.fetcher.FetchEntities(ctx, et, &since)
	if err != nil {
		return 0, err
	}

	// The cursor only ever moves forward. A response timestamped before
	// the stored cursor is stale (a delayed or replayed reply) and is
	// rejected rather than merged.
	candidate := cursorCandidate(resp)
	if !candidate.IsZero() && candidate.Before(cur.CursorValue) {
		return 0, fmt.Errorf("stale response for %s: server time %s behind cursor %s",
			et, candidate.Format(time.RFC3339Nano), cur.CursorValue.Format(time.RFC3339Nano))
	}

	if err := c.store.ApplyEntities(ctx, et, resp.Items, resp.DeletedIDs); err != nil {
		return 0, err
	}

	if !candidate.IsZero() {
		if err := cur.Advance(candidate, time.Now()); err != nil {
			return 0, err
		}
		if err := c.store.PutCursor(ctx, cur); err != nil {
			return 0, err
		}
	}

	n := len(resp.Items) + len(resp.DeletedIDs)
	if n > 0 {
		c.notifyCache(et, entityIDs(resp))
	}
	return n, nil
}

// SyncTaskComments implements Syncer.
func (c *Coordinator) SyncTaskComments(ctx context.Context, taskID string) ([]store.CommentRecord, error) {
	if !c.config.Connectivity.Online() {
		return c.store.GetCommentsByTask(ctx, taskID)
	}

	comments, err := c.fetcher.FetchComments(ctx, taskID)
	if err != nil {
		return nil, err
	}

	for i := range comments {
		env, err := comments[i].Envelope()
		if err != nil {
			return nil, fmt.Errorf("invalid comment %s: %w", comments[i].ID, err)
		}
		if err := c.store.ApplyEntity(ctx, &env); err != nil {
			return nil, err
		}
	}

	c.notifyCache(entity.TypeComment, nil)
	return c.store.GetCommentsByTask(ctx, taskID)
}

// ResetSyncCursors implements Syncer. Clearing the cursors without also
// clearing the cache would leave entities the next full sync cannot account
// for, so both go together.
func (c *Coordinator) ResetSyncCursors(ctx context.Context) error {
	if !c.syncMu.TryLock() {
		return fmt.Errorf("cannot reset cursors while a sync is in flight")
	}
	defer c.syncMu.Unlock()

	if err := c.store.ClearAll(ctx); err != nil {
		return fmt.Errorf("failed to reset sync state: %w", err)
	}
	c.config.Logger.Printf("Sync cursors and cached entities cleared")
	return nil
}

// OnSyncComplete implements Syncer.
func (c *Coordinator) OnSyncComplete(callback func(*SyncResult)) func() {
	id := uuid.NewString()
	c.mu.Lock()
	c.observers[id] = callback
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.observers, id)
		c.mu.Unlock()
	}
}

// GetLastSyncResult implements Syncer.
func (c *Coordinator) GetLastSyncResult() *SyncResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastResult
}

// GetSyncStatus implements Syncer.
func (c *Coordinator) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	cursors, err := c.store.GetCursors(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := c.queue.GetMutationStats(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return &SyncStatus{
		InFlight:   c.inFlight,
		Cursors:    cursors,
		Pending:    stats.Pending,
		Failed:     stats.Failed,
		LastResult: c.lastResult,
	}, nil
}

// HandleChannelEvent applies one push event to the cache and broadcasts the
// invalidation. Control events are ignored. A malformed event is logged and
// dropped; it never tears anything down.
func (c *Coordinator) HandleChannelEvent(ctx context.Context, ev *entity.ChannelEvent) {
	if ev == nil || ev.Type.IsControl() {
		return
	}

	env, err := ev.Entity()
	if err != nil {
		c.config.Logger.Printf("Dropping malformed %s event: %v", ev.Type, err)
		return
	}

	if err := c.store.ApplyEntity(ctx, env); err != nil {
		c.config.Logger.Printf("Failed to apply %s event for %s: %v", ev.Type, env.ID, err)
		return
	}

	c.notifyCache(env.Type, []string{env.ID})
}

func (c *Coordinator) setInFlight(v bool) {
	c.mu.Lock()
	c.inFlight = v
	c.mu.Unlock()
}

// finish records the result and fans it out to observers. Observers run
// outside the state lock so they may call back into the coordinator.
func (c *Coordinator) finish(result *SyncResult) {
	c.mu.Lock()
	c.lastResult = result
	callbacks := make([]func(*SyncResult), 0, len(c.observers))
	for _, cb := range c.observers {
		callbacks = append(callbacks, cb)
	}
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(result)
	}
}

func (c *Coordinator) notifyCache(et entity.EntityType, ids []string) {
	if c.config.Notifier != nil {
		c.config.Notifier.BroadcastCacheUpdated(et, ids)
	}
}

// cursorCandidate picks the cursor value from a fetch response: the server
// clock when present, otherwise the newest item timestamp.
func cursorCandidate(resp *api.FetchResponse) time.Time {
	if !resp.ServerTime.IsZero() {
		return resp.ServerTime
	}
	var max time.Time
	for i := range resp.Items {
		if resp.Items[i].UpdatedAt.After(max) {
			max = resp.Items[i].UpdatedAt
		}
	}
	return max
}

func entityIDs(resp *api.FetchResponse) []string {
	ids := make([]string, 0, len(resp.Items)+len(resp.DeletedIDs))
	for i := range resp.Items {
		ids = append(ids, resp.Items[i].ID)
	}
	ids = append(ids, resp.DeletedIDs...)
	return ids
}
