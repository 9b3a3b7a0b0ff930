// Package coordinator orchestrates reconciliation between the local cache
// and the server.
//
// The coordinator owns the per-entity-type sync cursors, drains the offline
// mutation queue before any fetch-based sync (so local edits are not
// clobbered by a fetch that predates them), and applies fetched deltas and
// tombstones to the cache. It is the entry point consumed by the UI layer
// and by the event channel's reconnected signal.
package coordinator

import (
	"context"
	"time"

	"github.com/crewdeck/crewdeck/internal/engine/api"
	"github.com/crewdeck/crewdeck/internal/engine/entity"
	"github.com/crewdeck/crewdeck/internal/engine/store"
)

// SyncStatusValue classifies the outcome of a sync cycle.
type SyncStatusValue string

const (
	// StatusSuccess means every entity type synced.
	StatusSuccess SyncStatusValue = "success"
	// StatusPartial means at least one entity type synced and at least
	// one failed.
	StatusPartial SyncStatusValue = "partial"
	// StatusError means the sync failed outright (offline, or every
	// entity type failed).
	StatusError SyncStatusValue = "error"
	// StatusIdle means another sync was already in flight; the call had
	// no side effects.
	StatusIdle SyncStatusValue = "idle"
)

// SyncResult is the aggregate outcome of one sync cycle.
//
// A fetch error for one entity type does not abort the others; TypeErrors
// records the per-type failures while EntitiesUpdated records the types
// that merged.
type SyncResult struct {
	Status          SyncStatusValue              `json:"status"`
	Started         time.Time                    `json:"started"`
	Finished        time.Time                    `json:"finished"`
	EntitiesUpdated map[entity.EntityType]int    `json:"entities_updated"`
	TypeErrors      map[entity.EntityType]string `json:"type_errors,omitempty"`
	MutationsSent   int                          `json:"mutations_sent"`
	Error           string                       `json:"error,omitempty"`
}

// SyncStatus aggregates in-flight state, the cursor snapshot, and
// pending-mutation counts for diagnostics surfaces.
type SyncStatus struct {
	InFlight   bool                                    `json:"in_flight"`
	Cursors    map[entity.EntityType]entity.SyncCursor `json:"cursors"`
	Pending    int                                     `json:"pending_mutations"`
	Failed     int                                     `json:"failed_mutations"`
	LastResult *SyncResult                             `json:"last_result,omitempty"`
}

// IncrementalOptions narrows an incremental sync to a subset of entity
// types. A nil or empty Types syncs everything.
type IncrementalOptions struct {
	Types []entity.EntityType
}

// Fetcher is the slice of the server API the coordinator needs.
// *api.Client satisfies it.
type Fetcher interface {
	FetchEntities(ctx context.Context, et entity.EntityType, updatedSince *time.Time) (*api.FetchResponse, error)
	FetchComments(ctx context.Context, taskID string) ([]entity.Comment, error)
}

// CacheNotifier broadcasts cache-invalidation notices to sibling contexts.
// Delivery is fire-and-forget; a notifier failure never fails the sync that
// triggered it.
type CacheNotifier interface {
	BroadcastCacheUpdated(et entity.EntityType, ids []string)
}

// Syncer keeps the local cache consistent with server state with minimal
// data transfer, guaranteeing at most one sync in flight.
type Syncer interface {
	// PerformFullSync fetches the complete set of each entity type,
	// replaces the corresponding cache contents, and initializes cursors
	// from the responses. Fails fast with an offline error when
	// connectivity is down. A call made while another sync is in flight
	// returns a StatusIdle result without side effects.
	PerformFullSync(ctx context.Context) *SyncResult

	// PerformIncrementalSync fetches, for each entity type with a
	// cursor, only entities changed since that cursor plus tombstoned
	// ids, merges them into the cache, and advances the cursor. A type
	// without a cursor gets a full fetch. Mutual exclusion as above.
	PerformIncrementalSync(ctx context.Context, opts *IncrementalOptions) *SyncResult

	// SyncTaskComments fetches current comments for one task. When
	// offline it returns the cached view instead of failing.
	SyncTaskComments(ctx context.Context, taskID string) ([]store.CommentRecord, error)

	// ResetSyncCursors clears all cursors and cached entities. Used for
	// account switch or cache corruption recovery.
	ResetSyncCursors(ctx context.Context) error

	// OnSyncComplete registers an observer invoked with each finished
	// sync result (idle results excluded). Returns an unsubscribe func.
	OnSyncComplete(callback func(*SyncResult)) func()

	// GetLastSyncResult returns the most recent non-idle result, or nil.
	GetLastSyncResult() *SyncResult

	// GetSyncStatus aggregates in-flight state, cursors, and mutation
	// counts.
	GetSyncStatus(ctx context.Context) (*SyncStatus, error)
}
