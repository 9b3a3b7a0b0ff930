package entity

import (
	"fmt"
	"time"
)

// SyncCursor marks how far incremental sync has progressed for one entity
// type. CursorValue is a server-side timestamp; LastSyncAt is local wall
// clock, kept only for diagnostics.
type SyncCursor struct {
	EntityType  EntityType `json:"entity_type"`
	CursorValue time.Time  `json:"cursor_value"`
	LastSyncAt  time.Time  `json:"last_sync_at"`
}

// Advance moves the cursor forward to value. The cursor is monotonically
// non-decreasing: an advance to an older timestamp is rejected so a stale
// or reordered response can never make the client re-fetch ground it has
// already covered, or worse, silently skip changes.
func (c *SyncCursor) Advance(value, localNow time.Time) error {
	if value.Before(c.CursorValue) {
		return fmt.Errorf("cursor for %s would move backward (%s -> %s)",
			c.EntityType, c.CursorValue.Format(time.RFC3339Nano), value.Format(time.RFC3339Nano))
	}
	c.CursorValue = value
	c.LastSyncAt = localNow
	return nil
}
