package upstream

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/campaignlab/connector-sync/state"
)

// EntityPage is one page of a platform's top-level entity listing.
type EntityPage struct {
	Entities []state.Entity
	More     bool
}

// EventPage is one page of the engagement-event feed. NextOffset is the offset
// to request the following page at; it is valid even when More is false.
type EventPage struct {
	Events     []state.Event
	NextOffset int
	More       bool
}

// Adapter is the platform-specific half of the sync engine: it knows endpoint
// shapes, auth and field mappings for one vendor, and maps everything onto the
// canonical records in state. Adapters hold no per-run mutable state; one
// instance serves every tenant's connection to that platform.
type Adapter interface {
	Platform() string
	// The fixed inter-request spacing this vendor requires.
	RequestInterval() time.Duration
	// Validate checks the credential is usable. A 401/403 here is a
	// connection-level failure which aborts the whole run.
	Validate(ctx context.Context, credential string) error
	ListEntities(ctx context.Context, credential string, page int) (*EntityPage, error)
	FetchAnalytics(ctx context.Context, credential, entityID string) (json.RawMessage, error)
	FetchSubEntities(ctx context.Context, credential, entityID string) (*NormalizedSubEntities, error)
	ListEvents(ctx context.Context, credential string, offset int) (*EventPage, error)
	FetchDailyStats(ctx context.Context, credential string, from, to time.Time) ([]state.DailyStat, error)
}

// StatusRank orders entity statuses so partial runs surface the most relevant
// data first: running campaigns before paused before finished.
func StatusRank(status string) int {
	switch status {
	case "active":
		return 0
	case "paused":
		return 1
	case "completed":
		return 2
	default:
		return 3
	}
}

// SortEntities sorts by (status rank, newest created first, id), a total and
// deterministic order. Two runs over the same unchanged upstream listing visit
// entities identically, which index-based checkpoint cursors rely on.
func SortEntities(entities []state.Entity) {
	sort.SliceStable(entities, func(i, j int) bool {
		ri, rj := StatusRank(entities[i].Status), StatusRank(entities[j].Status)
		if ri != rj {
			return ri < rj
		}
		if !entities[i].CreatedUpstreamAt.Equal(entities[j].CreatedUpstreamAt) {
			return entities[i].CreatedUpstreamAt.After(entities[j].CreatedUpstreamAt)
		}
		return entities[i].PlatformEntityID < entities[j].PlatformEntityID
	})
}
