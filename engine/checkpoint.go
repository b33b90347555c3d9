package engine

import (
	"encoding/json"
	"time"
)

// Phase names, in execution order. Each phase owns its own cursor inside the
// checkpoint and is independently resumable.
const (
	PhaseHistorical  = "historical"
	PhaseEntities    = "entities"
	PhaseSubEntities = "subentities"
	PhaseEvents      = "events"
)

// maximum number of non-fatal per-item errors kept on the checkpoint
const maxRecordedErrors = 50

type HistoricalCursor struct {
	NextChunk  int  `json:"next_chunk"`
	Chunks     int  `json:"chunks"`
	DaysSynced int  `json:"days_synced"`
	Done       bool `json:"done"`
}

type EntityCursor struct {
	NextIndex int  `json:"next_index"`
	Total     int  `json:"total"`
	Synced    int  `json:"synced"`
	Done      bool `json:"done"`
}

type SubEntityCursor struct {
	NextIndex int  `json:"next_index"`
	Total     int  `json:"total"`
	Synced    int  `json:"synced"`
	Done      bool `json:"done"`
}

type EventCursor struct {
	Offset int  `json:"offset"`
	Synced int  `json:"synced"`
	Done   bool `json:"done"`
}

// Checkpoint is the resumable progress state persisted in
// consync_connections.sync_progress. A checkpoint written under status
// "partial" is sufficient on its own to resume without re-processing committed
// work; idempotent upserts make the at-worst-once overlap around the cursor
// safe.
type Checkpoint struct {
	Phase       string            `json:"phase,omitempty"`
	Batches     int               `json:"batches,omitempty"`
	Historical  *HistoricalCursor `json:"historical,omitempty"`
	Entities    *EntityCursor     `json:"entities,omitempty"`
	SubEntities *SubEntityCursor  `json:"subentities,omitempty"`
	Events      *EventCursor      `json:"events,omitempty"`
	Errors      []string          `json:"errors,omitempty"`
	UpdatedAt   string            `json:"updated_at,omitempty"`
}

// ParseCheckpoint loads a checkpoint from the stored JSONB blob. Empty input
// yields a fresh checkpoint.
func ParseCheckpoint(raw []byte) (*Checkpoint, error) {
	cp := &Checkpoint{}
	if len(raw) == 0 || string(raw) == "{}" {
		return cp, nil
	}
	if err := json.Unmarshal(raw, cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// MarshalPatch produces the JSONB merge patch for this checkpoint: the phase
// marker, batch counter and error list, plus the cursor of the active phase
// only. Merging with || in Postgres then replaces just those top-level keys,
// so one phase's write never disturbs another phase's cursor.
func (c *Checkpoint) MarshalPatch(now time.Time) []byte {
	patch := map[string]interface{}{
		"phase":      c.Phase,
		"batches":    c.Batches,
		"updated_at": now.UTC().Format(time.RFC3339),
	}
	if len(c.Errors) > 0 {
		patch["errors"] = c.Errors
	}
	switch c.Phase {
	case PhaseHistorical:
		patch["historical"] = c.Historical
	case PhaseEntities:
		patch["entities"] = c.Entities
	case PhaseSubEntities:
		patch["subentities"] = c.SubEntities
	case PhaseEvents:
		patch["events"] = c.Events
	}
	b, _ := json.Marshal(patch)
	return b
}

// RecordError appends a non-fatal per-item error, capped so a pathological
// connection cannot grow the checkpoint without bound.
func (c *Checkpoint) RecordError(msg string) {
	if len(c.Errors) >= maxRecordedErrors {
		return
	}
	c.Errors = append(c.Errors, msg)
}
