package engine

import (
	"fmt"
	"time"

	"github.com/campaignlab/connector-sync/state"
)

// Relative contribution of each phase to the percent estimate. Entity sync
// dominates wall-clock time because of the per-entity analytics fetch.
var phaseWeights = []struct {
	phase  string
	weight int
}{
	{PhaseHistorical, 20},
	{PhaseEntities, 40},
	{PhaseSubEntities, 25},
	{PhaseEvents, 15},
}

// stalledAfter is how long a partial connection may go without a checkpoint
// write before the status API flags it. A dropped continuation has no internal
// recovery; flagging makes the stall visible so a user can retrigger.
const stalledAfter = 10 * time.Minute

// Progress is the read-side view of a sync consumed by the UI polling loop.
type Progress struct {
	Phase             string `json:"phase,omitempty"`
	Percent           int    `json:"percent"`
	Batches           int    `json:"batches,omitempty"`
	DaysSynced        int    `json:"days_synced"`
	EntitiesSynced    int    `json:"entities_synced"`
	SubEntitiesSynced int    `json:"subentities_synced"`
	EventsSynced      int    `json:"events_synced"`
	ErrorCount        int    `json:"error_count,omitempty"`
	Message           string `json:"message,omitempty"`
	Stalled           bool   `json:"stalled,omitempty"`
}

// fraction of the given phase completed, in [0,1]
func (c *Checkpoint) phaseFraction(phase string) float64 {
	switch phase {
	case PhaseHistorical:
		cur := c.Historical
		if cur == nil {
			return 0
		}
		if cur.Done {
			return 1
		}
		if cur.Chunks == 0 {
			return 0
		}
		return float64(cur.NextChunk) / float64(cur.Chunks)
	case PhaseEntities:
		cur := c.Entities
		if cur == nil {
			return 0
		}
		if cur.Done {
			return 1
		}
		if cur.Total == 0 {
			return 0
		}
		return float64(cur.NextIndex) / float64(cur.Total)
	case PhaseSubEntities:
		cur := c.SubEntities
		if cur == nil {
			return 0
		}
		if cur.Done {
			return 1
		}
		if cur.Total == 0 {
			return 0
		}
		return float64(cur.NextIndex) / float64(cur.Total)
	case PhaseEvents:
		cur := c.Events
		if cur == nil {
			return 0
		}
		if cur.Done {
			return 1
		}
		// no total is known for the event feed ahead of time
		return 0.5
	}
	return 0
}

// Progress computes the UI-facing progress estimate for this checkpoint.
func (c *Checkpoint) Progress() *Progress {
	p := &Progress{
		Phase:      c.Phase,
		Batches:    c.Batches,
		ErrorCount: len(c.Errors),
	}
	percent := 0.0
	for _, pw := range phaseWeights {
		percent += c.phaseFraction(pw.phase) * float64(pw.weight)
	}
	p.Percent = int(percent)
	if c.Historical != nil {
		p.DaysSynced = c.Historical.DaysSynced
	}
	if c.Entities != nil {
		p.EntitiesSynced = c.Entities.Synced
	}
	if c.SubEntities != nil {
		p.SubEntitiesSynced = c.SubEntities.Synced
	}
	if c.Events != nil {
		p.EventsSynced = c.Events.Synced
	}
	if c.Phase != "" {
		p.Message = fmt.Sprintf("syncing %s (%d%%)", c.Phase, p.Percent)
	}
	return p
}

// ProgressForConnection builds the status-API view for one connection,
// including stall detection for partial syncs whose continuation never fired.
func ProgressForConnection(conn *state.SyncConnection, now time.Time) (*Progress, error) {
	cp, err := ParseCheckpoint(conn.SyncProgress)
	if err != nil {
		return nil, err
	}
	p := cp.Progress()
	if conn.SyncStatus == state.StatusSuccess {
		p.Percent = 100
		p.Message = "sync complete"
	}
	if conn.SyncStatus == state.StatusPartial && cp.UpdatedAt != "" {
		if updated, perr := time.Parse(time.RFC3339, cp.UpdatedAt); perr == nil {
			if now.Sub(updated) > stalledAfter {
				p.Stalled = true
				p.Message = "sync stalled; retrigger to resume"
			}
		}
	}
	return p, nil
}
