package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/campaignlab/connector-sync/internal"
	"github.com/campaignlab/connector-sync/state"
	"github.com/campaignlab/connector-sync/upstream"
)

// Each phase function processes units of work until the phase is finished or
// the budget runs out, returning done=true only in the former case. The budget
// is checked before each unit, never mid-unit, so an in-flight upstream call
// and its persist always complete as a pair. Within a phase, a unit that fails
// for item-local reasons is recorded on the checkpoint and skipped; auth,
// cancellation and storage failures propagate and end the run. Cancellation in
// particular must never advance a cursor past an unfetched item.

// runHistorical backfills daily aggregate stats over the lookback window in
// fixed-size date chunks, newest first.
func (rn *run) runHistorical(ctx context.Context) (bool, error) {
	if rn.cp.Historical != nil && rn.cp.Historical.Done {
		return true, nil
	}
	rn.cp.Phase = PhaseHistorical
	if rn.cp.Historical == nil {
		rn.cp.Historical = &HistoricalCursor{Chunks: historicalChunks}
	}
	cur := rn.cp.Historical

	now := rn.r.Now().UTC().Truncate(24 * time.Hour)
	for cur.NextChunk < cur.Chunks {
		if rn.budgetExceeded() {
			return false, nil
		}
		if rn.stopRequested() {
			return false, errStopped
		}
		// chunk i covers the i-th most recent slice of the window
		to := now.AddDate(0, 0, -cur.NextChunk*historicalChunkDays)
		from := now.AddDate(0, 0, -(cur.NextChunk+1)*historicalChunkDays)
		earliest := now.AddDate(0, 0, -historicalLookbackDays)
		if from.Before(earliest) {
			from = earliest
		}

		stats, err := rn.adapter.FetchDailyStats(ctx, rn.conn.Credential, from, to)
		if err != nil {
			if internal.IsAuthError(err) {
				return false, err
			}
			if cerr := ctx.Err(); cerr != nil {
				return false, cerr
			}
			rn.recordItemError(fmt.Sprintf("historical chunk %s..%s", from.Format("2006-01-02"), to.Format("2006-01-02")), err)
		} else {
			for i := range stats {
				stats[i].TenantID = rn.conn.TenantID
			}
			if err := rn.r.Store.UpsertDailyStats(stats); err != nil {
				return false, err
			}
			rn.countSynced(PhaseHistorical, len(stats))
		}

		cur.NextChunk++
		cur.DaysSynced += int(to.Sub(from).Hours() / 24)
		if err := rn.save(); err != nil {
			return false, err
		}
	}
	cur.Done = true
	if err := rn.save(); err != nil {
		return false, err
	}
	rn.log.Info().Int("days", cur.DaysSynced).Msg("historical backfill complete")
	return true, nil
}

// runEntities re-lists the platform's full entity set, upserts the listing,
// then walks it in a deterministic order fetching per-entity analytics. The
// listing is cheap relative to analytics so every batch re-lists; only the
// analytics walk is cursored.
func (rn *run) runEntities(ctx context.Context) (bool, error) {
	if rn.cp.Entities != nil && rn.cp.Entities.Done {
		return true, nil
	}
	rn.cp.Phase = PhaseEntities
	if rn.cp.Entities == nil {
		rn.cp.Entities = &EntityCursor{}
	}
	cur := rn.cp.Entities

	if rn.budgetExceeded() {
		return false, nil
	}
	var entities []state.Entity
	for page := 0; ; page++ {
		ep, err := rn.adapter.ListEntities(ctx, rn.conn.Credential, page)
		if err != nil {
			return false, fmt.Errorf("listing entities page %d: %w", page, err)
		}
		entities = append(entities, ep.Entities...)
		if !ep.More {
			break
		}
	}
	for i := range entities {
		entities[i].TenantID = rn.conn.TenantID
	}
	upstream.SortEntities(entities)
	if err := rn.r.Store.UpsertEntities(entities); err != nil {
		return false, err
	}
	cur.Total = len(entities)

	for cur.NextIndex < len(entities) {
		if rn.budgetExceeded() {
			return false, nil
		}
		if rn.stopRequested() {
			return false, errStopped
		}
		e := entities[cur.NextIndex]
		analytics, err := rn.adapter.FetchAnalytics(ctx, rn.conn.Credential, e.PlatformEntityID)
		if err != nil {
			if internal.IsAuthError(err) {
				return false, err
			}
			if cerr := ctx.Err(); cerr != nil {
				return false, cerr
			}
			rn.recordItemError("analytics for entity "+e.PlatformEntityID, err)
		} else {
			if err := rn.r.Store.UpdateEntityAnalytics(rn.conn.TenantID, rn.conn.Platform, e.PlatformEntityID, analytics); err != nil {
				return false, err
			}
			cur.Synced++
			rn.countSynced(PhaseEntities, 1)
		}
		cur.NextIndex++
		if err := rn.save(); err != nil {
			return false, err
		}
	}
	cur.Done = true
	if err := rn.save(); err != nil {
		return false, err
	}
	rn.log.Info().Int("entities", cur.Total).Msg("entity sync complete")
	return true, nil
}

// runSubEntities walks the locally stored entities (their order is stable
// across batches, unlike a fresh upstream listing) and fetches each one's
// sequence steps, variants or scripts.
func (rn *run) runSubEntities(ctx context.Context) (bool, error) {
	if rn.cp.SubEntities != nil && rn.cp.SubEntities.Done {
		return true, nil
	}
	rn.cp.Phase = PhaseSubEntities
	if rn.cp.SubEntities == nil {
		rn.cp.SubEntities = &SubEntityCursor{}
	}
	cur := rn.cp.SubEntities

	ids, err := rn.r.Store.LocalEntityIDs(rn.conn.TenantID, rn.conn.Platform)
	if err != nil {
		return false, err
	}
	cur.Total = len(ids)

	for cur.NextIndex < len(ids) {
		if rn.budgetExceeded() {
			return false, nil
		}
		if rn.stopRequested() {
			return false, errStopped
		}
		entityID := ids[cur.NextIndex]
		normalized, err := rn.adapter.FetchSubEntities(ctx, rn.conn.Credential, entityID)
		switch {
		case err != nil:
			if internal.IsAuthError(err) {
				return false, err
			}
			if cerr := ctx.Err(); cerr != nil {
				return false, cerr
			}
			rn.recordItemError("sub-entities for entity "+entityID, err)
		case !normalized.Recognized:
			rn.recordItemError("sub-entities for entity "+entityID, fmt.Errorf("unrecognized payload shape: %.120s", normalized.Raw))
		default:
			subs := normalized.SubEntities
			for i := range subs {
				subs[i].TenantID = rn.conn.TenantID
			}
			if err := rn.r.Store.UpsertSubEntities(subs); err != nil {
				return false, err
			}
			cur.Synced += len(subs)
			rn.countSynced(PhaseSubEntities, len(subs))
		}
		cur.NextIndex++
		if err := rn.save(); err != nil {
			return false, err
		}
	}
	cur.Done = true
	if err := rn.save(); err != nil {
		return false, err
	}
	rn.log.Info().Int("subentities", cur.Synced).Msg("sub-entity sync complete")
	return true, nil
}

// runEvents pages through the engagement-event feed from the checkpointed
// offset. Inserts are deduplicated, so re-fetching the in-flight page after a
// crash or budget cut is harmless. A page fetch failure is run-fatal rather
// than skippable: skipping a page would silently lose events, while resuming
// from the same offset later loses nothing.
func (rn *run) runEvents(ctx context.Context) (bool, error) {
	if rn.cp.Events != nil && rn.cp.Events.Done {
		return true, nil
	}
	rn.cp.Phase = PhaseEvents
	if rn.cp.Events == nil {
		rn.cp.Events = &EventCursor{}
	}
	cur := rn.cp.Events

	for {
		if rn.budgetExceeded() {
			return false, nil
		}
		if rn.stopRequested() {
			return false, errStopped
		}
		page, err := rn.adapter.ListEvents(ctx, rn.conn.Credential, cur.Offset)
		if err != nil {
			return false, fmt.Errorf("listing events at offset %d: %w", cur.Offset, err)
		}
		events := page.Events
		for i := range events {
			events[i].TenantID = rn.conn.TenantID
		}
		inserted, err := rn.r.Store.InsertEvents(events)
		if err != nil {
			return false, err
		}
		cur.Synced += inserted
		rn.countSynced(PhaseEvents, inserted)
		cur.Offset = page.NextOffset
		if !page.More {
			break
		}
		if err := rn.save(); err != nil {
			return false, err
		}
	}
	cur.Done = true
	if err := rn.save(); err != nil {
		return false, err
	}
	rn.log.Info().Int("events", cur.Synced).Msg("event sync complete")
	return true, nil
}
