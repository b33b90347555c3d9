package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/campaignlab/connector-sync/sqlutil"
)

// Event is one engagement event (reply, open, call outcome) pulled from the
// events feed. DedupeKey is the composite idempotency key derived from
// (lead id, mapping id, timestamp); repeated pages across resumed runs hit the
// unique index and are dropped, so at-least-once redelivery is safe.
type Event struct {
	TenantID         string          `db:"tenant_id"`
	Platform         string          `db:"platform"`
	DedupeKey        string          `db:"dedupe_key"`
	PlatformEntityID string          `db:"platform_entity_id"`
	LeadID           string          `db:"lead_id"`
	EventType        string          `db:"event_type"`
	OccurredAt       time.Time       `db:"occurred_at"`
	Payload          json.RawMessage `db:"payload"`
}

// EventDedupeKey derives the idempotency key for an engagement event.
func EventDedupeKey(leadID, mappingID string, occurredAt time.Time) string {
	return fmt.Sprintf("%s/%s/%d", leadID, mappingID, occurredAt.UnixMilli())
}

type EventsTable struct {
	db *sqlx.DB
}

func NewEventsTable(db *sqlx.DB) *EventsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS consync_events (
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		dedupe_key TEXT NOT NULL,
		platform_entity_id TEXT NOT NULL,
		lead_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}',
		UNIQUE(tenant_id, platform, dedupe_key)
	);
	CREATE INDEX IF NOT EXISTS consync_events_entity_idx
		ON consync_events(tenant_id, platform, platform_entity_id);
	`)
	return &EventsTable{db: db}
}

type eventChunker []Event

func (c eventChunker) Len() int {
	return len(c)
}
func (c eventChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

// Insert writes events, silently dropping any whose dedupe key already exists.
// Returns the number of rows actually inserted.
func (t *EventsTable) Insert(events []Event) (int, error) {
	for i := range events {
		if events[i].Payload == nil {
			events[i].Payload = json.RawMessage(`{}`)
		}
	}
	inserted := 0
	chunks := sqlutil.Chunkify(8, MaxPostgresParameters, eventChunker(events))
	for _, chunk := range chunks {
		res, err := t.db.NamedExec(`
		INSERT INTO consync_events (tenant_id, platform, dedupe_key, platform_entity_id, lead_id, event_type, occurred_at, payload)
		VALUES (:tenant_id, :platform, :dedupe_key, :platform_entity_id, :lead_id, :event_type, :occurred_at, :payload)
		ON CONFLICT (tenant_id, platform, dedupe_key) DO NOTHING`,
			chunk)
		if err != nil {
			return inserted, err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return inserted, err
		}
		inserted += int(rows)
	}
	return inserted, nil
}

func (t *EventsTable) Count(tenantID, platform string) (int, error) {
	var count int
	err := t.db.Get(&count,
		`SELECT count(*) FROM consync_events WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return count, err
}

func (t *EventsTable) deleteForConnection(txn *sqlx.Tx, tenantID, platform string) error {
	_, err := txn.Exec(
		`DELETE FROM consync_events WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return err
}
