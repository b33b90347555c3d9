package state

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/campaignlab/connector-sync/sqlutil"
)

// Entity is a top-level synced object: an outreach campaign or a call session.
// Identified by (tenant, platform, platform-native id) which is stable across
// runs, so re-syncs merge rather than duplicate.
type Entity struct {
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	Platform          string          `db:"platform" json:"platform"`
	PlatformEntityID  string          `db:"platform_entity_id" json:"platform_entity_id"`
	Kind              string          `db:"kind" json:"kind"` // campaign | call_session
	Name              string          `db:"name" json:"name"`
	Status            string          `db:"status" json:"status"`
	CreatedUpstreamAt time.Time       `db:"created_upstream_at" json:"created_upstream_at"`
	Analytics         json.RawMessage `db:"analytics" json:"analytics,omitempty"`
}

type EntitiesTable struct {
	db *sqlx.DB
}

func NewEntitiesTable(db *sqlx.DB) *EntitiesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS consync_entities (
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		platform_entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		created_upstream_at TIMESTAMP WITH TIME ZONE NOT NULL,
		analytics JSONB NOT NULL DEFAULT '{}',
		UNIQUE(tenant_id, platform, platform_entity_id)
	);`)
	return &EntitiesTable{db: db}
}

type entityChunker []Entity

func (c entityChunker) Len() int {
	return len(c)
}
func (c entityChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

// Upsert inserts or merges entities by their composite natural key. The
// analytics column is only touched by UpdateAnalytics, so a plain metadata
// refresh never wipes a previously synced snapshot.
func (t *EntitiesTable) Upsert(entities []Entity) error {
	for i := range entities {
		if entities[i].Analytics == nil {
			entities[i].Analytics = json.RawMessage(`{}`)
		}
	}
	chunks := sqlutil.Chunkify(8, MaxPostgresParameters, entityChunker(entities))
	for _, chunk := range chunks {
		_, err := t.db.NamedExec(`
		INSERT INTO consync_entities (tenant_id, platform, platform_entity_id, kind, name, status, created_upstream_at, analytics)
		VALUES (:tenant_id, :platform, :platform_entity_id, :kind, :name, :status, :created_upstream_at, :analytics)
		ON CONFLICT (tenant_id, platform, platform_entity_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			created_upstream_at = EXCLUDED.created_upstream_at`,
			chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateAnalytics stores the current-day analytics snapshot for one entity.
func (t *EntitiesTable) UpdateAnalytics(tenantID, platform, platformEntityID string, analytics json.RawMessage) error {
	_, err := t.db.Exec(
		`UPDATE consync_entities SET analytics = $4
		WHERE tenant_id = $1 AND platform = $2 AND platform_entity_id = $3`,
		tenantID, platform, platformEntityID, []byte(analytics),
	)
	return err
}

// SelectIDs returns all synced entity ids for this connection in a
// deterministic order (newest upstream creation first, id tie-break), so an
// index-based cursor over the list resumes correctly.
func (t *EntitiesTable) SelectIDs(tenantID, platform string) ([]string, error) {
	var ids []string
	err := t.db.Select(&ids,
		`SELECT platform_entity_id FROM consync_entities
		WHERE tenant_id = $1 AND platform = $2
		ORDER BY created_upstream_at DESC, platform_entity_id ASC`,
		tenantID, platform,
	)
	return ids, err
}

func (t *EntitiesTable) Count(tenantID, platform string) (int, error) {
	var count int
	err := t.db.Get(&count,
		`SELECT count(*) FROM consync_entities WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return count, err
}

func (t *EntitiesTable) deleteForConnection(txn *sqlx.Tx, tenantID, platform string) error {
	_, err := txn.Exec(
		`DELETE FROM consync_entities WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return err
}
