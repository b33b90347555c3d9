package state

import (
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/campaignlab/connector-sync/sqlutil"
)

// SubEntity is a nested object under an entity: a message variant or a
// sequence step. Placeholders holds the personalization tokens extracted from
// the free-text content, e.g. ["first_name", "company"].
type SubEntity struct {
	TenantID            string         `db:"tenant_id"`
	Platform            string         `db:"platform"`
	PlatformEntityID    string         `db:"platform_entity_id"`
	PlatformSubEntityID string         `db:"platform_subentity_id"`
	Kind                string         `db:"kind"` // variant | sequence_step
	Position            int            `db:"position"`
	Subject             string         `db:"subject"`
	Content             string         `db:"content"`
	Placeholders        pq.StringArray `db:"placeholders"`
}

type SubEntitiesTable struct {
	db *sqlx.DB
}

func NewSubEntitiesTable(db *sqlx.DB) *SubEntitiesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS consync_subentities (
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		platform_entity_id TEXT NOT NULL,
		platform_subentity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		subject TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		placeholders TEXT[] NOT NULL DEFAULT '{}',
		UNIQUE(tenant_id, platform, platform_entity_id, platform_subentity_id)
	);`)
	return &SubEntitiesTable{db: db}
}

type subEntityChunker []SubEntity

func (c subEntityChunker) Len() int {
	return len(c)
}
func (c subEntityChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

func (t *SubEntitiesTable) Upsert(subs []SubEntity) error {
	for i := range subs {
		if subs[i].Placeholders == nil {
			subs[i].Placeholders = pq.StringArray{}
		}
	}
	chunks := sqlutil.Chunkify(9, MaxPostgresParameters, subEntityChunker(subs))
	for _, chunk := range chunks {
		_, err := t.db.NamedExec(`
		INSERT INTO consync_subentities (tenant_id, platform, platform_entity_id, platform_subentity_id, kind, position, subject, content, placeholders)
		VALUES (:tenant_id, :platform, :platform_entity_id, :platform_subentity_id, :kind, :position, :subject, :content, :placeholders)
		ON CONFLICT (tenant_id, platform, platform_entity_id, platform_subentity_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			position = EXCLUDED.position,
			subject = EXCLUDED.subject,
			content = EXCLUDED.content,
			placeholders = EXCLUDED.placeholders`,
			chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *SubEntitiesTable) SelectForEntity(tenantID, platform, platformEntityID string) ([]SubEntity, error) {
	var subs []SubEntity
	err := t.db.Select(&subs,
		`SELECT tenant_id, platform, platform_entity_id, platform_subentity_id, kind, position, subject, content, placeholders
		FROM consync_subentities
		WHERE tenant_id = $1 AND platform = $2 AND platform_entity_id = $3
		ORDER BY position ASC, platform_subentity_id ASC`,
		tenantID, platform, platformEntityID,
	)
	return subs, err
}

func (t *SubEntitiesTable) Count(tenantID, platform string) (int, error) {
	var count int
	err := t.db.Get(&count,
		`SELECT count(*) FROM consync_subentities WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return count, err
}

func (t *SubEntitiesTable) deleteForConnection(txn *sqlx.Tx, tenantID, platform string) error {
	_, err := txn.Exec(
		`DELETE FROM consync_subentities WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return err
}
