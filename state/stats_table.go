package state

import (
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/campaignlab/connector-sync/sqlutil"
)

// DailyStat is one day of aggregate funnel statistics for a connection,
// produced by the historical backfill phase. Keyed by (tenant, platform, day):
// overlapping backfill chunks simply overwrite the same day with the same
// numbers.
type DailyStat struct {
	TenantID string    `db:"tenant_id"`
	Platform string    `db:"platform"`
	Day      time.Time `db:"day"`
	Sent     int       `db:"sent"`
	Opens    int       `db:"opens"`
	Clicks   int       `db:"clicks"`
	Replies  int       `db:"replies"`
	Calls    int       `db:"calls"`
}

type StatsTable struct {
	db *sqlx.DB
}

func NewStatsTable(db *sqlx.DB) *StatsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS consync_daily_stats (
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		day DATE NOT NULL,
		sent INTEGER NOT NULL DEFAULT 0,
		opens INTEGER NOT NULL DEFAULT 0,
		clicks INTEGER NOT NULL DEFAULT 0,
		replies INTEGER NOT NULL DEFAULT 0,
		calls INTEGER NOT NULL DEFAULT 0,
		UNIQUE(tenant_id, platform, day)
	);`)
	return &StatsTable{db: db}
}

type statChunker []DailyStat

func (c statChunker) Len() int {
	return len(c)
}
func (c statChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

func (t *StatsTable) Upsert(stats []DailyStat) error {
	chunks := sqlutil.Chunkify(8, MaxPostgresParameters, statChunker(stats))
	for _, chunk := range chunks {
		_, err := t.db.NamedExec(`
		INSERT INTO consync_daily_stats (tenant_id, platform, day, sent, opens, clicks, replies, calls)
		VALUES (:tenant_id, :platform, :day, :sent, :opens, :clicks, :replies, :calls)
		ON CONFLICT (tenant_id, platform, day) DO UPDATE SET
			sent = EXCLUDED.sent,
			opens = EXCLUDED.opens,
			clicks = EXCLUDED.clicks,
			replies = EXCLUDED.replies,
			calls = EXCLUDED.calls`,
			chunk)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *StatsTable) Count(tenantID, platform string) (int, error) {
	var count int
	err := t.db.Get(&count,
		`SELECT count(*) FROM consync_daily_stats WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return count, err
}

func (t *StatsTable) deleteForConnection(txn *sqlx.Tx, tenantID, platform string) error {
	_, err := txn.Exec(
		`DELETE FROM consync_daily_stats WHERE tenant_id = $1 AND platform = $2`,
		tenantID, platform,
	)
	return err
}
