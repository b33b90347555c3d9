package state

import (
	"encoding/json"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/campaignlab/connector-sync/sqlutil"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

// Storage aggregates all the sync tables. It is the write target of the phase
// pipeline and the read side of the status API.
type Storage struct {
	ConnectionsTable *ConnectionsTable
	EntitiesTable    *EntitiesTable
	SubEntitiesTable *SubEntitiesTable
	EventsTable      *EventsTable
	StatsTable       *StatsTable
	DB               *sqlx.DB
}

func NewStorage(postgresURI, secret string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, secret)
}

func NewStorageWithDB(db *sqlx.DB, secret string) *Storage {
	return &Storage{
		ConnectionsTable: NewConnectionsTable(db, secret),
		EntitiesTable:    NewEntitiesTable(db),
		SubEntitiesTable: NewSubEntitiesTable(db),
		EventsTable:      NewEventsTable(db),
		StatsTable:       NewStatsTable(db),
		DB:               db,
	}
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}

// PurgeConnectionData deletes every synced row for this connection in a single
// transaction, so a concurrent reader never observes a half-purged state.
func (s *Storage) PurgeConnectionData(tenantID, platform string) error {
	return sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		if err := s.EntitiesTable.deleteForConnection(txn, tenantID, platform); err != nil {
			return err
		}
		if err := s.SubEntitiesTable.deleteForConnection(txn, tenantID, platform); err != nil {
			return err
		}
		if err := s.EventsTable.deleteForConnection(txn, tenantID, platform); err != nil {
			return err
		}
		return s.StatsTable.deleteForConnection(txn, tenantID, platform)
	})
}

// Reset purges all synced data and zeroes the checkpoint atomically, then
// marks the connection as syncing. The version bump inside clearProgressTxn
// invalidates any continuation that was scheduled before the reset. The purge
// commits before any new fetching begins, so stale rows never interleave with
// fresh ones.
func (s *Storage) Reset(conn *SyncConnection) error {
	err := sqlutil.WithTransaction(s.DB, func(txn *sqlx.Tx) error {
		if err := s.EntitiesTable.deleteForConnection(txn, conn.TenantID, conn.Platform); err != nil {
			return err
		}
		if err := s.SubEntitiesTable.deleteForConnection(txn, conn.TenantID, conn.Platform); err != nil {
			return err
		}
		if err := s.EventsTable.deleteForConnection(txn, conn.TenantID, conn.Platform); err != nil {
			return err
		}
		if err := s.StatsTable.deleteForConnection(txn, conn.TenantID, conn.Platform); err != nil {
			return err
		}
		if err := s.ConnectionsTable.clearProgressTxn(txn, conn.ID); err != nil {
			return err
		}
		_, err := txn.Exec(`UPDATE consync_connections SET sync_status = $1 WHERE id = $2`, StatusSyncing, conn.ID)
		return err
	})
	if err != nil {
		return err
	}
	// refresh the in-memory view to match what we just committed
	conn.SyncStatus = StatusSyncing
	conn.SyncProgress = json.RawMessage(`{}`)
	conn.ProgressVersion++
	return nil
}

// The following methods satisfy the engine's Store interface.

func (s *Storage) Connection(tenantID, platform string) (*SyncConnection, error) {
	return s.ConnectionsTable.Connection(tenantID, platform)
}

func (s *Storage) ConnectionStatus(connID int64) (string, error) {
	return s.ConnectionsTable.Status(connID)
}

func (s *Storage) MarkSyncing(connID int64) (bool, error) {
	return s.ConnectionsTable.MarkSyncing(connID)
}

func (s *Storage) SetStatus(connID int64, status string) error {
	return s.ConnectionsTable.SetStatus(connID, status)
}

func (s *Storage) FinishRun(connID int64, status string, fullSync bool) error {
	return s.ConnectionsTable.FinishRun(connID, status, fullSync)
}

func (s *Storage) SaveProgress(connID int64, patch []byte, expectedVersion int64) (int64, error) {
	return s.ConnectionsTable.SaveProgress(connID, patch, expectedVersion)
}

func (s *Storage) UpsertEntities(entities []Entity) error {
	return s.EntitiesTable.Upsert(entities)
}

func (s *Storage) UpdateEntityAnalytics(tenantID, platform, platformEntityID string, analytics json.RawMessage) error {
	return s.EntitiesTable.UpdateAnalytics(tenantID, platform, platformEntityID, analytics)
}

func (s *Storage) LocalEntityIDs(tenantID, platform string) ([]string, error) {
	return s.EntitiesTable.SelectIDs(tenantID, platform)
}

func (s *Storage) UpsertSubEntities(subs []SubEntity) error {
	return s.SubEntitiesTable.Upsert(subs)
}

func (s *Storage) InsertEvents(events []Event) (int, error) {
	return s.EventsTable.Insert(events)
}

func (s *Storage) UpsertDailyStats(stats []DailyStat) error {
	return s.StatsTable.Upsert(stats)
}
