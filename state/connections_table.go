package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// Sync status values for a connection. Transitions:
//
//	idle -> syncing -> {success | partial | error | stopped}
//
// From partial the next invocation re-enters syncing. stopped is written
// externally by the user and is observed cooperatively by the runner.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusPartial = "partial"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusStopped = "stopped"
)

// ErrStaleProgress is returned when a checkpoint write carries a
// progress_version which no longer matches the row, meaning another actor
// (a reset, or a racing continuation) has written since we loaded it. The
// caller must abort without retrying; its view of the world is stale.
var ErrStaleProgress = errors.New("stale progress version")

type SyncConnection struct {
	ID                  int64      `db:"id"`
	TenantID            string     `db:"tenant_id"`
	Platform            string     `db:"platform"`
	CredentialEncrypted string     `db:"credential_encrypted"`
	Active              bool       `db:"active"`
	SyncStatus          string     `db:"sync_status"`
	SyncProgress        []byte     `db:"sync_progress"`
	ProgressVersion     int64      `db:"progress_version"`
	LastSyncAt          *time.Time `db:"last_sync_at"`
	LastFullSyncAt      *time.Time `db:"last_full_sync_at"`

	// Decrypted API credential, never persisted in plaintext.
	Credential string `db:"-"`
}

// ConnectionsTable holds one row per (tenant, platform) pairing: the encrypted
// platform credential plus the sync status and resumable checkpoint for that
// connection.
type ConnectionsTable struct {
	db *sqlx.DB
	// A separate secret used to en/decrypt platform API keys prior to / after retrieval
	// from the database. A simple SQL injection attack is then insufficient to retrieve
	// usable credentials as the encryption key doesn't live in the database at all.
	// We cannot hash: the plaintext is needed to call the platform APIs.
	key256 []byte
}

func NewConnectionsTable(db *sqlx.DB, secret string) *ConnectionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS consync_connections (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		credential_encrypted TEXT NOT NULL,
		active BOOL NOT NULL DEFAULT TRUE,
		sync_status TEXT NOT NULL DEFAULT 'idle',
		sync_progress JSONB NOT NULL DEFAULT '{}',
		progress_version BIGINT NOT NULL DEFAULT 0,
		last_sync_at TIMESTAMP WITH TIME ZONE,
		last_full_sync_at TIMESTAMP WITH TIME ZONE
	);
	-- at most one active connection per (tenant, platform)
	CREATE UNIQUE INDEX IF NOT EXISTS consync_connections_active_idx
		ON consync_connections(tenant_id, platform) WHERE active;
	`)

	// derive the key from the secret
	hash := sha256.New()
	hash.Write([]byte(secret))

	return &ConnectionsTable{
		db:     db,
		key256: hash.Sum(nil),
	}
}

func (t *ConnectionsTable) encrypt(credential string) string {
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		panic("ConnectionsTable encrypt: " + err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic("ConnectionsTable encrypt: " + err.Error())
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		panic("ConnectionsTable encrypt: " + err.Error())
	}
	return hex.EncodeToString(nonce) + " " + hex.EncodeToString(gcm.Seal(nil, nonce, []byte(credential), nil))
}

func (t *ConnectionsTable) decrypt(nonceAndEncCred string) (string, error) {
	segs := strings.Split(nonceAndEncCred, " ")
	if len(segs) != 2 {
		return "", fmt.Errorf("decrypt credential: malformed value")
	}
	nonceBytes, err := hex.DecodeString(segs[0])
	if err != nil {
		return "", fmt.Errorf("decrypt nonce: failed to decode hex: %s", err)
	}
	ciphertext, err := hex.DecodeString(segs[1])
	if err != nil {
		return "", fmt.Errorf("decrypt credential: failed to decode hex: %s", err)
	}
	block, err := aes.NewCipher(t.key256)
	if err != nil {
		return "", err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	credential, err := aesgcm.Open(nil, nonceBytes, ciphertext, nil)
	if err != nil {
		return "", err
	}
	return string(credential), nil
}

// Upsert creates or replaces the active connection for this (tenant, platform),
// encrypting the credential at rest. An existing active connection keeps its
// sync status and checkpoint; only the credential is replaced.
func (t *ConnectionsTable) Upsert(tenantID, platform, plaintextCredential string) (*SyncConnection, error) {
	encCred := t.encrypt(plaintextCredential)
	var conn SyncConnection
	err := t.db.Get(&conn,
		`INSERT INTO consync_connections(tenant_id, platform, credential_encrypted)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, platform) WHERE active
		DO UPDATE SET credential_encrypted = EXCLUDED.credential_encrypted
		RETURNING id, tenant_id, platform, credential_encrypted, active, sync_status,
			sync_progress, progress_version, last_sync_at, last_full_sync_at`,
		tenantID, platform, encCred,
	)
	if err != nil {
		return nil, err
	}
	conn.Credential = plaintextCredential
	return &conn, nil
}

// Connection returns the active connection for this (tenant, platform) with its
// credential decrypted, or sql.ErrNoRows if none exists.
func (t *ConnectionsTable) Connection(tenantID, platform string) (*SyncConnection, error) {
	var conn SyncConnection
	err := t.db.Get(&conn,
		`SELECT id, tenant_id, platform, credential_encrypted, active, sync_status,
			sync_progress, progress_version, last_sync_at, last_full_sync_at
		FROM consync_connections WHERE tenant_id = $1 AND platform = $2 AND active`,
		tenantID, platform,
	)
	if err != nil {
		return nil, err
	}
	conn.Credential, err = t.decrypt(conn.CredentialEncrypted)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

// Connections returns all active connections for a tenant, credentials not decrypted.
func (t *ConnectionsTable) Connections(tenantID string) ([]SyncConnection, error) {
	var conns []SyncConnection
	err := t.db.Select(&conns,
		`SELECT id, tenant_id, platform, active, sync_status, sync_progress,
			progress_version, last_sync_at, last_full_sync_at
		FROM consync_connections WHERE tenant_id = $1 AND active ORDER BY platform`,
		tenantID,
	)
	return conns, err
}

// Status reads just the sync_status column. The runner polls this at loop
// iteration boundaries for cooperative cancellation.
func (t *ConnectionsTable) Status(connID int64) (string, error) {
	var status string
	err := t.db.Get(&status, `SELECT sync_status FROM consync_connections WHERE id = $1`, connID)
	return status, err
}

func (t *ConnectionsTable) SetStatus(connID int64, status string) error {
	_, err := t.db.Exec(`UPDATE consync_connections SET sync_status = $1 WHERE id = $2`, status, connID)
	return err
}

// MarkSyncing flips the status to syncing unless a run already holds it.
// Returns false if another run is in flight; the trigger API surfaces this as
// a conflict rather than double-running.
func (t *ConnectionsTable) MarkSyncing(connID int64) (bool, error) {
	res, err := t.db.Exec(
		`UPDATE consync_connections SET sync_status = $1 WHERE id = $2 AND sync_status != $1`,
		StatusSyncing, connID,
	)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	return rows == 1, err
}

// SaveProgress merges a partial checkpoint patch into sync_progress. Only the
// top-level keys present in the patch are replaced, so each phase writes the
// fields it owns without disturbing the others. The write is guarded by the
// progress_version token: if expectedVersion no longer matches, nothing is
// written and ErrStaleProgress is returned, which stops a stale continuation
// from clobbering a newer reset. Returns the new version on success.
func (t *ConnectionsTable) SaveProgress(connID int64, patch []byte, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := t.db.Get(&newVersion,
		`UPDATE consync_connections
		SET sync_progress = sync_progress || $2::jsonb, progress_version = progress_version + 1
		WHERE id = $1 AND progress_version = $3
		RETURNING progress_version`,
		connID, patch, expectedVersion,
	)
	if err == sql.ErrNoRows {
		return 0, ErrStaleProgress
	}
	return newVersion, err
}

func (t *ConnectionsTable) clearProgressTxn(txn *sqlx.Tx, connID int64) error {
	_, err := txn.Exec(
		`UPDATE consync_connections
		SET sync_progress = '{}'::jsonb, progress_version = progress_version + 1
		WHERE id = $1`, connID,
	)
	return err
}

// FinishRun records the terminal state of a completed run. On success the
// checkpoint is destroyed and last_sync_at is set; fullSync additionally
// stamps last_full_sync_at.
func (t *ConnectionsTable) FinishRun(connID int64, status string, fullSync bool) error {
	now := time.Now()
	if status != StatusSuccess {
		_, err := t.db.Exec(`UPDATE consync_connections SET sync_status = $1 WHERE id = $2`, status, connID)
		return err
	}
	q := `UPDATE consync_connections
		SET sync_status = $1, sync_progress = '{}'::jsonb,
			progress_version = progress_version + 1, last_sync_at = $2`
	if fullSync {
		q += `, last_full_sync_at = $2`
	}
	q += ` WHERE id = $3`
	_, err := t.db.Exec(q, status, now, connID)
	return err
}

// Deactivate soft-deletes the connection. Synced rows are left in place;
// explicit reset is the only path that purges data.
func (t *ConnectionsTable) Deactivate(tenantID, platform string) error {
	_, err := t.db.Exec(
		`UPDATE consync_connections SET active = FALSE WHERE tenant_id = $1 AND platform = $2 AND active`,
		tenantID, platform,
	)
	return err
}
