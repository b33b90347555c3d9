package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upProgressVersion, downProgressVersion)
}

// Deployments created before checkpoint writes carried an optimistic token
// lack the progress_version column. Backfill it at zero; the first run after
// upgrade establishes a real version.
func upProgressVersion(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	ALTER TABLE IF EXISTS consync_connections ADD COLUMN IF NOT EXISTS progress_version BIGINT NOT NULL DEFAULT 0;
	`)
	return err
}

func downProgressVersion(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	ALTER TABLE IF EXISTS consync_connections DROP COLUMN IF EXISTS progress_version;
	`)
	return err
}
