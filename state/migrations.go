package state

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"

	_ "github.com/campaignlab/connector-sync/state/migrations"
)

//go:embed migrations/*.go
var embedMigrations embed.FS

// Migrate runs all pending goose migrations. Called once at startup before
// any table constructors run.
func Migrate(connStr string) error {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return err
	}
	defer db.Close()
	return MigrateWithDatabase(db)
}

func MigrateWithDatabase(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
