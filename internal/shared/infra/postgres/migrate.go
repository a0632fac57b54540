package postgres

import (
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver for database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*/*.sql
var migrations embed.FS

// RunMigrations applies pending migrations for one service: first the
// shared core schema (outbox table and its NOTIFY trigger), then the
// service's own tables. Each directory uses its own goose table name so
// that version tracking doesn't collide when multiple services share a
// database in development. Opens a temporary database/sql connection
// (separate from the pgxpool) because goose requires database/sql.
func RunMigrations(databaseURL, service string) error {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migration: %w", err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	goose.SetBaseFS(migrations)

	for _, dir := range []string{"core", service} {
		goose.SetTableName("goose_" + dir)
		if err := goose.Up(db, "migrations/"+dir); err != nil {
			return fmt.Errorf("failed to apply %s migrations: %w", dir, err)
		}
	}

	return nil
}
