package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/kdlbs/issueforge/internal/common/config"
)

// Provide opens the configured backend and returns a ready Pool. SQLite is
// the default/primary backend (it gets a dedicated single-connection writer
// plus a read-only reader pool); Postgres is a secondary backend selected by
// Database.Driver = "postgres" and shares one pooled connection for both
// reads and writes.
func Provide(cfg *config.DatabaseConfig) (*Pool, error) {
	switch cfg.Driver {
	case "postgres":
		sqlDB, err := OpenPostgres(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, fmt.Errorf("provide postgres store: %w", err)
		}
		sqlxDB := sqlx.NewDb(sqlDB, "pgx")
		return NewPool(sqlxDB, sqlxDB), nil

	case "sqlite", "":
		writer, err := OpenSQLite(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("provide sqlite store (writer): %w", err)
		}
		reader, err := OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, fmt.Errorf("provide sqlite store (reader): %w", err)
		}
		return NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3")), nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
