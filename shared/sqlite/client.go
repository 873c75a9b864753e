package sqlite

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Config holds SQLite configuration
type Config struct {
	Path string
}

// Open opens the database file at cfg.Path in WAL mode.
// SQLite allows a single writer, so the pool is limited to one connection.
func Open(cfg *Config, logger *slog.Logger) (*sqlx.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	logger.Info("Opening SQLite database", slog.String("path", cfg.Path))

	db, err := sqlx.Connect("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		logger.Error("Failed to open SQLite database",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	return db, nil
}
