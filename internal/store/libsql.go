package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/tursodatabase/go-libsql"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	sqlStore
}

// NewLibSQLStore opens a libSQL database. The path should be a file URI,
// e.g. "file:/path/to/playbook.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(libsqlDialect.maxOpenConn)

	// Some PRAGMAs return rows, so QueryRow is used for all of them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{sqlStore{db: db, d: libsqlDialect}}, nil
}

// Vacuum reclaims free pages.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	return s.exec(ctx, "VACUUM")
}
