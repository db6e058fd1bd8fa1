package watermark

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/astromechza/tablesync/pkg/sqldb"
)

// DefaultTable holds the watermarks in the producer's own database.
const DefaultTable = "sync_watermarks"

// SQLStore keeps watermarks in a table of a relational database, usually the
// producer's local source database.
type SQLStore struct {
	db    *sqldb.DB
	table string
}

// NewSQLStore creates the watermark table if it does not exist.
func NewSQLStore(ctx context.Context, db *sqldb.DB, table string) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("watermark: db is nil")
	}
	if table == "" {
		table = DefaultTable
	}
	s := &SQLStore{db: db, table: table}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (
    table_name TEXT NOT NULL PRIMARY KEY,
    last_id    BIGINT NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL
)`, sqldb.QuoteIdent(table)),
	); err != nil {
		return nil, fmt.Errorf("failed to create watermark table: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Get(ctx context.Context, table string) (int64, error) {
	var value int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT last_id FROM %s WHERE table_name = %s`,
		sqldb.QuoteIdent(s.table), s.db.Placeholder(1),
	), table).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to read watermark for %q: %w", table, err)
	}
	return value, nil
}

func (s *SQLStore) Set(ctx context.Context, table string, value int64) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (table_name, last_id, updated_at) VALUES (%s)
ON CONFLICT (table_name) DO UPDATE SET last_id = excluded.last_id, updated_at = excluded.updated_at`,
		sqldb.QuoteIdent(s.table), s.db.Placeholders(1, 3),
	)
	if _, err := s.db.ExecContext(ctx, query, table, value, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to write watermark for %q: %w", table, err)
	}
	return nil
}
