package apply

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/sqldb"
)

// Target is the central store batches are applied to. UpsertBatch must be
// all-or-nothing: on error no row of the batch is visible.
type Target interface {
	UpsertBatch(ctx context.Context, table, idColumn string, rows []codec.Row) error
}

// SQLTarget upserts rows into an existing table of a relational database.
type SQLTarget struct {
	db *sqldb.DB
}

func NewSQLTarget(db *sqldb.DB) (*SQLTarget, error) {
	if db == nil {
		return nil, errors.New("apply: db is nil")
	}
	return &SQLTarget{db: db}, nil
}

// UpsertBatch inserts each row or overwrites the row with the same
// identifier, inside a single transaction.
func (t *SQLTarget) UpsertBatch(ctx context.Context, table, idColumn string, rows []codec.Row) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// rows usually share a column set, so statements are reused per shape
	statements := make(map[string]string)
	for i, row := range rows {
		columns := sortedColumns(row)
		key := strings.Join(columns, "\x00")
		query, ok := statements[key]
		if !ok {
			query = t.upsertQuery(table, idColumn, columns)
			statements[key] = query
		}
		args := make([]any, len(columns))
		for j, c := range columns {
			args[j] = row[c]
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (t *SQLTarget) upsertQuery(table, idColumn string, columns []string) string {
	quoted := make([]string, len(columns))
	var updates []string
	for i, c := range columns {
		quoted[i] = sqldb.QuoteColumn(c)
		if c != idColumn {
			updates = append(updates, quoted[i]+" = excluded."+quoted[i])
		}
	}
	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		sqldb.QuoteIdent(table),
		strings.Join(quoted, ", "),
		t.db.Placeholders(1, len(columns)),
		sqldb.QuoteColumn(idColumn),
		conflict,
	)
}

func sortedColumns(row codec.Row) []string {
	columns := make([]string, 0, len(row))
	for c := range row {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	return columns
}
