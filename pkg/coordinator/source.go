package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/sqldb"
)

// Source yields the producer's local rows above a watermark.
type Source interface {
	// Extract returns rows of table whose idColumn is greater than after,
	// ascending by idColumn. A positive limit caps the number of rows.
	Extract(ctx context.Context, table, idColumn string, after int64, limit int) ([]codec.Row, error)
}

// SQLSource reads rows from a local relational database.
type SQLSource struct {
	db *sqldb.DB
}

func NewSQLSource(db *sqldb.DB) (*SQLSource, error) {
	if db == nil {
		return nil, errors.New("coordinator: db is nil")
	}
	return &SQLSource{db: db}, nil
}

func (s *SQLSource) Extract(ctx context.Context, table, idColumn string, after int64, limit int) ([]codec.Row, error) {
	id := sqldb.QuoteColumn(idColumn)
	query := fmt.Sprintf(`SELECT * FROM %s WHERE %s > %s ORDER BY %s ASC`,
		sqldb.QuoteIdent(table), id, s.db.Placeholder(1), id)
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, after)
	if err != nil {
		return nil, fmt.Errorf("failed to query %q: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %q: %w", table, err)
	}

	out := make([]codec.Row, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %q: %w", table, err)
		}
		row := make(codec.Row, len(columns))
		for i, c := range columns {
			row[c] = codec.Normalize(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows of %q: %w", table, err)
	}
	return out, nil
}
