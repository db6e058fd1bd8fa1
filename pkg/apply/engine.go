// Package apply is the receiving side's Apply Engine: it upserts a decoded
// batch into the target store as one unit and computes the watermark to
// report back.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/faults"
	"github.com/astromechza/tablesync/pkg/metrics"
)

// DefaultIDColumn is used for tables without a configured identifier column.
const DefaultIDColumn = "SysId"

type Options struct {
	// IDColumns maps table names to their identifier column.
	IDColumns map[string]string
	// RestrictTables rejects batches for tables missing from IDColumns.
	RestrictTables bool
	Logger         *slog.Logger
}

type Engine struct {
	target Target
	opts   Options
	logger *slog.Logger
}

func NewEngine(target Target, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{target: target, opts: opts, logger: logger}
}

// IDColumn returns the identifier column configured for table.
func (e *Engine) IDColumn(table string) string {
	if c, ok := e.opts.IDColumns[table]; ok && c != "" {
		return c
	}
	return DefaultIDColumn
}

// Apply upserts every row of batch. On success the ack carries the
// identifier of the batch's last row; on failure nothing is committed and an
// ApplyFault is returned.
func (e *Engine) Apply(ctx context.Context, batch codec.Batch) (codec.Ack, error) {
	fail := func(err error) (codec.Ack, error) {
		metrics.ApplyFailures.WithLabelValues(batch.Table).Inc()
		return codec.Ack{}, &faults.ApplyFault{Table: batch.Table, Err: err}
	}

	if _, ok := e.opts.IDColumns[batch.Table]; e.opts.RestrictTables && !ok {
		return fail(fmt.Errorf("table %q is not configured for sync", batch.Table))
	}
	if len(batch.Rows) == 0 {
		return fail(errors.New("batch has no rows"))
	}
	idColumn := e.IDColumn(batch.Table)
	for i, row := range batch.Rows {
		if _, err := codec.RowID(row, idColumn); err != nil {
			return fail(fmt.Errorf("row %d: %w", i, err))
		}
	}
	maxID, err := batch.LastID(idColumn)
	if err != nil {
		return fail(err)
	}
	if maxID < 0 {
		return fail(fmt.Errorf("last row identifier %d is negative", maxID))
	}

	if err := e.target.UpsertBatch(ctx, batch.Table, idColumn, batch.Rows); err != nil {
		return fail(err)
	}

	metrics.BatchesApplied.WithLabelValues(batch.Table).Inc()
	metrics.RowsUpserted.WithLabelValues(batch.Table).Add(float64(len(batch.Rows)))
	e.logger.Info("applied batch", "table", batch.Table, "rows", len(batch.Rows), "max_id", maxID)
	return codec.Ack{Table: batch.Table, MaxID: maxID}, nil
}
