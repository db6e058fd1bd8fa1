// Package coordinator is the producing side: it extracts rows above each
// table's watermark, ships them as one batch and advances the watermark only
// once the receiver has acknowledged them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/astromechza/tablesync/pkg/apply"
	"github.com/astromechza/tablesync/pkg/codec"
	"github.com/astromechza/tablesync/pkg/faults"
	"github.com/astromechza/tablesync/pkg/metrics"
	"github.com/astromechza/tablesync/pkg/status"
	"github.com/astromechza/tablesync/pkg/watermark"
)

// Exchanger sends one batch and returns the single reply to it.
type Exchanger interface {
	Exchange(ctx context.Context, batch codec.Batch) (codec.Ack, error)
}

type Options struct {
	// Tables are synced in this order by SyncAll.
	Tables []string
	// IDColumns maps a table to its identifier column; apply.DefaultIDColumn
	// is used otherwise.
	IDColumns map[string]string
	// BatchSize caps the rows sent per cycle. Zero sends everything.
	BatchSize int
	Events    *status.Emitter
	Logger    *slog.Logger
}

type Coordinator struct {
	source     Source
	watermarks watermark.Store
	opts       Options
	logger     *slog.Logger
}

// Result describes one table cycle.
type Result struct {
	Table     string
	Sent      bool
	Rows      int
	Previous  int64
	Watermark int64
}

func New(source Source, watermarks watermark.Store, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{source: source, watermarks: watermarks, opts: opts, logger: logger}
}

func (c *Coordinator) idColumn(table string) string {
	if col, ok := c.opts.IDColumns[table]; ok && col != "" {
		return col
	}
	return apply.DefaultIDColumn
}

// SyncTable runs one cycle for table. The watermark is left untouched unless
// a matching ack arrives and the new value is persisted.
func (c *Coordinator) SyncTable(ctx context.Context, ex Exchanger, table string) (Result, error) {
	res, err := c.syncTable(ctx, ex, table)
	switch {
	case err != nil:
		metrics.Cycles.WithLabelValues(table, "failed").Inc()
		c.opts.Events.Emit(status.Event{Kind: status.Fault, Table: table, Value: res.Previous, Err: err})
	case res.Sent:
		metrics.Cycles.WithLabelValues(table, "advanced").Inc()
	default:
		metrics.Cycles.WithLabelValues(table, "idle").Inc()
	}
	return res, err
}

func (c *Coordinator) syncTable(ctx context.Context, ex Exchanger, table string) (Result, error) {
	res := Result{Table: table}
	logger := c.logger.With("table", table)

	current, err := c.watermarks.Get(ctx, table)
	if err != nil {
		return res, fmt.Errorf("failed to read watermark: %w", err)
	}
	res.Previous, res.Watermark = current, current
	metrics.Watermark.WithLabelValues(table).Set(float64(current))

	idColumn := c.idColumn(table)
	rows, err := c.source.Extract(ctx, table, idColumn, current, c.opts.BatchSize)
	if err != nil {
		return res, fmt.Errorf("failed to extract rows: %w", err)
	}
	if len(rows) == 0 {
		logger.Debug("no new rows", "watermark", current)
		return res, nil
	}

	batch := codec.Batch{Table: table, Rows: rows}
	lastSent, err := batch.LastID(idColumn)
	if err != nil {
		return res, fmt.Errorf("failed to read last row id: %w", err)
	}

	logger.Info("sending batch", "rows", len(rows), "after", current, "last_id", lastSent)
	ack, err := ex.Exchange(ctx, batch)
	if err != nil {
		return res, fmt.Errorf("failed to exchange batch: %w", err)
	}
	c.opts.Events.Emit(status.Event{Kind: status.BatchSent, Table: table, Value: lastSent})

	if ack.Table != table {
		return res, &faults.ProtocolMismatch{Table: table, Got: codec.EncodeAck(ack), Reason: "ack names a different table"}
	}
	if ack.MaxID <= current || ack.MaxID > lastSent {
		return res, &faults.ProtocolMismatch{
			Table:  table,
			Got:    codec.EncodeAck(ack),
			Reason: fmt.Sprintf("ack id outside sent range (%d, %d]", current, lastSent),
		}
	}

	if err := c.watermarks.Set(ctx, table, ack.MaxID); err != nil {
		return res, fmt.Errorf("failed to persist watermark: %w", err)
	}
	res.Sent, res.Rows, res.Watermark = true, len(rows), ack.MaxID
	metrics.Watermark.WithLabelValues(table).Set(float64(ack.MaxID))
	c.opts.Events.Emit(status.Event{Kind: status.WatermarkAdvanced, Table: table, Value: ack.MaxID})
	logger.Info("watermark advanced", "from", current, "to", ack.MaxID)
	return res, nil
}

// SyncAll runs a cycle for every configured table. It stops at the first
// fault that kills the session; other failures are collected and the
// remaining tables still run.
func (c *Coordinator) SyncAll(ctx context.Context, ex Exchanger) ([]Result, error) {
	results := make([]Result, 0, len(c.opts.Tables))
	var errs []error
	for _, table := range c.opts.Tables {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := c.SyncTable(ctx, ex, table)
		results = append(results, res)
		if err == nil {
			continue
		}
		if faults.IsSessionFatal(err) {
			return results, err
		}
		c.logger.Warn("skipping table this cycle", "table", table, "err", err)
		errs = append(errs, err)
	}
	return results, errors.Join(errs...)
}
