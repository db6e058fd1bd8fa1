// Package codec turns record batches into single protocol lines and back.
//
// A payload line is a JSON object {"table": "...", "rows": [...]} that never
// contains a raw line terminator. Replies are "<table>,<maxId>". The reserved
// Sentinel line ends a session.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/astromechza/tablesync/pkg/faults"
)

// Sentinel is the reserved line that ends a session. It is never a valid
// payload and is never answered.
const Sentinel = "88"

// Row maps column names to scalar values.
type Row map[string]any

// Batch is an ordered set of rows for one table, ascending by identifier.
type Batch struct {
	Table string
	Rows  []Row
}

// Ack reports the identifier of the last row the receiver applied.
type Ack struct {
	Table string
	MaxID int64
}

type wireBatch struct {
	Table *string           `json:"table"`
	Rows  *[]map[string]any `json:"rows"`
}

// IsSentinel reports whether line is the end-of-session token.
func IsSentinel(line string) bool {
	return strings.TrimSpace(line) == Sentinel
}

// Encode writes batch as one line of JSON without a trailing newline.
func Encode(batch Batch) (string, error) {
	if batch.Table == "" {
		return "", &faults.EncodeError{Reason: "table name is empty"}
	}
	if hasLineTerminator(batch.Table) {
		return "", &faults.EncodeError{Table: batch.Table, Reason: "table name contains a line terminator"}
	}
	if !utf8.ValidString(batch.Table) {
		return "", &faults.EncodeError{Table: batch.Table, Reason: "table name is not valid UTF-8"}
	}

	rows := make([]Row, 0, len(batch.Rows))
	for i, row := range batch.Rows {
		out := make(Row, len(row))
		for column, value := range row {
			if hasLineTerminator(column) {
				return "", &faults.EncodeError{Table: batch.Table, Column: column, Reason: "column name contains a line terminator"}
			}
			if !utf8.ValidString(column) {
				return "", &faults.EncodeError{Table: batch.Table, Column: column, Reason: "column name is not valid UTF-8"}
			}
			v := Normalize(value)
			if s, ok := v.(string); ok {
				switch {
				case hasLineTerminator(s):
					return "", &faults.EncodeError{
						Table:  batch.Table,
						Column: column,
						Reason: fmt.Sprintf("value in row %d contains a line terminator", i),
					}
				// json would replace invalid bytes with U+FFFD
				case !utf8.ValidString(s):
					return "", &faults.EncodeError{
						Table:  batch.Table,
						Column: column,
						Reason: fmt.Sprintf("value in row %d is not valid UTF-8", i),
					}
				}
			}
			if f, ok := v.(float64); ok {
				num, err := floatNumber(f)
				if err != nil {
					return "", &faults.EncodeError{Table: batch.Table, Column: column, Reason: err.Error()}
				}
				out[column] = num
				continue
			}
			out[column] = v
		}
		rows = append(rows, out)
	}

	var buff bytes.Buffer
	enc := json.NewEncoder(&buff)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(struct {
		Table string `json:"table"`
		Rows  []Row  `json:"rows"`
	}{Table: batch.Table, Rows: rows}); err != nil {
		return "", &faults.EncodeError{Table: batch.Table, Reason: err.Error()}
	}
	return strings.TrimRight(buff.String(), "\n"), nil
}

// Decode parses a payload line. Only the shape is checked: a non-empty table
// name and an array of JSON objects.
func Decode(line string) (Batch, error) {
	dec := json.NewDecoder(strings.NewReader(line))
	dec.UseNumber()

	var wire wireBatch
	if err := dec.Decode(&wire); err != nil {
		return Batch{}, &faults.FormatError{Reason: "invalid json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return Batch{}, &faults.FormatError{Reason: "trailing data after batch"}
	}
	if wire.Table == nil || *wire.Table == "" {
		return Batch{}, &faults.FormatError{Reason: "missing table name"}
	}
	if wire.Rows == nil {
		return Batch{}, &faults.FormatError{Reason: "missing rows"}
	}

	batch := Batch{Table: *wire.Table, Rows: make([]Row, 0, len(*wire.Rows))}
	for i, raw := range *wire.Rows {
		if raw == nil {
			return Batch{}, &faults.FormatError{Reason: fmt.Sprintf("row %d is not an object", i)}
		}
		row := make(Row, len(raw))
		for column, value := range raw {
			row[column] = fromJSON(value)
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch, nil
}

// EncodeAck formats the reply line.
func EncodeAck(ack Ack) string {
	return ack.Table + "," + strconv.FormatInt(ack.MaxID, 10)
}

// DecodeAck parses a "<table>,<maxId>" reply line.
func DecodeAck(line string) (Ack, error) {
	line = strings.TrimSpace(line)
	idx := strings.LastIndexByte(line, ',')
	if idx <= 0 {
		return Ack{}, &faults.FormatError{Reason: fmt.Sprintf("ack %q is not <table>,<maxId>", line)}
	}
	digits := line[idx+1:]
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return Ack{}, &faults.FormatError{Reason: fmt.Sprintf("ack id %q is not a non-negative integer", digits)}
	}
	maxID, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return Ack{}, &faults.FormatError{Reason: "ack id out of range", Err: err}
	}
	return Ack{Table: line[:idx], MaxID: maxID}, nil
}

// LastID returns the identifier carried by the final row of the batch. The
// ascending order is trusted, not re-checked.
func (b Batch) LastID(idColumn string) (int64, error) {
	if len(b.Rows) == 0 {
		return 0, fmt.Errorf("batch for %q is empty", b.Table)
	}
	return RowID(b.Rows[len(b.Rows)-1], idColumn)
}

// RowID extracts an integer identifier from row.
func RowID(row Row, idColumn string) (int64, error) {
	raw, ok := row[idColumn]
	if !ok || raw == nil {
		return 0, fmt.Errorf("row has no %q identifier", idColumn)
	}
	switch v := Normalize(raw).(type) {
	case int64:
		return v, nil
	case float64:
		if v == float64(int64(v)) {
			return int64(v), nil
		}
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			return id, nil
		}
	}
	return 0, fmt.Errorf("identifier %q has non-integer value %v", idColumn, raw)
}

// floatNumber renders f so that it decodes back as a float64 even when it
// holds an integral value.
func floatNumber(f float64) (json.Number, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("unsupported float value %v", f)
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s), nil
}

func hasLineTerminator(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}

func fromJSON(value any) any {
	switch v := value.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		for i := range v {
			v[i] = fromJSON(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = fromJSON(v[k])
		}
		return v
	}
	return value
}
