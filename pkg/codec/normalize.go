package codec

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Normalize maps a value produced by a database/sql driver or by caller code
// onto the scalar set the codec carries: nil, bool, int64, float64 or string.
func Normalize(value any) any {
	switch v := value.(type) {
	case nil, bool, int64, float64, string:
		return v
	case []byte:
		return string(v)
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return unsigned(uint64(v))
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return unsigned(v)
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(value)
}

// unsigned keeps values beyond the int64 range exact as decimal strings.
func unsigned(v uint64) any {
	if v > math.MaxInt64 {
		return strconv.FormatUint(v, 10)
	}
	return int64(v)
}

// NormalizeRow returns a copy of row with every value normalized.
func NormalizeRow(row Row) Row {
	out := make(Row, len(row))
	for column, value := range row {
		out[column] = Normalize(value)
	}
	return out
}
