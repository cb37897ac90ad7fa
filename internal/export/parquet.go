package export

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/duckmesh/askmesh/internal/query"
)

type columnKind int

const (
	kindUnknown columnKind = iota
	kindInt
	kindFloat
	kindBool
	kindTime
	kindString
)

// EncodeParquet writes set as a single row group. Every column is optional;
// its physical type is inferred from the non-NULL values and falls back to
// string when they disagree.
func EncodeParquet(set query.ResultSet) ([]byte, error) {
	if len(set.Columns) == 0 {
		return nil, fmt.Errorf("result set has no columns")
	}

	names := uniqueNames(set.Columns)
	kinds := make([]columnKind, len(names))
	for i := range names {
		kinds[i] = inferKind(set.Rows, i)
	}

	group := parquet.Group{}
	for i, name := range names {
		group[name] = parquet.Optional(nodeFor(kinds[i]))
	}
	schema := parquet.NewSchema("result", group)

	// Group fields are ordered by name; map each result column to its leaf.
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	leaf := make(map[string]int, len(sorted))
	for i, name := range sorted {
		leaf[name] = i
	}

	rows := make([]parquet.Row, 0, len(set.Rows))
	for _, values := range set.Rows {
		row := make(parquet.Row, len(names))
		for i, name := range names {
			var value any
			if i < len(values) {
				value = values[i]
			}
			row[leaf[name]] = parquetValue(value, kinds[i]).Level(0, definitionLevel(value), leaf[name])
		}
		rows = append(rows, row)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewWriter(buf, schema)
	if _, err := writer.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

func uniqueNames(columns []string) []string {
	taken := make(map[string]bool, len(columns))
	out := make([]string, len(columns))
	for i, column := range columns {
		base := column
		if base == "" {
			base = "column_" + strconv.Itoa(i+1)
		}
		name := base
		for n := 2; taken[name]; n++ {
			name = base + "_" + strconv.Itoa(n)
		}
		taken[name] = true
		out[i] = name
	}
	return out
}

func inferKind(rows [][]any, index int) columnKind {
	kind := kindUnknown
	for _, row := range rows {
		if index >= len(row) || row[index] == nil {
			continue
		}
		next := kindOf(row[index])
		switch {
		case kind == kindUnknown:
			kind = next
		case kind == next:
		case (kind == kindInt && next == kindFloat) || (kind == kindFloat && next == kindInt):
			kind = kindFloat
		default:
			return kindString
		}
	}
	if kind == kindUnknown {
		return kindString
	}
	return kind
}

func kindOf(value any) columnKind {
	switch value.(type) {
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return kindInt
	case float32, float64:
		return kindFloat
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	default:
		return kindString
	}
}

func nodeFor(kind columnKind) parquet.Node {
	switch kind {
	case kindInt:
		return parquet.Int(64)
	case kindFloat:
		return parquet.Leaf(parquet.DoubleType)
	case kindBool:
		return parquet.Leaf(parquet.BooleanType)
	case kindTime:
		return parquet.Timestamp(parquet.Microsecond)
	default:
		return parquet.String()
	}
}

func definitionLevel(value any) int {
	if value == nil {
		return 0
	}
	return 1
}

func parquetValue(value any, kind columnKind) parquet.Value {
	if value == nil {
		return parquet.NullValue()
	}
	switch kind {
	case kindInt:
		n, _ := toInt64(value)
		return parquet.Int64Value(n)
	case kindFloat:
		if n, ok := toInt64(value); ok {
			return parquet.DoubleValue(float64(n))
		}
		switch typed := value.(type) {
		case float32:
			return parquet.DoubleValue(float64(typed))
		case float64:
			return parquet.DoubleValue(typed)
		}
	case kindBool:
		return parquet.BooleanValue(value.(bool))
	case kindTime:
		return parquet.Int64Value(value.(time.Time).UnixMicro())
	}
	return parquet.ByteArrayValue([]byte(textValue(value)))
}

func toInt64(value any) (int64, bool) {
	switch typed := value.(type) {
	case int:
		return int64(typed), true
	case int8:
		return int64(typed), true
	case int16:
		return int64(typed), true
	case int32:
		return int64(typed), true
	case int64:
		return typed, true
	case uint8:
		return int64(typed), true
	case uint16:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	default:
		return 0, false
	}
}
