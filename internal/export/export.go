// Package export encodes query result sets into downloadable files.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"time"

	"github.com/duckmesh/askmesh/internal/query"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// ParseFormat maps a request value onto a Format. Empty means CSV.
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatParquet:
		return FormatParquet, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", raw)
	}
}

func (f Format) ContentType() string {
	if f == FormatParquet {
		return "application/vnd.apache.parquet"
	}
	return "text/csv"
}

func (f Format) Extension() string {
	return string(f)
}

// Encode renders set in the given format.
func Encode(set query.ResultSet, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return EncodeCSV(set)
	case FormatParquet:
		return EncodeParquet(set)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

// EncodeCSV writes a header row followed by one record per row. NULL
// becomes an empty field.
func EncodeCSV(set query.ResultSet) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(set.Columns); err != nil {
		return nil, err
	}
	record := make([]string, len(set.Columns))
	for _, row := range set.Rows {
		for i := range record {
			record[i] = ""
			if i < len(row) {
				record[i] = textValue(row[i])
			}
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func textValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case time.Time:
		return typed.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(typed)
	}
}
