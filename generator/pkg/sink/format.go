package sink

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/malbeclabs/streamforge/generator/pkg/tablegen"
)

// Format is the file encoding of generated tables.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatJSON:
		return Format(s), nil
	case "":
		return FormatCSV, nil
	}
	return "", fmt.Errorf("unknown output format %q (expected csv or json)", s)
}

// Ext is the file extension, without the dot.
func (f Format) Ext() string {
	if f == FormatJSON {
		return "json"
	}
	return "csv"
}

func (f Format) ContentType() string {
	if f == FormatJSON {
		return "application/x-ndjson"
	}
	return "text/csv"
}

// Encode writes t to w. CSV gets a header row and empty cells for nulls; JSON is one object per
// line with keys in column order.
func Encode(w io.Writer, f Format, t *tablegen.Table) error {
	if f == FormatJSON {
		return encodeJSONLines(w, t)
	}
	return encodeCSV(w, t)
}

func encodeCSV(w io.Writer, t *tablegen.Table) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Columns); err != nil {
		return err
	}
	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			record[i] = formatCell(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}

func encodeJSONLines(w io.Writer, t *tablegen.Table) error {
	bw := bufio.NewWriter(w)
	keys := make([][]byte, len(t.Columns))
	for i, c := range t.Columns {
		k, err := json.Marshal(c)
		if err != nil {
			return err
		}
		keys[i] = k
	}
	for _, row := range t.Rows {
		bw.WriteByte('{')
		for i, v := range row {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.Write(keys[i])
			bw.WriteByte(':')
			val, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("column %s: %w", t.Columns[i], err)
			}
			bw.Write(val)
		}
		bw.WriteString("}\n")
	}
	return bw.Flush()
}
