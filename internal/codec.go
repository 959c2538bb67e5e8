package internal

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// EncodeCSV renders the dataset as delimited text: a header of column names
// followed by one record per row. Geometry columns become EWKT.
func EncodeCSV(d *Dataset) (string, error) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func WriteCSV(out io.Writer, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}

	w := csv.NewWriter(out)

	header := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		header[i] = c.Name
	}
	if err := w.Write(header); err != nil {
		return err
	}

	record := make([]string, len(d.Columns))
	for r, row := range d.Rows {
		for i, c := range d.Columns {
			s, err := formatValue(c.Type, row[i])
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", r, c.Name, err)
			}
			record[i] = s
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

// DecodeCSV reads text produced by EncodeCSV back into typed values.
func DecodeCSV(in io.Reader, columns []Column) (*Dataset, error) {
	r := csv.NewReader(in)
	r.FieldsPerRecord = len(columns)
	r.ReuseRecord = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("missing header")
	}
	if err != nil {
		return nil, err
	}
	for i, c := range columns {
		if strings.TrimPrefix(header[i], "\ufeff") != c.Name {
			return nil, fmt.Errorf("header column %d is %q, expected %q", i, header[i], c.Name)
		}
	}

	d := &Dataset{Columns: columns, Rows: [][]any{}}
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		row := make([]any, len(columns))
		for i, c := range columns {
			v, err := parseValue(c.Type, record[i])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", len(d.Rows)+2, c.Name, err)
			}
			row[i] = v
		}
		d.Rows = append(d.Rows, row)
	}
	return d, nil
}

func formatValue(t ColumnType, v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if t == GeometryColumn {
		return EncodeGeometry(v)
	}

	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return formatFloat(float64(x)), nil
	case float64:
		return formatFloat(x), nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return fmt.Sprint(v), nil
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseValue(t ColumnType, s string) (any, error) {
	if s == "" {
		if t == StringColumn {
			return "", nil
		}
		return nil, nil
	}

	switch t {
	case IntegerColumn:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		// numeric columns come back as 8000000.0 from some backends
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return nil, fmt.Errorf("invalid integer %q", s)
		}
		return int64(f), nil
	case RealColumn:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid real %q", s)
		}
		return f, nil
	case BooleanColumn:
		switch strings.ToLower(s) {
		case "t", "true", "1":
			return true, nil
		case "f", "false", "0":
			return false, nil
		}
		return nil, fmt.Errorf("invalid boolean %q", s)
	case TimestampColumn:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid timestamp %q", s)
	case GeometryColumn:
		g, _, err := DecodeGeometry(s)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	return s, nil
}
