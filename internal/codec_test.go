package internal

import (
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCSV(t *testing.T) {
	d := &Dataset{
		ID:      "cities",
		Columns: []Column{{Name: "city", Type: StringColumn}, {Name: "pop", Type: IntegerColumn}},
		Rows:    [][]any{{"NYC", 8000000}},
	}
	out, err := EncodeCSV(d)
	require.NoError(t, err)
	assert.Equal(t, "city,pop\nNYC,8000000\n", out)
}

func TestEncodeCSVShape(t *testing.T) {
	d := &Dataset{
		ID: "mixed",
		Columns: []Column{
			{Name: "name", Type: StringColumn},
			{Name: "score", Type: RealColumn},
			{Name: "active", Type: BooleanColumn},
			{Name: "seen", Type: TimestampColumn},
			{Name: "geom", Type: GeometryColumn},
		},
		Rows: [][]any{
			{"plain", 1.5, true, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), orb.Point{1, 2}},
			{"has, comma", nil, false, nil, nil},
			{"has \"quotes\"\nand a newline", 2.0, nil, "2021-05-06", "POINT(3 4)"},
		},
	}
	out, err := EncodeCSV(d)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(out)).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, len(d.Rows)+1)
	for _, r := range records {
		assert.Len(t, r, len(d.Columns))
	}
	assert.Equal(t, "SRID=4326;POINT(1 2)", records[1][4])
	assert.Equal(t, "", records[2][1])
	assert.Equal(t, "2", records[3][1])
}

func TestEncodeCSVInvalidDataset(t *testing.T) {
	d := &Dataset{
		ID:      "bad",
		Columns: []Column{{Name: "a", Type: StringColumn}, {Name: "b", Type: StringColumn}},
		Rows:    [][]any{{"only one"}},
	}
	_, err := EncodeCSV(d)
	assert.ErrorContains(t, err, "row 0 has 1 values, expected 2")

	d = &Dataset{ID: "bad", Columns: []Column{{Name: "a", Type: "blob"}}}
	_, err = EncodeCSV(d)
	assert.ErrorContains(t, err, "unsupported type")
}

func TestDecodeCSVRoundTrip(t *testing.T) {
	columns := []Column{
		{Name: "name", Type: StringColumn},
		{Name: "count", Type: IntegerColumn},
		{Name: "ratio", Type: RealColumn},
		{Name: "ok", Type: BooleanColumn},
		{Name: "at", Type: TimestampColumn},
		{Name: "geom", Type: GeometryColumn},
	}
	at := time.Date(2022, 3, 4, 5, 6, 7, 890000000, time.UTC)
	d := &Dataset{
		ID:      "points",
		Columns: columns,
		Rows: [][]any{
			{"a", int64(1), 0.1, true, at, orb.Point{-73.98, 40.75}},
			{"b", nil, nil, nil, nil, orb.LineString{{0, 0}, {1.25, 2.5}}},
		},
	}
	out, err := EncodeCSV(d)
	require.NoError(t, err)

	decoded, err := DecodeCSV(strings.NewReader(out), columns)
	require.NoError(t, err)

	diff := cmp.Diff(d.Rows, decoded.Rows, cmpopts.EquateApprox(0, 1e-9))
	assert.Empty(t, diff)
}

func TestDecodeCSVBackendNumbers(t *testing.T) {
	columns := []Column{{Name: "pop", Type: IntegerColumn}, {Name: "ok", Type: BooleanColumn}}
	d, err := DecodeCSV(strings.NewReader("\ufeffpop,ok\n8000000.0,t\n"), columns)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{int64(8000000), true}}, d.Rows)
}

func TestDecodeCSVErrors(t *testing.T) {
	columns := []Column{{Name: "pop", Type: IntegerColumn}}

	_, err := DecodeCSV(strings.NewReader(""), columns)
	assert.ErrorContains(t, err, "missing header")

	_, err = DecodeCSV(strings.NewReader("population\n1\n"), columns)
	assert.ErrorContains(t, err, `expected "pop"`)

	_, err = DecodeCSV(strings.NewReader("pop\n1.5\n"), columns)
	assert.ErrorContains(t, err, "line 2 column pop")
}
