package internal

import (
	"context"
	"fmt"
	"strings"
)

const geomColumn = "the_geom"

// export column types; booleans go out as text
var exportTypes = map[ColumnType]string{
	StringColumn:    "text",
	IntegerColumn:   "numeric",
	RealColumn:      "real",
	TimestampColumn: "timestamp",
	GeometryColumn:  "geometry",
	BooleanColumn:   "text",
}

func exportTable(d *Dataset) string {
	return strings.ToLower("kepler_" + safeName(d.ID))
}

// ExportDatasets copies datasets into standalone account tables named
// kepler_<id>, each registered with CDB_CartodbfyTable.
func (p *CartoProvider) ExportDatasets(ctx context.Context, datasets []*Dataset, onStatus func(DatasetStatus)) ([]DatasetStatus, error) {
	user, client, err := p.session()
	if err != nil {
		return nil, p.fail(err)
	}
	if len(datasets) == 0 {
		return []DatasetStatus{}, nil
	}
	tables := map[string]string{}
	for _, d := range datasets {
		if err := d.Validate(); err != nil {
			return nil, p.fail(newProviderError(p.name, KindConstraint, "%s", err))
		}
		table := exportTable(d)
		if other, found := tables[table]; found {
			return nil, p.fail(newProviderError(p.name, KindConstraint, "Datasets %s and %s both export to table %s", other, d.ID, table))
		}
		tables[table] = d.ID
	}

	statuses, err := uploadDatasets(ctx, datasets, onStatus, func(ctx context.Context, i int, d *Dataset) error {
		return p.exportDataset(ctx, client, user, d)
	})
	if err != nil {
		return statuses, p.fail(err)
	}
	p.logger.Info().Int("datasets", len(datasets)).Msg("Datasets exported")
	return statuses, nil
}

func (p *CartoProvider) exportDataset(ctx context.Context, client *SQLClient, user string, d *Dataset) error {
	table := exportTable(d)
	out := geomFirst(d)

	defs := make([]string, len(out.Columns))
	names := make([]string, len(out.Columns))
	for i, c := range out.Columns {
		names[i] = quoteIdent(c.Name)
		defs[i] = names[i] + " " + exportTypes[c.Type]
	}

	_, err := client.Query(ctx, Stmt(
		fmt.Sprintf(`BEGIN;
		DROP TABLE IF EXISTS $1;
		CREATE TABLE $1 (%s);
		SELECT CDB_CartodbfyTable($2, $3);
		COMMIT;`, strings.Join(defs, ", ")),
		Ident(table), user, table,
	))
	if err != nil {
		return err
	}

	csv, err := EncodeCSV(out)
	if err != nil {
		return err
	}
	_, err = client.CopyFrom(ctx, Stmt(
		fmt.Sprintf("COPY $1 (%s) FROM STDIN WITH (FORMAT csv, HEADER true)", strings.Join(names, ", ")),
		Ident(table),
	), strings.NewReader(csv))
	return err
}

// geomFirst returns a copy of d with a leading the_geom column filled from
// the _geojson column, or the first geometry column when there is none.
func geomFirst(d *Dataset) *Dataset {
	src := -1
	for i, c := range d.Columns {
		if c.Name == "_geojson" {
			src = i
			break
		}
	}
	if src < 0 {
		for i, c := range d.Columns {
			if c.Type == GeometryColumn {
				src = i
				break
			}
		}
	}

	out := &Dataset{
		ID:      d.ID,
		Label:   d.Label,
		Columns: []Column{{Name: geomColumn, Type: GeometryColumn}},
		Rows:    make([][]any, len(d.Rows)),
	}
	keep := []int{}
	for i, c := range d.Columns {
		if i == src || c.Name == geomColumn {
			continue
		}
		keep = append(keep, i)
		out.Columns = append(out.Columns, c)
	}

	for r, row := range d.Rows {
		next := make([]any, 0, len(out.Columns))
		if src >= 0 {
			next = append(next, row[src])
		} else {
			next = append(next, nil)
		}
		for _, i := range keep {
			next = append(next, row[i])
		}
		out.Rows[r] = next
	}
	return out
}
