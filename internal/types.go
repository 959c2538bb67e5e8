package internal

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type ColumnType string

const (
	StringColumn    ColumnType = "string"
	IntegerColumn   ColumnType = "integer"
	RealColumn      ColumnType = "real"
	TimestampColumn ColumnType = "timestamp"
	GeometryColumn  ColumnType = "geometry"
	BooleanColumn   ColumnType = "boolean"
)

func (t ColumnType) Valid() bool {
	switch t {
	case StringColumn, IntegerColumn, RealColumn, TimestampColumn, GeometryColumn, BooleanColumn:
		return true
	}
	return false
}

type Column struct {
	Name string     `json:"name" bson:"name"`
	Type ColumnType `json:"type" bson:"type"`
}

// Dataset is a table loaded by the host application. Column order matches
// value order in every row.
type Dataset struct {
	ID          string   `json:"id"`
	Label       string   `json:"label,omitempty"`
	Description string   `json:"description,omitempty"`
	Columns     []Column `json:"columns"`
	Rows        [][]any  `json:"rows"`
}

func (d *Dataset) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("dataset has no id")
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("dataset %s has no columns", d.ID)
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name == "" {
			return fmt.Errorf("dataset %s has a column without a name", d.ID)
		}
		if seen[c.Name] {
			return fmt.Errorf("dataset %s has duplicate column %s", d.ID, c.Name)
		}
		seen[c.Name] = true
		if !c.Type.Valid() {
			return fmt.Errorf("dataset %s column %s has unsupported type %q", d.ID, c.Name, c.Type)
		}
	}
	for i, row := range d.Rows {
		if len(row) != len(d.Columns) {
			return fmt.Errorf("dataset %s row %d has %d values, expected %d", d.ID, i, len(row), len(d.Columns))
		}
	}
	return nil
}

func (d *Dataset) displayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.ID
}

type MapInfo struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type MapPayload struct {
	Info      MapInfo         `json:"info"`
	Config    json.RawMessage `json:"config,omitempty"`
	Datasets  []*Dataset      `json:"datasets"`
	Thumbnail []byte          `json:"thumbnail,omitempty"`
}

func (p *MapPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("no map to upload")
	}
	ids := make(map[string]bool, len(p.Datasets))
	for _, d := range p.Datasets {
		if err := d.Validate(); err != nil {
			return err
		}
		if ids[d.ID] {
			return fmt.Errorf("duplicate dataset %s", d.ID)
		}
		ids[d.ID] = true
	}
	return nil
}

// LoadParams are the provider-specific values needed to fetch a stored map again.
type LoadParams struct {
	MapID   string `json:"mapId"`
	Owner   string `json:"owner"`
	Private bool   `json:"privateMap"`
}

func (p LoadParams) Values() url.Values {
	v := url.Values{}
	v.Set("mapId", p.MapID)
	v.Set("owner", p.Owner)
	v.Set("privateMap", strconv.FormatBool(p.Private))
	return v
}

func ParseLoadParams(v url.Values) (LoadParams, error) {
	p := LoadParams{
		MapID: v.Get("mapId"),
		Owner: v.Get("owner"),
	}
	if p.MapID == "" || p.Owner == "" {
		return p, fmt.Errorf("mapId and owner are required")
	}
	p.Private = strings.EqualFold(strings.TrimSpace(v.Get("privateMap")), "true")
	return p, nil
}

type Visualization struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Private      bool       `json:"privateMap"`
	Thumbnail    string     `json:"thumbnail,omitempty"`
	LastModified time.Time  `json:"lastModification"`
	LoadParams   LoadParams `json:"loadParams"`
}

// UploadOptions zero value saves a public map over the current one.
type UploadOptions struct {
	Private   bool
	SaveAsNew bool
	OnStatus  func(DatasetStatus)
}

type UploadState string

const (
	Uploading UploadState = "uploading"
	Uploaded  UploadState = "uploaded"
	Failed    UploadState = "error"
)

type DatasetStatus struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	State UploadState `json:"status"`
	Err   string      `json:"error,omitempty"`
}

type UploadResult struct {
	MapID    string          `json:"mapId"`
	ShareURL string          `json:"shareUrl"`
	Datasets []DatasetStatus `json:"datasets"`
}

// mapRef is the map remembered after the last successful save or load.
type mapRef struct {
	ID          string
	Owner       string
	Private     bool
	Title       string
	Description string
}
