package internal

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// visualizationRecord is how document-style backends (s3, local, mongodb,
// opensearch, sql) persist a map.
type visualizationRecord struct {
	ID          string          `json:"id" bson:"_id"`
	Owner       string          `json:"owner" bson:"owner"`
	Title       string          `json:"title" bson:"title"`
	Description string          `json:"description" bson:"description"`
	Thumbnail   string          `json:"thumbnail,omitempty" bson:"thumbnail,omitempty"`
	Config      string          `json:"config" bson:"config"`
	Private     bool            `json:"private" bson:"private"`
	Datasets    []datasetRecord `json:"datasets" bson:"datasets"`
	CreatedAt   time.Time       `json:"createdAt" bson:"created_at"`
	UpdatedAt   time.Time       `json:"updatedAt" bson:"updated_at"`
}

type datasetRecord struct {
	ID          string   `json:"id" bson:"id"`
	Label       string   `json:"label,omitempty" bson:"label,omitempty"`
	Description string   `json:"description,omitempty" bson:"description,omitempty"`
	Columns     []Column `json:"columns" bson:"columns"`
	// File holds the CSV inline; Key points at a separate object instead.
	File string `json:"file,omitempty" bson:"file,omitempty"`
	Key  string `json:"key,omitempty" bson:"key,omitempty"`
}

func newRecord(plan uploadPlan, owner string, payload *MapPayload) (*visualizationRecord, error) {
	thumb, err := thumbnailDataURL(payload.Thumbnail)
	if err != nil {
		return nil, err
	}

	config := "{}"
	if len(payload.Config) > 0 {
		config = string(payload.Config)
	}

	now := time.Now().UTC()
	rec := &visualizationRecord{
		ID:          plan.ID,
		Owner:       owner,
		Title:       plan.Name,
		Description: payload.Info.Description,
		Thumbnail:   thumb,
		Config:      config,
		Private:     plan.Private,
		Datasets:    make([]datasetRecord, len(payload.Datasets)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for i, d := range payload.Datasets {
		rec.Datasets[i] = datasetRecord{
			ID:          d.ID,
			Label:       d.Label,
			Description: d.Description,
			Columns:     d.Columns,
		}
	}
	return rec, nil
}

func (r *visualizationRecord) summary() Visualization {
	return Visualization{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Private:      r.Private,
		Thumbnail:    cleanThumbnail(r.Thumbnail),
		LastModified: r.UpdatedAt,
		LoadParams: LoadParams{
			MapID:   r.ID,
			Owner:   r.Owner,
			Private: r.Private,
		},
	}
}

// payload decodes the record; file returns the CSV text of dataset i.
func (r *visualizationRecord) payload(file func(i int, d datasetRecord) (string, error)) (*MapPayload, error) {
	p := &MapPayload{
		Info:      MapInfo{Title: r.Title, Description: r.Description},
		Config:    json.RawMessage(r.Config),
		Datasets:  make([]*Dataset, len(r.Datasets)),
		Thumbnail: thumbnailFromDataURL(r.Thumbnail),
	}
	for i, dr := range r.Datasets {
		text, err := file(i, dr)
		if err != nil {
			return nil, err
		}
		d, err := DecodeCSV(strings.NewReader(text), dr.Columns)
		if err != nil {
			return nil, err
		}
		d.ID = dr.ID
		d.Label = dr.Label
		d.Description = dr.Description
		p.Datasets[i] = d
	}
	return p, nil
}

func (r *visualizationRecord) ref() mapRef {
	return mapRef{
		ID:          r.ID,
		Owner:       r.Owner,
		Private:     r.Private,
		Title:       r.Title,
		Description: r.Description,
	}
}

func inlineFile(i int, d datasetRecord) (string, error) {
	return d.File, nil
}

// sortVisualizations orders newest first.
func sortVisualizations(list []Visualization) []Visualization {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].LastModified.After(list[j].LastModified)
	})
	return list
}

// markFailed flips statuses to failed when the map record itself could not be saved.
func markFailed(statuses []DatasetStatus, err error, onStatus func(DatasetStatus)) []DatasetStatus {
	for i := range statuses {
		if statuses[i].State == Failed {
			continue
		}
		statuses[i].State = Failed
		statuses[i].Err = err.Error()
		if onStatus != nil {
			onStatus(statuses[i])
		}
	}
	return statuses
}
