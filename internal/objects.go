package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/go-faster/errors"
)

// objectStore is the blob layer shared by the s3 and local providers.
type objectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	// Get reads key; anonymous reads use no credentials.
	Get(ctx context.Context, key string, anonymous bool) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
}

var errObjectNotFound = errors.New("object not found")

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func safeName(s string) string {
	s = unsafeName.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// objectMaps stores one map as <prefix>/<owner>/<id>/map.json plus one CSV
// object per dataset.
type objectMaps struct {
	*providerBase
	objects objectStore
	prefix  string
}

func (o *objectMaps) mapDir(owner string, id string) string {
	return path.Join(o.prefix, safeName(owner), safeName(id))
}

func (o *objectMaps) mapKey(owner string, id string) string {
	return path.Join(o.mapDir(owner, id), "map.json")
}

// datasetKey is unique per upload, so an update never overwrites the objects
// of the stored map.
func (o *objectMaps) datasetKey(owner string, id string, upload string, i int, d *Dataset) string {
	return path.Join(o.mapDir(owner, id), "datasets", fmt.Sprintf("%d-%s-%s.csv", i, safeName(d.ID), upload))
}

func (o *objectMaps) UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error) {
	owner, err := o.requireLogin()
	if err != nil {
		return nil, o.fail(err)
	}
	if err := payload.Validate(); err != nil {
		return nil, o.fail(newProviderError(o.name, KindConstraint, "%s", err))
	}

	plan := o.planUpload(owner, payload, opts, newMapID)
	rec, err := newRecord(plan, owner, payload)
	if err != nil {
		return nil, o.fail(err)
	}

	upload := strings.ToLower(newMapID())
	statuses, err := uploadDatasets(ctx, payload.Datasets, opts.OnStatus, func(ctx context.Context, i int, d *Dataset) error {
		csv, err := EncodeCSV(d)
		if err != nil {
			return err
		}
		key := o.datasetKey(owner, plan.ID, upload, i, d)
		rec.Datasets[i].Key = key
		return o.objects.Put(ctx, key, []byte(csv), "text/csv")
	})
	if err != nil {
		o.removeDatasets(ctx, rec)
		return nil, o.fail(err)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		o.removeDatasets(ctx, rec)
		return nil, o.fail(err)
	}
	if err := o.objects.Put(ctx, o.mapKey(owner, plan.ID), data, "application/json"); err != nil {
		markFailed(statuses, err, opts.OnStatus)
		o.removeDatasets(ctx, rec)
		return nil, o.fail(err)
	}

	if plan.Update {
		o.removeStaleDatasets(ctx, owner, rec)
	}

	o.logger.Info().Str("map", plan.ID).Int("datasets", len(statuses)).Bool("update", plan.Update).Msg("Map saved")
	return o.finishUpload(plan, owner, payload, statuses), nil
}

// removeDatasets drops the objects of a failed upload. The stored map, if
// any, still points at its own objects.
func (o *objectMaps) removeDatasets(ctx context.Context, rec *visualizationRecord) {
	keys := []string{}
	for _, d := range rec.Datasets {
		if d.Key != "" {
			keys = append(keys, d.Key)
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := o.objects.Delete(context.WithoutCancel(ctx), keys...); err != nil {
		o.logger.Warn().Err(err).Msg("Cannot remove datasets of failed upload")
	}
}

func (o *objectMaps) removeStaleDatasets(ctx context.Context, owner string, rec *visualizationRecord) {
	keys, err := o.objects.List(ctx, path.Join(o.mapDir(owner, rec.ID), "datasets")+"/")
	if err != nil {
		o.logger.Warn().Err(err).Msg("Cannot list old datasets")
		return
	}

	keep := make(map[string]bool, len(rec.Datasets))
	for _, d := range rec.Datasets {
		keep[d.Key] = true
	}
	stale := []string{}
	for _, k := range keys {
		if !keep[k] {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return
	}
	if err := o.objects.Delete(ctx, stale...); err != nil {
		o.logger.Warn().Err(err).Msg("Cannot remove old datasets")
	}
}

func (o *objectMaps) DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error) {
	if err := o.checkAccess(params); err != nil {
		return nil, o.fail(err)
	}
	anonymous := !params.Private

	data, err := o.objects.Get(ctx, o.mapKey(params.Owner, params.MapID), anonymous)
	if errors.Is(err, errObjectNotFound) {
		return nil, o.fail(o.notFound(params.MapID))
	}
	if err != nil {
		return nil, o.fail(err)
	}

	var rec visualizationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, o.fail(errors.Wrap(err, "decode map"))
	}
	if rec.Private && rec.Owner != o.UserName() {
		return nil, o.fail(o.notFound(params.MapID))
	}

	payload, err := rec.payload(func(i int, d datasetRecord) (string, error) {
		if d.Key == "" {
			return d.File, nil
		}
		b, err := o.objects.Get(ctx, d.Key, anonymous)
		if errors.Is(err, errObjectNotFound) {
			return "", newProviderError(o.name, KindNotFound, "Can't find dataset %s of map %s", d.ID, params.MapID)
		}
		return string(b), err
	})
	if err != nil {
		return nil, o.fail(err)
	}

	o.setCurrent(rec.ref())
	return payload, nil
}

func (o *objectMaps) ListMaps(ctx context.Context) ([]Visualization, error) {
	owner, err := o.requireLogin()
	if err != nil {
		return nil, o.fail(err)
	}

	keys, err := o.objects.List(ctx, path.Join(o.prefix, safeName(owner))+"/")
	if err != nil {
		return nil, o.fail(err)
	}

	list := []Visualization{}
	for _, key := range keys {
		if !strings.HasSuffix(key, "/map.json") {
			continue
		}
		data, err := o.objects.Get(ctx, key, false)
		if errors.Is(err, errObjectNotFound) {
			continue
		}
		if err != nil {
			return nil, o.fail(err)
		}

		var rec visualizationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			o.logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable map")
			continue
		}
		list = append(list, rec.summary())
	}
	return sortVisualizations(list), nil
}
