package internal

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path"
	"strings"

	"github.com/go-faster/errors"
	"github.com/h2non/filetype"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// readInput returns the contents of a local path or an s3:// URL, unpacking
// gzip files and the first JSON entry of zip archives.
func readInput(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	var err error
	if strings.HasPrefix(name, "s3://") {
		data, err = downloadS3File(ctx, name)
	} else {
		data, err = os.ReadFile(strings.TrimPrefix(name, "file://"))
	}
	if err != nil {
		return nil, err
	}
	return unpack(data)
}

func unpack(data []byte) ([]byte, error) {
	// we only have to pass the file header = first 261 bytes
	head := data
	if len(head) > 261 {
		head = head[:261]
	}
	kind, err := filetype.Match(head)
	if err != nil {
		return nil, err
	}

	switch kind.MIME.Value {
	case "application/gzip":
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		return io.ReadAll(gz)
	case "application/zip":
		reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, err
		}
		for _, file := range reader.File {
			if file.FileInfo().IsDir() || path.Ext(file.Name) != ".json" {
				continue
			}
			f, err := file.Open()
			if err != nil {
				return nil, err
			}
			defer f.Close()
			return io.ReadAll(f)
		}
		return nil, errors.New("no JSON file in archive")
	}
	return data, nil
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	// keep numbers as written so integers are not turned into floats
	dec.UseNumber()
	return dec.Decode(v)
}

// ReadMapFile reads a map payload saved as JSON.
func ReadMapFile(ctx context.Context, name string) (*MapPayload, error) {
	data, err := readInput(ctx, name)
	if err != nil {
		return nil, err
	}
	var payload MapPayload
	if err := decodeJSON(data, &payload); err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	if payload.Info.Title == "" {
		payload.Info.Title = strings.TrimSuffix(path.Base(name), path.Ext(name))
	}
	return &payload, nil
}

// ReadDatasetFile reads one dataset saved as JSON.
func ReadDatasetFile(ctx context.Context, name string) (*Dataset, error) {
	data, err := readInput(ctx, name)
	if err != nil {
		return nil, err
	}
	var d Dataset
	if err := decodeJSON(data, &d); err != nil {
		return nil, errors.Wrapf(err, "parse %s", name)
	}
	return &d, nil
}

// WriteMapFile writes payload as JSON with geometries as GeoJSON objects.
func WriteMapFile(out io.Writer, payload *MapPayload) error {
	copied := *payload
	copied.Datasets = make([]*Dataset, len(payload.Datasets))
	for i, d := range payload.Datasets {
		c := *d
		c.Rows = make([][]any, len(d.Rows))
		for r, row := range d.Rows {
			next := make([]any, len(row))
			for j, v := range row {
				if g, ok := v.(orb.Geometry); ok && g != nil {
					next[j] = geojson.NewGeometry(g)
				} else {
					next[j] = v
				}
			}
			c.Rows[r] = next
		}
		copied.Datasets[i] = &c
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(&copied)
}
