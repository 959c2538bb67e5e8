package internal

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"
)

// uploadDatasets runs upload for every dataset concurrently. A failing
// dataset does not cancel the others, so each one ends with its own state.
func uploadDatasets(ctx context.Context, datasets []*Dataset, onStatus func(DatasetStatus), upload func(ctx context.Context, i int, d *Dataset) error) ([]DatasetStatus, error) {
	statuses := make([]DatasetStatus, len(datasets))
	var mu sync.Mutex

	report := func(i int, state UploadState, err error) {
		mu.Lock()
		statuses[i].State = state
		if err != nil {
			statuses[i].Err = err.Error()
		}
		s := statuses[i]
		mu.Unlock()

		if onStatus != nil {
			onStatus(s)
		}
	}

	for i, d := range datasets {
		statuses[i] = DatasetStatus{ID: d.ID, Label: d.displayName()}
		report(i, Uploading, nil)
	}

	var g errgroup.Group
	for i, d := range datasets {
		i, d := i, d
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				report(i, Failed, err)
				return err
			}
			if err := upload(ctx, i, d); err != nil {
				report(i, Failed, err)
				return errors.Wrapf(err, "dataset %s", d.ID)
			}
			report(i, Uploaded, nil)
			return nil
		})
	}
	err := g.Wait()

	return statuses, err
}

// encodeDatasets renders every dataset as CSV, concurrently. Encoded datasets
// stay Uploading until the caller has stored them and calls markUploaded.
func encodeDatasets(ctx context.Context, datasets []*Dataset, onStatus func(DatasetStatus)) ([]string, []DatasetStatus, error) {
	held := func(st DatasetStatus) {
		if st.State != Uploaded && onStatus != nil {
			onStatus(st)
		}
	}

	files := make([]string, len(datasets))
	statuses, err := uploadDatasets(ctx, datasets, held, func(ctx context.Context, i int, d *Dataset) error {
		csv, err := EncodeCSV(d)
		if err != nil {
			return err
		}
		files[i] = csv
		return nil
	})
	if err != nil {
		// nothing is stored when any dataset cannot be encoded
		return files, markFailed(statuses, err, onStatus), err
	}
	for i := range statuses {
		statuses[i].State = Uploading
	}
	return files, statuses, nil
}

// markUploaded finishes every dataset still in progress.
func markUploaded(statuses []DatasetStatus, onStatus func(DatasetStatus)) []DatasetStatus {
	for i := range statuses {
		if statuses[i].State != Uploading {
			continue
		}
		statuses[i].State = Uploaded
		if onStatus != nil {
			onStatus(statuses[i])
		}
	}
	return statuses
}
