package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-faster/errors"
	opensearch "github.com/opensearch-project/opensearch-go"
	osapi "github.com/opensearch-project/opensearch-go/opensearchapi"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// OpenSearchProvider stores each map as one document of an index.
type OpenSearchProvider struct {
	*providerBase
	DB *opensearch.Client

	cfg    OpenSearchConfig
	index  string
	connMu sync.Mutex
}

const visualizationMapping = `{
  "mappings": {
    "properties": {
      "owner": {"type": "keyword"},
      "title": {"type": "text", "fields": {"raw": {"type": "keyword"}}},
      "description": {"type": "text"},
      "private": {"type": "boolean"},
      "createdAt": {"type": "date"},
      "updatedAt": {"type": "date"},
      "thumbnail": {"type": "keyword", "index": false, "doc_values": false},
      "config": {"type": "keyword", "index": false, "doc_values": false},
      "datasets": {"type": "object", "enabled": false}
    }
  }
}`

func NewOpenSearchProvider(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error) {
	oc := cfg.Providers.OpenSearch
	if oc == nil {
		return nil, errNotConfigured
	}

	index := oc.Index
	if index == "" {
		index = "mapcloud-visualizations"
	}

	return &OpenSearchProvider{
		providerBase: newProviderBase("opensearch", "OpenSearch", NewCapabilities(PrivateStorage, ShareURLs), cfg, store, logger),
		cfg:          *oc,
		index:        index,
	}, nil
}

func (p *OpenSearchProvider) IsEnabled() bool {
	return p.cfg.URL != ""
}

func (p *OpenSearchProvider) client() (*opensearch.Client, error) {
	p.connMu.Lock()
	defer p.connMu.Unlock()

	if p.DB != nil {
		return p.DB, nil
	}

	urlStr := p.cfg.URL
	if strings.HasPrefix(urlStr, "elasticsearch+") {
		urlStr = strings.TrimPrefix(urlStr, "elasticsearch+")
	} else {
		urlStr = strings.TrimPrefix(urlStr, "opensearch+")
	}

	u, err := url.Parse(urlStr)
	if err != nil {
		return nil, newProviderError(p.name, KindConfig, "Invalid OpenSearch URL: %s", err)
	}
	u.Path = ""

	es, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{u.String()},
	})
	if err != nil {
		return nil, err
	}

	p.DB = es
	return es, nil
}

func (p *OpenSearchProvider) Login(ctx context.Context) error {
	if p.AccessToken() != "" {
		return nil
	}
	done, err := p.beginLogin()
	if err != nil {
		return err
	}
	defer done()

	if !p.IsEnabled() {
		return p.fail(newProviderError(p.name, KindConfig, "No URL set for OpenSearch provider"))
	}
	if p.cfg.Owner == "" {
		return p.fail(newProviderError(p.name, KindConfig, "No owner set for OpenSearch provider"))
	}

	if err := p.ensureIndex(ctx); err != nil {
		return p.fail(err)
	}

	if err := p.saveCredentials(ctx, map[string]string{
		tokenField:    newMapID(),
		usernameField: p.cfg.Owner,
	}); err != nil {
		return p.fail(err)
	}
	p.logger.Info().Str("user", p.cfg.Owner).Str("index", p.index).Msg("Logged in")
	return nil
}

func (p *OpenSearchProvider) ensureIndex(ctx context.Context) error {
	es, err := p.client()
	if err != nil {
		return err
	}

	res, err := es.Indices.Exists([]string{p.index}, es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return err
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = es.Indices.Create(p.index,
		es.Indices.Create.WithBody(strings.NewReader(visualizationMapping)),
		es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	body, err := checkResult(res)
	if err != nil && gjson.GetBytes(body, "error.type").String() != "resource_already_exists_exception" {
		return err
	}
	return nil
}

func (p *OpenSearchProvider) UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error) {
	owner, err := p.requireLogin()
	if err != nil {
		return nil, p.fail(err)
	}
	if err := payload.Validate(); err != nil {
		return nil, p.fail(newProviderError(p.name, KindConstraint, "%s", err))
	}
	es, err := p.client()
	if err != nil {
		return nil, p.fail(err)
	}

	plan := p.planUpload(owner, payload, opts, newMapID)
	rec, err := newRecord(plan, owner, payload)
	if err != nil {
		return nil, p.fail(err)
	}

	files, statuses, err := encodeDatasets(ctx, payload.Datasets, opts.OnStatus)
	if err != nil {
		return nil, p.fail(err)
	}
	for i := range rec.Datasets {
		rec.Datasets[i].File = files[i]
	}

	if plan.Update {
		if existing, err := p.fetch(ctx, rec.ID); err == nil && existing.Owner == owner {
			rec.CreatedAt = existing.CreatedAt
		}
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(rec); err != nil {
		return nil, p.fail(err)
	}

	res, err := es.Index(p.index, &buf,
		es.Index.WithDocumentID(rec.ID),
		es.Index.WithRefresh("wait_for"),
		es.Index.WithContext(ctx),
	)
	if err == nil {
		defer res.Body.Close()
		_, err = checkResult(res)
	}
	if err != nil {
		markFailed(statuses, err, opts.OnStatus)
		return nil, p.fail(err)
	}

	p.logger.Info().Str("map", plan.ID).Int("datasets", len(files)).Bool("update", plan.Update).Msg("Map saved")
	return p.finishUpload(plan, owner, payload, markUploaded(statuses, opts.OnStatus)), nil
}

// fetch returns errObjectNotFound when the document does not exist.
func (p *OpenSearchProvider) fetch(ctx context.Context, id string) (*visualizationRecord, error) {
	es, err := p.client()
	if err != nil {
		return nil, err
	}

	res, err := es.Get(p.index, id, es.Get.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, errObjectNotFound
	}
	body, err := checkResult(res)
	if err != nil {
		return nil, err
	}

	var rec visualizationRecord
	if err := json.Unmarshal([]byte(gjson.GetBytes(body, "_source").Raw), &rec); err != nil {
		return nil, fmt.Errorf("Error parsing the response body: %s", err)
	}
	return &rec, nil
}

func (p *OpenSearchProvider) DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error) {
	if err := p.checkAccess(params); err != nil {
		return nil, p.fail(err)
	}

	rec, err := p.fetch(ctx, params.MapID)
	if errors.Is(err, errObjectNotFound) {
		return nil, p.fail(p.notFound(params.MapID))
	}
	if err != nil {
		return nil, p.fail(err)
	}
	if rec.Owner != params.Owner || rec.Private != params.Private {
		return nil, p.fail(p.notFound(params.MapID))
	}

	payload, err := rec.payload(inlineFile)
	if err != nil {
		return nil, p.fail(err)
	}

	p.setCurrent(rec.ref())
	return payload, nil
}

func (p *OpenSearchProvider) ListMaps(ctx context.Context) ([]Visualization, error) {
	owner, err := p.requireLogin()
	if err != nil {
		return nil, p.fail(err)
	}
	es, err := p.client()
	if err != nil {
		return nil, p.fail(err)
	}

	var buf bytes.Buffer
	query := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"owner": owner},
		},
		"sort":    []any{map[string]any{"updatedAt": "desc"}},
		"size":    1000,
		"_source": map[string]any{"excludes": []string{"datasets", "config"}},
	}
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, p.fail(err)
	}

	res, err := es.Search(
		es.Search.WithContext(ctx),
		es.Search.WithIndex(p.index),
		es.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, p.fail(err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return []Visualization{}, nil
	}
	body, err := checkResult(res)
	if err != nil {
		return nil, p.fail(err)
	}

	list := []Visualization{}
	for _, hit := range gjson.GetBytes(body, "hits.hits").Array() {
		var rec visualizationRecord
		if err := json.Unmarshal([]byte(hit.Get("_source").Raw), &rec); err != nil {
			p.logger.Warn().Err(err).Str("id", hit.Get("_id").String()).Msg("Skipping unreadable map")
			continue
		}
		list = append(list, rec.summary())
	}
	return sortVisualizations(list), nil
}

// checkResult reads the response body and turns error statuses into errors.
func checkResult(res *osapi.Response) ([]byte, error) {
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.IsError() {
		e := gjson.ParseBytes(body)
		return body, fmt.Errorf("[%s] %s: %s",
			res.Status(),
			e.Get("error.type").String(),
			e.Get("error.reason").String(),
		)
	}
	return body, nil
}
