package internal

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// CloudProvider hides one backend's auth, storage and serialization quirks
// so the shell can treat every backend the same way.
type CloudProvider interface {
	Name() string
	DisplayName() string
	Capabilities() Capabilities
	IsEnabled() bool

	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	AccessToken() string
	UserName() string

	UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error)
	DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error)
	ListMaps(ctx context.Context) ([]Visualization, error)

	ShareURL() string
	MapURL() string
	CurrentVisualization() *MapInfo
}

// TableExporter is implemented by providers with the TableExport capability.
type TableExporter interface {
	ExportDatasets(ctx context.Context, datasets []*Dataset, onStatus func(DatasetStatus)) ([]DatasetStatus, error)
}

// ProviderFactory builds a provider from its config section. It returns
// errNotConfigured when the section is absent.
type ProviderFactory func(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error)

var errNotConfigured = errors.New("provider not configured")

// Providers holds available providers, in registration order
var Providers = []struct {
	Name    string
	Factory ProviderFactory
}{
	{"carto", NewCartoProvider},
	{"s3", NewS3Provider},
	{"sql", NewSQLProvider},
	{"mongodb", NewMongoDBProvider},
	{"opensearch", NewOpenSearchProvider},
	{"local", NewLocalProvider},
}

// providerBase carries the state every provider keeps per instance: its
// credential store, the login guard and the current map reference.
type providerBase struct {
	name        string
	displayName string
	caps        Capabilities
	store       CredentialStore
	logger      zerolog.Logger
	shareBase   string

	loginMu sync.Mutex

	mu      sync.Mutex
	current *mapRef
}

func newProviderBase(name string, displayName string, caps Capabilities, cfg *Config, store CredentialStore, logger zerolog.Logger) *providerBase {
	return &providerBase{
		name:        name,
		displayName: displayName,
		caps:        caps,
		store:       store,
		logger:      logger.With().Str("component", name+"-provider").Logger(),
		shareBase:   strings.TrimSuffix(cfg.Share.BaseURL, "/"),
	}
}

func (b *providerBase) Name() string {
	return b.name
}

func (b *providerBase) DisplayName() string {
	return b.displayName
}

func (b *providerBase) Capabilities() Capabilities {
	return b.caps
}

func (b *providerBase) credential(field string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := b.store.Get(ctx, credentialKey(b.name, field))
	if err != nil {
		b.logger.Warn().Err(err).Str("field", field).Msg("Cannot read credentials")
		return ""
	}
	return v
}

// AccessToken returns "" when no token is stored or it has expired. An
// expired token is removed silently.
func (b *providerBase) AccessToken() string {
	token := b.credential(tokenField)
	if token == "" {
		return ""
	}
	if exp := b.credential(expiresField); exp != "" {
		t, err := time.Parse(time.RFC3339, exp)
		if err != nil || !time.Now().Before(t) {
			b.resetCredentials()
			return ""
		}
	}
	return token
}

func (b *providerBase) UserName() string {
	if b.AccessToken() == "" {
		return ""
	}
	return b.credential(usernameField)
}

func (b *providerBase) saveCredentials(ctx context.Context, values map[string]string) error {
	for field, v := range values {
		if v == "" {
			continue
		}
		if err := b.store.Set(ctx, credentialKey(b.name, field), v); err != nil {
			return errors.Wrap(err, "persist credentials")
		}
	}
	return nil
}

func (b *providerBase) clearCredentials(ctx context.Context) error {
	keys := []string{}
	for _, f := range []string{tokenField, usernameField, expiresField, userInfoURLField} {
		keys = append(keys, credentialKey(b.name, f))
	}
	return b.store.Delete(ctx, keys...)
}

func (b *providerBase) resetCredentials() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := b.clearCredentials(ctx); err != nil {
		b.logger.Warn().Err(err).Msg("Cannot clear credentials")
	}
}

// beginLogin rejects a second login while one is pending.
func (b *providerBase) beginLogin() (func(), error) {
	if !b.loginMu.TryLock() {
		return nil, ErrLoginInProgress
	}
	return b.loginMu.Unlock, nil
}

func (b *providerBase) Logout(ctx context.Context) error {
	if err := b.clearCredentials(ctx); err != nil {
		return manageError(b.logger, b.name, err)
	}
	b.mu.Lock()
	b.current = nil
	b.mu.Unlock()
	return nil
}

// fail converts err at the provider boundary; auth failures also drop the
// stored credentials.
func (b *providerBase) fail(err error) error {
	err = manageError(b.logger, b.name, err)
	if KindOf(err) == KindAuth {
		b.resetCredentials()
	}
	return err
}

func (b *providerBase) requireLogin() (string, error) {
	if b.AccessToken() == "" {
		return "", &ProviderError{Provider: b.name, Kind: KindAuth, Message: "not logged in", Err: ErrNotLoggedIn}
	}
	user := b.credential(usernameField)
	if user == "" {
		return "", &ProviderError{Provider: b.name, Kind: KindAuth, Message: "no username stored, log in again", Err: ErrNotLoggedIn}
	}
	return user, nil
}

// checkAccess rejects private maps of other users before any backend call.
func (b *providerBase) checkAccess(params LoadParams) error {
	if params.MapID == "" || params.Owner == "" {
		return newProviderError(b.name, KindNotFound, "Can't find map without an ID and owner")
	}
	if params.Private && (b.UserName() == "" || b.UserName() != params.Owner) {
		return newProviderError(b.name, KindNotFound, "Can't find map with ID: %s", params.MapID)
	}
	return nil
}

func (b *providerBase) notFound(mapID string) error {
	return newProviderError(b.name, KindNotFound, "Can't find map with ID: %s", mapID)
}

func (b *providerBase) setCurrent(ref mapRef) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = &ref
}

func (b *providerBase) currentMap() *mapRef {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return nil
	}
	ref := *b.current
	return &ref
}

func (b *providerBase) CurrentVisualization() *MapInfo {
	ref := b.currentMap()
	if ref == nil {
		return nil
	}
	return &MapInfo{Title: ref.Title, Description: ref.Description}
}

// ShareURL is the path of the current map, relative to the share host.
func (b *providerBase) ShareURL() string {
	ref := b.currentMap()
	if ref == nil {
		return ""
	}
	return mapLink(b.name, LoadParams{MapID: ref.ID, Owner: ref.Owner, Private: ref.Private})
}

// MapURL is the absolute URL of the current map.
func (b *providerBase) MapURL() string {
	ref := b.currentMap()
	if ref == nil {
		return ""
	}
	return b.permalink(LoadParams{MapID: ref.ID, Owner: ref.Owner, Private: ref.Private})
}

func (b *providerBase) permalink(params LoadParams) string {
	return Permalink(b.shareBase, b.name, params)
}

// Permalink is the absolute share URL of a stored map.
func Permalink(baseURL string, provider string, params LoadParams) string {
	return strings.TrimSuffix(baseURL, "/") + mapLink(provider, params)
}

func mapLink(provider string, params LoadParams) string {
	return fmt.Sprintf("/demo/map/%s?%s", url.PathEscape(provider), params.Values().Encode())
}

type uploadPlan struct {
	ID      string
	Name    string
	Private bool
	Update  bool
}

var sharedMapName = regexp.MustCompile(`^keplergl_([a-z0-9]+)\.json$`)

// planUpload decides between updating the current map and creating a new one.
// Only maps of owner are updated; a loaded map of another user is saved as a
// new map.
func (b *providerBase) planUpload(owner string, payload *MapPayload, opts UploadOptions, newID func() string) uploadPlan {
	name := payload.Info.Title
	if current := b.currentMap(); current != nil && !opts.SaveAsNew && current.Owner == owner {
		return uploadPlan{ID: current.ID, Name: name, Private: current.Private, Update: true}
	}

	if m := sharedMapName.FindStringSubmatch(name); m != nil {
		name = "sharedmap_" + m[1]
	}
	return uploadPlan{ID: newID(), Name: name, Private: opts.Private}
}

func (b *providerBase) finishUpload(plan uploadPlan, owner string, payload *MapPayload, statuses []DatasetStatus) *UploadResult {
	b.setCurrent(mapRef{
		ID:          plan.ID,
		Owner:       owner,
		Private:     plan.Private,
		Title:       plan.Name,
		Description: payload.Info.Description,
	})
	return &UploadResult{
		MapID:    plan.ID,
		ShareURL: b.permalink(LoadParams{MapID: plan.ID, Owner: owner, Private: plan.Private}),
		Datasets: statuses,
	}
}
