package internal

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider implements CloudProvider on top of providerBase with canned
// behavior.
type fakeProvider struct {
	*providerBase
	enabled  bool
	loginErr error
	maps     []Visualization
	payload  *MapPayload
	exported []*Dataset
}

func newFakeProvider(name string, caps ...Capability) *fakeProvider {
	cfg := LoadDefaultConfig()
	return &fakeProvider{
		providerBase: newProviderBase(name, "Fake "+name, NewCapabilities(caps...), cfg, NewMemoryCredentialStore(), zerolog.Nop()),
		enabled:      true,
	}
}

func (p *fakeProvider) IsEnabled() bool {
	return p.enabled
}

func (p *fakeProvider) Login(ctx context.Context) error {
	if p.loginErr != nil {
		return p.loginErr
	}
	return p.saveCredentials(ctx, map[string]string{tokenField: "t", usernameField: "alice"})
}

func (p *fakeProvider) UploadMap(ctx context.Context, payload *MapPayload, opts UploadOptions) (*UploadResult, error) {
	statuses, err := uploadDatasets(ctx, payload.Datasets, opts.OnStatus, func(ctx context.Context, i int, d *Dataset) error {
		if d.ID == "broken" {
			return errors.New("cannot write")
		}
		return nil
	})
	if err != nil {
		return nil, p.fail(err)
	}
	plan := p.planUpload("alice", payload, opts, func() string { return "m1" })
	return p.finishUpload(plan, "alice", payload, statuses), nil
}

func (p *fakeProvider) DownloadMap(ctx context.Context, params LoadParams) (*MapPayload, error) {
	if err := p.checkAccess(params); err != nil {
		return nil, err
	}
	if p.payload == nil {
		return nil, p.notFound(params.MapID)
	}
	return p.payload, nil
}

func (p *fakeProvider) ListMaps(ctx context.Context) ([]Visualization, error) {
	return p.maps, nil
}

func (p *fakeProvider) ExportDatasets(ctx context.Context, datasets []*Dataset, onStatus func(DatasetStatus)) ([]DatasetStatus, error) {
	p.exported = datasets
	return uploadDatasets(ctx, datasets, onStatus, func(ctx context.Context, i int, d *Dataset) error { return nil })
}

func newTestShell(t *testing.T, loader MapLoader, providers ...CloudProvider) *Shell {
	r := NewRegistry()
	for _, p := range providers {
		require.NoError(t, r.Register(p))
	}
	return NewShell(r, loader, zerolog.Nop())
}

func TestShellProviders(t *testing.T) {
	a := newFakeProvider("a", PrivateStorage)
	b := newFakeProvider("b")
	b.enabled = false
	shell := newTestShell(t, nil, a, b)

	require.NoError(t, shell.Login(context.Background(), "a", nil))
	infos := shell.Providers()
	require.Len(t, infos, 2)
	assert.Equal(t, ProviderInfo{Name: "a", DisplayName: "Fake a", Capabilities: []string{"private-storage"}, Enabled: true, Connected: true, UserName: "alice"}, infos[0])
	assert.Equal(t, ProviderInfo{Name: "b", DisplayName: "Fake b", Capabilities: []string{}, Enabled: false}, infos[1])
}

func TestShellLogin(t *testing.T) {
	a := newFakeProvider("a")
	shell := newTestShell(t, nil, a)

	var called []string
	require.NoError(t, shell.Login(context.Background(), "a", func(name string) { called = append(called, name) }))
	assert.Equal(t, []string{"a"}, called)

	a.loginErr = ErrLoginInProgress
	require.NoError(t, shell.Login(context.Background(), "a", func(name string) { called = append(called, name) }))
	assert.Equal(t, []string{"a"}, called)

	a.loginErr = newProviderError("a", KindAuth, "denied")
	assert.True(t, IsAuth(shell.Login(context.Background(), "a", nil)))

	err := shell.Login(context.Background(), "missing", nil)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.EqualError(t, err, "missing: Unknown provider: missing")
}

func TestShellLoginDisabled(t *testing.T) {
	a := newFakeProvider("a")
	a.enabled = false
	shell := newTestShell(t, nil, a)

	err := shell.Login(context.Background(), "a", nil)
	assert.EqualError(t, err, "a: Fake a is not configured")
}

func TestShellCapabilities(t *testing.T) {
	a := newFakeProvider("a")
	shell := newTestShell(t, nil, a)

	_, err := shell.ListMaps(context.Background(), "a")
	assert.EqualError(t, err, "a: Fake a does not support private-storage")
	_, err = shell.ShareURL("a")
	assert.EqualError(t, err, "a: Fake a does not support share-url")
	_, err = shell.ExportDatasets(context.Background(), "a", nil, nil)
	assert.EqualError(t, err, "a: Fake a does not support table-export")
}

func TestShellLoadMap(t *testing.T) {
	a := newFakeProvider("a", PrivateStorage)
	a.payload = &MapPayload{Info: MapInfo{Title: "Loaded"}}

	var loaded []string
	shell := newTestShell(t, func(ctx context.Context, provider string, payload *MapPayload) error {
		loaded = append(loaded, provider+":"+payload.Info.Title)
		return nil
	}, a)

	payload, err := shell.LoadMap(context.Background(), "a", LoadParams{MapID: "m1", Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "Loaded", payload.Info.Title)
	assert.Equal(t, []string{"a:Loaded"}, loaded)

	_, err = shell.LoadMap(context.Background(), "a", LoadParams{MapID: "m1", Owner: "bob", Private: true})
	assert.True(t, IsNotFound(err))
	assert.Len(t, loaded, 1)
}

func TestShellSaveMap(t *testing.T) {
	a := newFakeProvider("a", ShareURLs)
	shell := newTestShell(t, nil, a)

	var mu sync.Mutex
	var changes []DatasetStatus
	view := NewUploadView(func(st DatasetStatus) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, st)
	})

	payload := &MapPayload{Info: MapInfo{Title: "Map"}, Datasets: []*Dataset{citiesDataset()}}
	result, err := shell.SaveMap(context.Background(), "a", payload, UploadOptions{SaveAsNew: true}, view)
	require.NoError(t, err)
	assert.Equal(t, "m1", result.MapID)

	assert.False(t, view.Pending())
	assert.Equal(t, []DatasetStatus{{ID: "cities", Label: "Cities", State: Uploaded}}, view.Statuses())
	got, err := view.Result()
	require.NoError(t, err)
	assert.Same(t, result, got)
	assert.Len(t, changes, 2)

	url, err := shell.ShareURL("a")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/demo/map/a?mapId=m1&owner=alice&privateMap=false", url)
}

func TestShellSaveMapFailure(t *testing.T) {
	a := newFakeProvider("a")
	shell := newTestShell(t, nil, a)
	view := NewUploadView(nil)

	payload := &MapPayload{Info: MapInfo{Title: "Map"}, Datasets: []*Dataset{
		citiesDataset(),
		{ID: "broken", Columns: []Column{{Name: "a", Type: StringColumn}}},
	}}
	_, err := shell.SaveMap(context.Background(), "a", payload, UploadOptions{}, view)
	require.Error(t, err)

	statuses := view.Statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, Uploaded, statuses[0].State)
	assert.Equal(t, Failed, statuses[1].State)
	assert.Equal(t, "cannot write", statuses[1].Err)
	_, resultErr := view.Result()
	assert.Equal(t, err, resultErr)
}

func TestUploadViewClosed(t *testing.T) {
	var changes int
	view := NewUploadView(func(st DatasetStatus) { changes++ })

	view.Update(DatasetStatus{ID: "a", State: Uploading})
	assert.True(t, view.Pending())
	view.Close()
	view.Update(DatasetStatus{ID: "a", State: Uploaded})
	view.Finish(&UploadResult{MapID: "m1"}, nil)

	assert.Equal(t, 1, changes)
	assert.Equal(t, []DatasetStatus{{ID: "a", State: Uploading}}, view.Statuses())
	result, err := view.Result()
	assert.Nil(t, result)
	assert.NoError(t, err)
}

func TestShellExportDatasets(t *testing.T) {
	a := newFakeProvider("a", TableExport)
	shell := newTestShell(t, nil, a)
	view := NewUploadView(nil)

	datasets := []*Dataset{citiesDataset()}
	statuses, err := shell.ExportDatasets(context.Background(), "a", datasets, view)
	require.NoError(t, err)
	assert.Equal(t, []DatasetStatus{{ID: "cities", Label: "Cities", State: Uploaded}}, statuses)
	assert.Equal(t, datasets, a.exported)
	assert.False(t, view.Pending())
}

func TestShellLogout(t *testing.T) {
	a := newFakeProvider("a")
	shell := newTestShell(t, nil, a)
	require.NoError(t, shell.Login(context.Background(), "a", nil))

	var called bool
	require.NoError(t, shell.Logout(context.Background(), "a", func(string) { called = true }))
	assert.True(t, called)
	assert.Equal(t, "", a.AccessToken())
}
