package internal

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T, owner string) *LocalProvider {
	return newTestLocalAt(t, t.TempDir(), owner)
}

func newTestLocalAt(t *testing.T, root string, owner string) *LocalProvider {
	cfg := LoadDefaultConfig()
	cfg.Share.BaseURL = "https://maps.example.com"
	cfg.Providers.Local = &LocalConfig{URL: "file://" + filepath.ToSlash(root), Owner: owner}
	p, err := NewLocalProvider(cfg, NewMemoryCredentialStore(), zerolog.Nop())
	require.NoError(t, err)
	return p.(*LocalProvider)
}

func samplePayload(title string) *MapPayload {
	return &MapPayload{
		Info:   MapInfo{Title: title, Description: "A map"},
		Config: []byte(`{"version":"v1"}`),
		Datasets: []*Dataset{
			citiesDataset(),
			{
				ID:      "points",
				Columns: []Column{{Name: "name", Type: StringColumn}, {Name: "geom", Type: GeometryColumn}},
				Rows:    [][]any{{"a", "POINT(1 2)"}},
			},
		},
	}
}

func TestLocalProviderRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestLocal(t, "alice")
	require.NoError(t, p.Login(ctx))
	assert.Equal(t, "alice", p.UserName())

	result, err := p.UploadMap(ctx, samplePayload("First"), UploadOptions{SaveAsNew: true, Private: true})
	require.NoError(t, err)
	require.Len(t, result.Datasets, 2)
	for _, st := range result.Datasets {
		assert.Equal(t, Uploaded, st.State)
	}

	payload, err := p.DownloadMap(ctx, LoadParams{MapID: result.MapID, Owner: "alice", Private: true})
	require.NoError(t, err)
	assert.Equal(t, "First", payload.Info.Title)
	assert.JSONEq(t, `{"version":"v1"}`, string(payload.Config))
	require.Len(t, payload.Datasets, 2)
	assert.Equal(t, [][]any{{"NYC", int64(8000000)}}, payload.Datasets[0].Rows)
	assert.Equal(t, "points", payload.Datasets[1].ID)
}

func TestLocalProviderUpdateReusesID(t *testing.T) {
	ctx := context.Background()
	p := newTestLocal(t, "alice")
	require.NoError(t, p.Login(ctx))

	first, err := p.UploadMap(ctx, samplePayload("Map"), UploadOptions{SaveAsNew: true})
	require.NoError(t, err)

	// fewer datasets than before
	update := samplePayload("Map v2")
	update.Datasets = update.Datasets[:1]
	second, err := p.UploadMap(ctx, update, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.MapID, second.MapID)

	keys, err := localFiles{root: p.root}.List(ctx, "maps/alice/"+first.MapID+"/datasets/")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	third, err := p.UploadMap(ctx, update, UploadOptions{SaveAsNew: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.MapID, third.MapID)

	maps, err := p.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.Equal(t, third.MapID, maps[0].ID)
	assert.Equal(t, "Map v2", maps[1].Title)
}

func TestLocalProviderPrivateAccess(t *testing.T) {
	ctx := context.Background()
	p := newTestLocal(t, "alice")
	require.NoError(t, p.Login(ctx))

	result, err := p.UploadMap(ctx, samplePayload("Secret"), UploadOptions{SaveAsNew: true, Private: true})
	require.NoError(t, err)

	_, err = p.DownloadMap(ctx, LoadParams{MapID: result.MapID, Owner: "bob", Private: true})
	assert.True(t, IsNotFound(err))

	require.NoError(t, p.Logout(ctx))
	_, err = p.DownloadMap(ctx, LoadParams{MapID: result.MapID, Owner: "alice", Private: true})
	assert.True(t, IsNotFound(err))
	assert.Nil(t, p.CurrentVisualization())

	_, err = p.DownloadMap(ctx, LoadParams{MapID: "missing", Owner: "alice"})
	assert.True(t, IsNotFound(err))
}

func TestLocalProviderNotLoggedIn(t *testing.T) {
	p := newTestLocal(t, "alice")

	_, err := p.UploadMap(context.Background(), samplePayload("Map"), UploadOptions{})
	assert.True(t, IsAuth(err))
	_, err = p.ListMaps(context.Background())
	assert.True(t, IsAuth(err))
}

func TestLocalProviderInvalidPayload(t *testing.T) {
	ctx := context.Background()
	p := newTestLocal(t, "alice")
	require.NoError(t, p.Login(ctx))

	payload := samplePayload("Bad")
	payload.Datasets[0].Rows = [][]any{{"too", "many", "values"}}
	_, err := p.UploadMap(ctx, payload, UploadOptions{SaveAsNew: true})
	assert.Equal(t, KindConstraint, KindOf(err))
}

func TestLocalProviderConcurrentLogin(t *testing.T) {
	p := newTestLocal(t, "alice")

	done, err := p.beginLogin()
	require.NoError(t, err)
	assert.ErrorIs(t, p.Login(context.Background()), ErrLoginInProgress)
	done()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := p.Login(context.Background())
			if err != nil {
				assert.ErrorIs(t, err, ErrLoginInProgress)
			}
		}()
	}
	wg.Wait()
	require.NoError(t, p.Login(context.Background()))
	assert.Equal(t, "alice", p.UserName())
}

func TestLocalProviderCreatesFolder(t *testing.T) {
	p := newTestLocal(t, "alice")
	p.root = filepath.Join(p.root, "nested", "dir")
	p.objects = localFiles{root: p.root}

	require.NoError(t, p.Login(context.Background()))
	info, err := os.Stat(p.root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalProviderSaveAfterLoadingOtherUsersMap(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	bob := newTestLocalAt(t, root, "bob")
	alice := newTestLocalAt(t, root, "alice")
	require.NoError(t, bob.Login(ctx))
	require.NoError(t, alice.Login(ctx))

	theirs, err := bob.UploadMap(ctx, samplePayload("Bob's map"), UploadOptions{SaveAsNew: true})
	require.NoError(t, err)

	_, err = alice.DownloadMap(ctx, LoadParams{MapID: theirs.MapID, Owner: "bob"})
	require.NoError(t, err)
	mine, err := alice.UploadMap(ctx, samplePayload("Alice's copy"), UploadOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, theirs.MapID, mine.MapID)
	assert.Contains(t, mine.ShareURL, "owner=alice")

	payload, err := bob.DownloadMap(ctx, LoadParams{MapID: theirs.MapID, Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob's map", payload.Info.Title)

	maps, err := alice.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, maps, 1)
	assert.Equal(t, mine.MapID, maps[0].ID)
}

// failingObjects rejects writes of keys containing failOn.
type failingObjects struct {
	objectStore
	failOn string
}

func (f failingObjects) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if strings.Contains(key, f.failOn) {
		return errors.New("disk full")
	}
	return f.objectStore.Put(ctx, key, body, contentType)
}

func TestLocalProviderFailedUpdateKeepsMap(t *testing.T) {
	ctx := context.Background()
	p := newTestLocal(t, "alice")
	require.NoError(t, p.Login(ctx))

	first, err := p.UploadMap(ctx, samplePayload("Map"), UploadOptions{SaveAsNew: true})
	require.NoError(t, err)

	p.objects = failingObjects{objectStore: localFiles{root: p.root}, failOn: "-points-"}
	_, err = p.UploadMap(ctx, samplePayload("Map v2"), UploadOptions{})
	assert.ErrorContains(t, err, "disk full")
	p.objects = localFiles{root: p.root}

	payload, err := p.DownloadMap(ctx, LoadParams{MapID: first.MapID, Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "Map", payload.Info.Title)
	require.Len(t, payload.Datasets, 2)
	assert.Equal(t, [][]any{{"NYC", int64(8000000)}}, payload.Datasets[0].Rows)

	// the partial upload left nothing behind
	keys, err := localFiles{root: p.root}.List(ctx, "maps/alice/"+first.MapID+"/datasets/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
