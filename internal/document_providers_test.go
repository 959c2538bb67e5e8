package internal

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMongoDBProvider(t *testing.T) {
	url := os.Getenv("MONGO_URL")
	if url == "" {
		t.Skip("Requires MONGO_URL")
	}

	cfg := LoadDefaultConfig()
	cfg.Providers.MongoDB = &MongoDBConfig{URL: url, Owner: "alice"}
	p, err := NewMongoDBProvider(cfg, NewMemoryCredentialStore(), zerolog.Nop())
	require.NoError(t, err)
	defer p.(*MongoDBProvider).Close(context.Background())

	checkDocumentProvider(t, p)
}

func TestOpenSearchProvider(t *testing.T) {
	url := os.Getenv("OPENSEARCH_URL")
	if url == "" {
		t.Skip("Requires OPENSEARCH_URL")
	}

	cfg := LoadDefaultConfig()
	cfg.Providers.OpenSearch = &OpenSearchConfig{URL: url, Index: "mapcloud-test", Owner: "alice"}
	p, err := NewOpenSearchProvider(cfg, NewMemoryCredentialStore(), zerolog.Nop())
	require.NoError(t, err)

	checkDocumentProvider(t, p)
}

func checkDocumentProvider(t *testing.T, p CloudProvider) {
	ctx := context.Background()
	require.NoError(t, p.Login(ctx))
	assert.Equal(t, "alice", p.UserName())

	result, err := p.UploadMap(ctx, samplePayload("Document map"), UploadOptions{SaveAsNew: true, Private: true})
	require.NoError(t, err)

	payload, err := p.DownloadMap(ctx, LoadParams{MapID: result.MapID, Owner: "alice", Private: true})
	require.NoError(t, err)
	assert.Equal(t, "Document map", payload.Info.Title)
	require.Len(t, payload.Datasets, 2)
	assert.Equal(t, [][]any{{"NYC", int64(8000000)}}, payload.Datasets[0].Rows)

	_, err = p.DownloadMap(ctx, LoadParams{MapID: result.MapID, Owner: "alice"})
	assert.True(t, IsNotFound(err))

	update := samplePayload("Document map v2")
	second, err := p.UploadMap(ctx, update, UploadOptions{})
	require.NoError(t, err)
	assert.Equal(t, result.MapID, second.MapID)

	maps, err := p.ListMaps(ctx)
	require.NoError(t, err)
	found := false
	for _, m := range maps {
		if m.ID == result.MapID {
			found = true
			assert.Equal(t, "Document map v2", m.Title)
			assert.True(t, m.Private)
		}
	}
	assert.True(t, found)
}
