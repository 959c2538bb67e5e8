package internal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(newFakeProvider("b")))
	require.NoError(t, r.Register(newFakeProvider("a")))
	assert.ErrorContains(t, r.Register(newFakeProvider("a")), "provider a already registered")

	names := []string{}
	for _, p := range r.All() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"b", "a"}, names)

	_, err := r.Get("c")
	assert.Equal(t, KindConfig, KindOf(err))
}

func TestRegistryFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := LoadDefaultConfig()
	cfg.Credentials = CredentialsConfig{Backend: "memory"}
	cfg.Providers.Local = &LocalConfig{URL: "file://" + filepath.ToSlash(dir), Owner: "alice"}
	cfg.Providers.Carto = &CartoConfig{APIKey: "secret", Username: "alice"}
	cfg.Providers.SQL = &SQLConfig{URL: "sqlite:" + filepath.Join(dir, "maps.db")}

	r, err := NewRegistryFromConfig(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer r.Close(context.Background())

	names := []string{}
	for _, p := range r.All() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"carto", "sql", "local"}, names)

	// each provider owns its credentials
	carto, err := r.Get("carto")
	require.NoError(t, err)
	require.NoError(t, carto.Login(context.Background()))
	local, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "", local.AccessToken())
}

func TestRegistryFromConfigBadBackend(t *testing.T) {
	cfg := LoadDefaultConfig()
	cfg.Credentials.Backend = "vault"
	_, err := NewRegistryFromConfig(cfg, zerolog.Nop())
	assert.ErrorContains(t, err, `unknown credentials backend "vault"`)
}
