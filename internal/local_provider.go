package internal

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// LocalProvider stores maps in a directory on disk.
type LocalProvider struct {
	*objectMaps
	root  string
	owner string
}

func NewLocalProvider(cfg *Config, store CredentialStore, logger zerolog.Logger) (CloudProvider, error) {
	lc := cfg.Providers.Local
	if lc == nil {
		return nil, errNotConfigured
	}

	base := newProviderBase("local", "Local folder", NewCapabilities(PrivateStorage, ShareURLs), cfg, store, logger)
	p := &LocalProvider{
		root:  filepath.FromSlash(strings.TrimPrefix(lc.URL, "file://")),
		owner: lc.Owner,
	}
	p.objectMaps = &objectMaps{providerBase: base, objects: localFiles{root: p.root}, prefix: "maps"}
	return p, nil
}

func (p *LocalProvider) IsEnabled() bool {
	return p.root != ""
}

func (p *LocalProvider) Login(ctx context.Context) error {
	if p.AccessToken() != "" {
		return nil
	}
	done, err := p.beginLogin()
	if err != nil {
		return err
	}
	defer done()

	if !p.IsEnabled() {
		return p.fail(newProviderError(p.name, KindConfig, "No folder set for local provider"))
	}
	if err := os.MkdirAll(p.root, 0755); err != nil {
		return p.fail(err)
	}

	owner := p.owner
	if owner == "" {
		u, err := user.Current()
		if err != nil {
			return p.fail(newProviderError(p.name, KindConfig, "No owner set for local provider"))
		}
		owner = u.Username
	}

	if err := p.saveCredentials(ctx, map[string]string{
		tokenField:    newMapID(),
		usernameField: owner,
	}); err != nil {
		return p.fail(err)
	}
	p.logger.Info().Str("user", owner).Msg("Logged in")
	return nil
}

type localFiles struct {
	root string
}

func (l localFiles) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

func (l localFiles) Put(ctx context.Context, key string, body []byte, contentType string) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (l localFiles) Get(ctx context.Context, key string, anonymous bool) ([]byte, error) {
	b, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, errObjectNotFound
	}
	return b, err
}

func (l localFiles) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	root := l.path(prefix)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && !strings.HasSuffix(path, ".tmp") {
			rel, err := filepath.Rel(l.root, path)
			if err != nil {
				return err
			}
			keys = append(keys, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return keys, err
	}

	return keys, nil
}

func (l localFiles) Delete(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if err := os.Remove(l.path(k)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
