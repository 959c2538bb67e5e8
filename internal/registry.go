package internal

import (
	"context"
	"io"
	"sync"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// Registry holds provider instances in registration order.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]CloudProvider
	closers   []io.Closer
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]CloudProvider{}}
}

// NewRegistryFromConfig builds every configured provider, each with its own
// credential store.
func NewRegistryFromConfig(cfg *Config, logger zerolog.Logger) (*Registry, error) {
	r := NewRegistry()
	for _, entry := range Providers {
		store, err := NewCredentialStore(cfg.Credentials, entry.Name)
		if err != nil {
			r.Close(context.Background())
			return nil, err
		}

		p, err := entry.Factory(cfg, store, logger)
		if errors.Is(err, errNotConfigured) {
			closeStore(store)
			continue
		}
		if err != nil {
			closeStore(store)
			r.Close(context.Background())
			return nil, errors.Wrapf(err, "provider %s", entry.Name)
		}

		if c, ok := store.(io.Closer); ok {
			r.closers = append(r.closers, c)
		}
		if err := r.Register(p); err != nil {
			r.Close(context.Background())
			return nil, err
		}
	}
	return r, nil
}

func closeStore(store CredentialStore) {
	if c, ok := store.(io.Closer); ok {
		c.Close()
	}
}

func (r *Registry) Register(p CloudProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.providers[p.Name()]; ok {
		return errors.Errorf("provider %s already registered", p.Name())
	}
	r.order = append(r.order, p.Name())
	r.providers[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (CloudProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, newProviderError(name, KindConfig, "Unknown provider: %s", name)
	}
	return p, nil
}

func (r *Registry) All() []CloudProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]CloudProvider, 0, len(r.order))
	for _, name := range r.order {
		list = append(list, r.providers[name])
	}
	return list
}

// Close releases provider connections and credential stores.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, name := range r.order {
		if c, ok := r.providers[name].(interface{ Close(context.Context) error }); ok {
			if err := c.Close(ctx); err != nil && first == nil {
				first = errors.Wrapf(err, "close %s", name)
			}
		}
	}
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
