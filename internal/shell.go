package internal

import (
	"context"
	"sync"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// ProviderInfo is what the shell shows for one registered provider.
type ProviderInfo struct {
	Name         string   `json:"name"`
	DisplayName  string   `json:"displayName"`
	Capabilities []string `json:"capabilities"`
	Enabled      bool     `json:"enabled"`
	Connected    bool     `json:"connected"`
	UserName     string   `json:"userName,omitempty"`
}

// MapLoader receives a downloaded map; it is the host application's load action.
type MapLoader func(ctx context.Context, provider string, payload *MapPayload) error

// Shell drives providers through the CloudProvider contract only.
type Shell struct {
	registry *Registry
	loader   MapLoader
	logger   zerolog.Logger
}

func NewShell(registry *Registry, loader MapLoader, logger zerolog.Logger) *Shell {
	return &Shell{
		registry: registry,
		loader:   loader,
		logger:   logger.With().Str("component", "shell").Logger(),
	}
}

func (s *Shell) Providers() []ProviderInfo {
	list := []ProviderInfo{}
	for _, p := range s.registry.All() {
		info := ProviderInfo{
			Name:         p.Name(),
			DisplayName:  p.DisplayName(),
			Capabilities: p.Capabilities().Strings(),
			Enabled:      p.IsEnabled(),
		}
		if info.Enabled && p.AccessToken() != "" {
			info.Connected = true
			info.UserName = p.UserName()
		}
		list = append(list, info)
	}
	return list
}

// Login calls onSuccess once the provider holds a valid token. A login
// already running for the provider is left alone.
func (s *Shell) Login(ctx context.Context, name string, onSuccess func(provider string)) error {
	p, err := s.enabled(name)
	if err != nil {
		return err
	}

	err = p.Login(ctx)
	if errors.Is(err, ErrLoginInProgress) {
		s.logger.Debug().Str("provider", name).Msg("Login already in progress")
		return nil
	}
	if err != nil {
		return err
	}

	if onSuccess != nil {
		onSuccess(p.Name())
	}
	return nil
}

func (s *Shell) Logout(ctx context.Context, name string, onSuccess func(provider string)) error {
	p, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	if err := p.Logout(ctx); err != nil {
		return err
	}
	if onSuccess != nil {
		onSuccess(p.Name())
	}
	return nil
}

func (s *Shell) ListMaps(ctx context.Context, name string) ([]Visualization, error) {
	p, err := s.withCapability(name, PrivateStorage)
	if err != nil {
		return nil, err
	}
	return p.ListMaps(ctx)
}

// LoadMap downloads a map and hands it to the loader.
func (s *Shell) LoadMap(ctx context.Context, name string, params LoadParams) (*MapPayload, error) {
	p, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}

	payload, err := p.DownloadMap(ctx, params)
	if err != nil {
		return nil, err
	}
	if s.loader != nil {
		if err := s.loader(ctx, p.Name(), payload); err != nil {
			return nil, errors.Wrap(err, "load map")
		}
	}
	return payload, nil
}

// SaveMap uploads payload, reporting dataset progress to view when set.
func (s *Shell) SaveMap(ctx context.Context, name string, payload *MapPayload, opts UploadOptions, view *UploadView) (*UploadResult, error) {
	p, err := s.enabled(name)
	if err != nil {
		return nil, err
	}

	if view != nil {
		opts.OnStatus = chainStatus(opts.OnStatus, view.Update)
	}
	result, err := p.UploadMap(ctx, payload, opts)
	if view != nil {
		view.Finish(result, err)
	}
	return result, err
}

// ExportDatasets copies datasets to standalone tables on providers that can.
func (s *Shell) ExportDatasets(ctx context.Context, name string, datasets []*Dataset, view *UploadView) ([]DatasetStatus, error) {
	p, err := s.withCapability(name, TableExport)
	if err != nil {
		return nil, err
	}
	exporter, ok := p.(TableExporter)
	if !ok {
		return nil, newProviderError(name, KindConfig, "%s cannot export tables", p.DisplayName())
	}

	var onStatus func(DatasetStatus)
	if view != nil {
		onStatus = view.Update
	}
	statuses, err := exporter.ExportDatasets(ctx, datasets, onStatus)
	if view != nil {
		view.Finish(&UploadResult{Datasets: statuses}, err)
	}
	return statuses, err
}

// ShareURL returns the share link of the provider's current map.
func (s *Shell) ShareURL(name string) (string, error) {
	p, err := s.withCapability(name, ShareURLs)
	if err != nil {
		return "", err
	}
	return p.MapURL(), nil
}

func (s *Shell) enabled(name string) (CloudProvider, error) {
	p, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !p.IsEnabled() {
		return nil, newProviderError(name, KindConfig, "%s is not configured", p.DisplayName())
	}
	return p, nil
}

func (s *Shell) withCapability(name string, c Capability) (CloudProvider, error) {
	p, err := s.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !p.Capabilities().Has(c) {
		return nil, newProviderError(name, KindConfig, "%s does not support %s", p.DisplayName(), c)
	}
	return p, nil
}

func chainStatus(fns ...func(DatasetStatus)) func(DatasetStatus) {
	return func(st DatasetStatus) {
		for _, fn := range fns {
			if fn != nil {
				fn(st)
			}
		}
	}
}

// UploadView tracks per-dataset status of one save. Once closed, late
// updates are dropped.
type UploadView struct {
	mu       sync.Mutex
	closed   bool
	finished bool
	order    []string
	statuses map[string]DatasetStatus
	result   *UploadResult
	err      error
	onChange func(DatasetStatus)
}

func NewUploadView(onChange func(DatasetStatus)) *UploadView {
	return &UploadView{
		statuses: map[string]DatasetStatus{},
		onChange: onChange,
	}
}

func (v *UploadView) Update(st DatasetStatus) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if _, ok := v.statuses[st.ID]; !ok {
		v.order = append(v.order, st.ID)
	}
	v.statuses[st.ID] = st
	onChange := v.onChange
	v.mu.Unlock()

	if onChange != nil {
		onChange(st)
	}
}

func (v *UploadView) Finish(result *UploadResult, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return
	}
	v.finished = true
	v.result = result
	v.err = err
}

func (v *UploadView) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
}

func (v *UploadView) Statuses() []DatasetStatus {
	v.mu.Lock()
	defer v.mu.Unlock()

	list := make([]DatasetStatus, 0, len(v.order))
	for _, id := range v.order {
		list = append(list, v.statuses[id])
	}
	return list
}

// Pending reports whether any dataset is still uploading.
func (v *UploadView) Pending() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.finished {
		return true
	}
	for _, st := range v.statuses {
		if st.State == Uploading {
			return true
		}
	}
	return false
}

func (v *UploadView) Result() (*UploadResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.result, v.err
}
