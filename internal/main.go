package internal

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/go-faster/errors"
	"github.com/rs/zerolog"
)

// App wires configuration, logging, providers and the shell for one command.
type App struct {
	Config    *Config
	Logger    zerolog.Logger
	Registry  *Registry
	Shell     *Shell
	Formatter Formatter
	Out       io.Writer
	Err       io.Writer
}

type AppOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string
	Out        io.Writer
	Err        io.Writer
}

func NewApp(opts AppOptions) (*App, error) {
	newFormatter, found := Formatters[opts.Format]
	if !found {
		return nil, fmt.Errorf("Invalid format: %s\nValid formats are json, text", opts.Format)
	}

	cfg, err := loadConfigFile(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}

	logger := NewLogger(cfg.Log, opts.Err)
	registry, err := NewRegistryFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Registry:  registry,
		Formatter: newFormatter(opts.Out),
		Out:       opts.Out,
		Err:       opts.Err,
	}
	app.Shell = NewShell(registry, app.writeLoadedMap, logger)
	return app, nil
}

// loadConfigFile falls back to defaults when the default path does not exist.
func loadConfigFile(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return LoadDefaultConfig(), nil
		}
	}
	return LoadConfig(path)
}

func (a *App) Close() error {
	return a.Registry.Close(context.Background())
}

func (a *App) writeLoadedMap(ctx context.Context, provider string, payload *MapPayload) error {
	return WriteMapFile(a.Out, payload)
}

func (a *App) ListProviders() error {
	if err := a.Formatter.PrintProviders(a.Shell.Providers()); err != nil {
		return err
	}
	return a.Formatter.Flush()
}

func (a *App) Login(ctx context.Context, provider string) error {
	return a.Shell.Login(ctx, provider, func(name string) {
		p, _ := a.Registry.Get(name)
		fmt.Fprintf(a.Err, "Logged in to %s as %s\n", p.DisplayName(), p.UserName())
	})
}

func (a *App) Logout(ctx context.Context, provider string) error {
	return a.Shell.Logout(ctx, provider, func(name string) {
		fmt.Fprintf(a.Err, "Logged out of %s\n", name)
	})
}

func (a *App) ListMaps(ctx context.Context, provider string) error {
	maps, err := a.Shell.ListMaps(ctx, provider)
	if err != nil {
		return err
	}
	if err := a.Formatter.PrintMaps(provider, maps); err != nil {
		return err
	}
	return a.Formatter.Flush()
}

type SaveOptions struct {
	Private bool
	// Update replaces an existing map of the logged in user instead of
	// creating a new one.
	Update string
}

func (a *App) SaveMap(ctx context.Context, provider string, filename string, opts SaveOptions) error {
	payload, err := ReadMapFile(ctx, filename)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Err, "Found %s to upload...\n\n", pluralize(len(payload.Datasets), "dataset"))

	uploadOpts := UploadOptions{Private: opts.Private, SaveAsNew: true}
	if opts.Update != "" {
		p, err := a.Registry.Get(provider)
		if err != nil {
			return err
		}
		// loading makes it the current map, which the upload then overwrites
		params := LoadParams{MapID: opts.Update, Owner: p.UserName(), Private: opts.Private}
		if _, err := p.DownloadMap(ctx, params); err != nil {
			return err
		}
		uploadOpts.SaveAsNew = false
	}

	view := NewUploadView(func(st DatasetStatus) {
		if st.State != Uploading {
			a.Formatter.PrintStatus(st)
		}
	})
	defer view.Close()

	result, err := a.Shell.SaveMap(ctx, provider, payload, uploadOpts, view)
	if err != nil {
		return err
	}
	if err := a.Formatter.PrintResult(result); err != nil {
		return err
	}
	return a.Formatter.Flush()
}

func (a *App) LoadMap(ctx context.Context, provider string, params LoadParams) error {
	_, err := a.Shell.LoadMap(ctx, provider, params)
	return err
}

func (a *App) ExportDatasets(ctx context.Context, provider string, filenames []string) error {
	datasets := make([]*Dataset, 0, len(filenames))
	for _, name := range filenames {
		d, err := ReadDatasetFile(ctx, name)
		if err != nil {
			return err
		}
		datasets = append(datasets, d)
	}
	fmt.Fprintf(a.Err, "Found %s to export...\n\n", pluralize(len(datasets), "dataset"))

	view := NewUploadView(func(st DatasetStatus) {
		if st.State != Uploading {
			a.Formatter.PrintStatus(st)
		}
	})
	defer view.Close()

	statuses, err := a.Shell.ExportDatasets(ctx, provider, datasets, view)
	if err != nil {
		return err
	}
	if err := a.Formatter.PrintResult(&UploadResult{Datasets: statuses}); err != nil {
		return err
	}
	return a.Formatter.Flush()
}

// EncodeDataset prints a dataset file as CSV.
func (a *App) EncodeDataset(ctx context.Context, filename string) error {
	d, err := ReadDatasetFile(ctx, filename)
	if err != nil {
		return err
	}
	return WriteCSV(a.Out, d)
}

func (a *App) PrintURL(provider string, params LoadParams) error {
	if _, err := a.Registry.Get(provider); err != nil {
		return err
	}
	_, err := fmt.Fprintln(a.Out, Permalink(a.Config.Share.BaseURL, provider, params))
	return err
}

// ParseMapURL extracts the provider and load parameters from a share URL.
func ParseMapURL(s string) (string, LoadParams, error) {
	i := strings.Index(s, "/demo/map/")
	if i < 0 {
		return "", LoadParams{}, errors.Errorf("not a map URL: %s", s)
	}
	rest := s[i+len("/demo/map/"):]
	provider, query, _ := strings.Cut(rest, "?")
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", LoadParams{}, err
	}
	params, err := ParseLoadParams(values)
	return provider, params, err
}
