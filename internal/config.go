package internal

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the mapcloud configuration file
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Share       ShareConfig       `yaml:"share"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Providers   ProvidersConfig   `yaml:"providers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

type ShareConfig struct {
	BaseURL string `yaml:"base_url"`
}

type CredentialsConfig struct {
	Backend  string `yaml:"backend"` // "file", "redis" or "memory"
	Dir      string `yaml:"dir"`
	RedisURL string `yaml:"redis_url"`
}

type ProvidersConfig struct {
	Carto      *CartoConfig      `yaml:"carto,omitempty"`
	S3         *S3Config         `yaml:"s3,omitempty"`
	SQL        *SQLConfig        `yaml:"sql,omitempty"`
	MongoDB    *MongoDBConfig    `yaml:"mongodb,omitempty"`
	OpenSearch *OpenSearchConfig `yaml:"opensearch,omitempty"`
	Local      *LocalConfig      `yaml:"local,omitempty"`
}

type CartoConfig struct {
	ClientID       string        `yaml:"client_id"`
	APIKey         string        `yaml:"api_key"`
	Username       string        `yaml:"username"`
	ServerURL      string        `yaml:"server_url"` // e.g. https://{user}.carto.com/
	AuthorizeURL   string        `yaml:"authorize_url"`
	RedirectURL    string        `yaml:"redirect_url"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	Namespace      string        `yaml:"namespace"`
	Timeout        time.Duration `yaml:"timeout"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	Owner           string `yaml:"owner"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type SQLConfig struct {
	URL         string `yaml:"url"`
	Owner       string `yaml:"owner"`
	TablePrefix string `yaml:"table_prefix"`
}

type MongoDBConfig struct {
	URL   string `yaml:"url"`
	Owner string `yaml:"owner"`
}

type OpenSearchConfig struct {
	URL   string `yaml:"url"`
	Index string `yaml:"index"`
	Owner string `yaml:"owner"`
}

type LocalConfig struct {
	URL   string `yaml:"url"` // file:///path/to/dir
	Owner string `yaml:"owner"`
}

func DefaultConfigPath() string {
	return filepath.Join(expandHome("~/.mapcloud"), "config.yaml")
}

// LoadDefaultConfig returns a configuration with only the local provider enabled
func LoadDefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Share: ShareConfig{
			BaseURL: "http://localhost:8080",
		},
		Credentials: CredentialsConfig{
			Backend: "file",
			Dir:     "~/.mapcloud/credentials",
		},
		Providers: ProvidersConfig{
			Local: &LocalConfig{
				URL: "file://" + filepath.ToSlash(expandHome("~/.mapcloud/maps")),
			},
		},
	}
}

// LoadConfig loads configuration from a file, falling back to defaults for
// anything left unset
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	config := LoadDefaultConfig()
	config.Providers = ProvidersConfig{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "configuration validation failed")
	}

	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		return errors.Wrap(err, "failed to create config dir")
	}

	return os.WriteFile(filename, data, 0600)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.Share.BaseURL != "" {
		u, err := url.Parse(c.Share.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.Errorf("share.base_url must be an absolute URL, got %q", c.Share.BaseURL)
		}
	}

	switch c.Credentials.Backend {
	case "", "file", "memory":
	case "redis":
		if c.Credentials.RedisURL == "" {
			return errors.New("credentials.redis_url is required for the redis backend")
		}
	default:
		return errors.Errorf("unknown credentials backend %q", c.Credentials.Backend)
	}

	if s3 := c.Providers.S3; s3 != nil && s3.Bucket == "" {
		return errors.New("providers.s3.bucket is required")
	}
	if sql := c.Providers.SQL; sql != nil && sql.URL == "" {
		return errors.New("providers.sql.url is required")
	}
	if m := c.Providers.MongoDB; m != nil && m.URL == "" {
		return errors.New("providers.mongodb.url is required")
	}
	if o := c.Providers.OpenSearch; o != nil && o.URL == "" {
		return errors.New("providers.opensearch.url is required")
	}
	if l := c.Providers.Local; l != nil && !strings.HasPrefix(l.URL, "file://") {
		return errors.New("providers.local.url must start with file://")
	}

	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
