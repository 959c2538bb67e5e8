package internal

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

const (
	tokenField       = "token"
	usernameField    = "username"
	expiresField     = "expires"
	userInfoURLField = "user_info_url"
)

// CredentialStore is a durable string key/value store. Missing keys read as "".
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
}

func credentialKey(provider string, field string) string {
	return provider + "." + field
}

// NewCredentialStore builds a store owned by a single provider instance.
func NewCredentialStore(cfg CredentialsConfig, provider string) (CredentialStore, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileCredentialStore(filepath.Join(expandHome(cfg.Dir), provider+".yaml")), nil
	case "redis":
		return NewRedisCredentialStore(cfg.RedisURL)
	case "memory":
		return NewMemoryCredentialStore(), nil
	}
	return nil, errors.Errorf("unknown credentials backend %q", cfg.Backend)
}

type MemoryCredentialStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{values: map[string]string{}}
}

func (s *MemoryCredentialStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *MemoryCredentialStore) Set(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryCredentialStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
	}
	return nil
}

// FileCredentialStore keeps values in a YAML file readable only by the user.
type FileCredentialStore struct {
	mu   sync.Mutex
	path string
}

func NewFileCredentialStore(path string) *FileCredentialStore {
	return &FileCredentialStore{path: path}
}

func (s *FileCredentialStore) load() (map[string]string, error) {
	values := map[string]string{}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return values, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read credentials")
	}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, errors.Wrap(err, "parse credentials")
	}
	return values, nil
}

func (s *FileCredentialStore) save(values map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return errors.Wrap(err, "create credentials dir")
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0600)
}

func (s *FileCredentialStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", err
	}
	return values[key], nil
}

func (s *FileCredentialStore) Set(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	values[key] = value
	return s.save(values)
}

func (s *FileCredentialStore) Delete(ctx context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	for _, k := range keys {
		delete(values, k)
	}
	return s.save(values)
}

type RedisCredentialStore struct {
	DB *redis.Client
}

func NewRedisCredentialStore(urlStr string) (*RedisCredentialStore, error) {
	opt, err := redis.ParseURL(urlStr)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	return &RedisCredentialStore{DB: redis.NewClient(opt)}, nil
}

func (s *RedisCredentialStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.DB.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (s *RedisCredentialStore) Set(ctx context.Context, key string, value string) error {
	return s.DB.Set(ctx, key, value, 0).Err()
}

func (s *RedisCredentialStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.DB.Del(ctx, keys...).Err()
}

func (s *RedisCredentialStore) Close() error {
	return s.DB.Close()
}
