package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("store: key not found")

// Backend is a flat key-value space of small blobs. Set must replace the
// value atomically.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// FileBackend keeps one file per key in a directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (f *FileBackend) Get(_ context.Context, key string) ([]byte, error) {
	b, err := os.ReadFile(filepath.Join(f.dir, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}
	return b, nil
}

// Set writes to a temporary file and renames it over the old value.
func (f *FileBackend) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(f.dir, key+".*")
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("store: sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(f.dir, key)); err != nil {
		return fmt.Errorf("store: rename %s: %w", key, err)
	}
	return nil
}

// RedisBackend stores blobs as Redis strings under a key prefix.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend wraps a client. An empty prefix defaults to "thumbctl:".
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "thumbctl:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: redis get %s: %w", key, err)
	}
	return b, nil
}

func (r *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, 0).Err(); err != nil {
		return fmt.Errorf("store: redis set %s: %w", key, err)
	}
	return nil
}

// MemoryBackend keeps blobs in a map.
type MemoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}
