package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haojie06/sd-task-http/internal/logger"
)

// LocalStorage writes images under a directory that the HTTP server exposes at baseURL.
type LocalStorage struct {
	basePath string
	baseURL  string
	logger   *logger.CustomLogger
}

func NewLocalStorage(basePath, baseURL string) (*LocalStorage, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, fmt.Errorf("local storage directory is not set")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	l := &LocalStorage{
		basePath: basePath,
		baseURL:  strings.TrimSpace(baseURL),
		logger:   logger.NewCustomLogger().With("component", "local_storage"),
	}
	l.logger.Infof("local storage initialized, path: %s, base url: %s", basePath, l.baseURL)
	return l, nil
}

// Dir is the directory served for baseURL.
func (l *LocalStorage) Dir() string {
	return l.basePath
}

func (l *LocalStorage) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fullPath := filepath.Join(l.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(fullPath, filepath.Clean(l.basePath)+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage directory", key)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	l.logger.Debugf("stored %s (%s, %d bytes)", key, contentType, len(data))

	if l.baseURL == "" {
		return "file://" + fullPath, nil
	}
	return joinURL(l.baseURL, filepath.ToSlash(key)), nil
}

// Health checks that the storage directory is still writable.
func (l *LocalStorage) Health(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	marker := filepath.Join(l.basePath, ".health_check")
	if err := os.WriteFile(marker, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("storage directory not writable: %w", err)
	}
	_ = os.Remove(marker)
	return nil
}
