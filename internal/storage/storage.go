package storage

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Uploader stores image bytes and returns a URL clients can fetch them from.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// Backend is an Uploader that can report whether it is reachable.
type Backend interface {
	Uploader
	Health(ctx context.Context) error
}

// ObjectKey is "<taskID>/<random hex>.<ext>".
func ObjectKey(taskID, ext string) string {
	return taskID + "/" + strings.ReplaceAll(uuid.New().String(), "-", "") + "." + ext
}

func joinURL(base, key string) string {
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(key, "/")
}
