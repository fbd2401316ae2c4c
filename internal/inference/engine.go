package inference

import (
	"context"

	"github.com/haojie06/sd-task-http/internal/prompt"
)

// Image is one raw engine output.
type Image struct {
	Data        []byte
	ContentType string
}

// Engine runs one generation. It returns exactly req.NumImages images on success.
type Engine interface {
	Generate(ctx context.Context, req prompt.Resolved) ([]Image, error)
	// Loaded reports whether the model is ready to serve.
	Loaded() bool
}
