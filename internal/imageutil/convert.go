// Package imageutil re-encodes engine output into the format a caller asked for.
package imageutil

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"
)

const JPEGQuality = 100

// Encoded is an image ready for upload.
type Encoded struct {
	Data        []byte
	ContentType string
	Extension   string
}

// Convert returns data encoded as format ("png", "jpg" or "jpeg"). Input already in the
// target format is passed through untouched.
func Convert(data []byte, format string) (Encoded, error) {
	var (
		want        string
		contentType string
		ext         string
	)
	switch format {
	case "png":
		want, contentType, ext = "image/png", "image/png", "png"
	case "jpg", "jpeg":
		want, contentType, ext = "image/jpeg", "image/jpeg", "jpg"
	default:
		return Encoded{}, fmt.Errorf("unsupported output format %q", format)
	}

	if mimetype.Detect(data).Is(want) {
		return Encoded{Data: data, ContentType: contentType, Extension: ext}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Encoded{}, fmt.Errorf("decode image: %w", err)
	}
	var buf bytes.Buffer
	if ext == "png" {
		err = png.Encode(&buf, img)
	} else {
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: JPEGQuality})
	}
	if err != nil {
		return Encoded{}, fmt.Errorf("encode %s: %w", ext, err)
	}
	return Encoded{Data: buf.Bytes(), ContentType: contentType, Extension: ext}, nil
}
