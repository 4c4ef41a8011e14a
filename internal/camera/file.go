package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/breeze-rmm/livecapture/internal/media"
)

// FileCamera "captures" an existing image file. JPEG, PNG, GIF, BMP, TIFF
// and WebP are decoded; the original bytes become the photo resource.
type FileCamera struct {
	Path string
}

func (c FileCamera) CapturePhoto(ctx context.Context) (media.StillFrame, error) {
	if err := ctx.Err(); err != nil {
		return media.StillFrame{}, err
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return media.StillFrame{}, fmt.Errorf("%w: %s", media.ErrSourceMissing, c.Path)
		}
		return media.StillFrame{}, fmt.Errorf("%w: read %s: %v", media.ErrPermissionDenied, c.Path, err)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return media.StillFrame{}, fmt.Errorf("%w: decode %s: %v", media.ErrSourceMissing, c.Path, err)
	}
	return media.StillFrame{Image: img, Encoded: data, Format: format}, nil
}
