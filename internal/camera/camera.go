// Package camera supplies the still photo of a live capture. Any source that
// yields a decoded image plus its encoded bytes can act as the camera.
package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"github.com/breeze-rmm/livecapture/internal/media"
)

// Camera produces one still per call.
type Camera interface {
	CapturePhoto(ctx context.Context) (media.StillFrame, error)
}

const defaultJPEGQuality = 90

// EncodeJPEG encodes img as JPEG with the given quality, clamped to 1-100.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 {
		quality = 1
	}
	if quality > 100 {
		quality = 100
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
