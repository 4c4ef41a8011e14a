package assetwriter

import (
	"context"
	"fmt"
	"image"
	"time"
)

// PixelBufferAdaptor feeds RGBA rasters to a video input. Rasters and the
// NV12 frames they convert to are recycled through per-adaptor pools.
type PixelBufferAdaptor struct {
	input   *Input
	rasters rgbaPool
	frames  *framePool
}

// NewPixelBufferAdaptor wraps a video input.
func NewPixelBufferAdaptor(in *Input) (*PixelBufferAdaptor, error) {
	if in == nil || in.Kind() != TrackVideo {
		return nil, fmt.Errorf("pixel buffer adaptor needs a video input")
	}
	f := in.spec.Video
	return &PixelBufferAdaptor{
		input:   in,
		rasters: rgbaPool{rect: image.Rect(0, 0, f.Width, f.Height)},
		frames:  newFramePool(f.NV12Size()),
	}, nil
}

// PixelBuffer returns a raster sized to the track. Its contents are
// unspecified; callers overwrite every pixel.
func (a *PixelBufferAdaptor) PixelBuffer() *image.RGBA {
	return a.rasters.Get()
}

// Append converts img to NV12 and queues it at pts, waiting for queue room
// until ctx is done. img is returned to the pool and must not be used after
// the call.
func (a *PixelBufferAdaptor) Append(ctx context.Context, img *image.RGBA, pts time.Duration) error {
	f := a.input.spec.Video
	if img.Rect.Dx() != f.Width || img.Rect.Dy() != f.Height {
		a.rasters.Put(img)
		return fmt.Errorf("pixel buffer is %dx%d, track is %dx%d", img.Rect.Dx(), img.Rect.Dy(), f.Width, f.Height)
	}

	frame := a.frames.Get()
	rgbaToNV12(frame, img.Pix, f.Width, f.Height, img.Stride)
	a.rasters.Put(img)

	return a.input.appendSample(ctx, pts, frame, 1, func() { a.frames.Put(frame) }, true)
}
