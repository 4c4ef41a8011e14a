package camera

import (
	"context"
	"fmt"

	"github.com/kbinani/screenshot"

	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

var log = logging.L("camera")

// ScreenCamera grabs a display as the still. The photo resource is JPEG.
type ScreenCamera struct {
	// Display is the display index, 0 being the primary.
	Display int
	// Quality is the JPEG quality of the photo resource. Zero means 90.
	Quality int
}

func (c ScreenCamera) CapturePhoto(ctx context.Context) (media.StillFrame, error) {
	if err := ctx.Err(); err != nil {
		return media.StillFrame{}, err
	}
	total := screenshot.NumActiveDisplays()
	if total == 0 {
		return media.StillFrame{}, fmt.Errorf("%w: no active displays", media.ErrPermissionDenied)
	}
	if c.Display < 0 || c.Display >= total {
		return media.StillFrame{}, fmt.Errorf("%w: invalid display index %d (max %d)", media.ErrSourceMissing, c.Display, total-1)
	}
	bounds := screenshot.GetDisplayBounds(c.Display)
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return media.StillFrame{}, fmt.Errorf("%w: display %d has zero bounds", media.ErrSourceMissing, c.Display)
	}

	img, err := screenshot.CaptureRect(bounds)
	if err != nil {
		return media.StillFrame{}, fmt.Errorf("%w: capture display %d: %v", media.ErrPermissionDenied, c.Display, err)
	}
	quality := c.Quality
	if quality == 0 {
		quality = defaultJPEGQuality
	}
	encoded, err := EncodeJPEG(img, quality)
	if err != nil {
		return media.StillFrame{}, err
	}
	log.Debug("display captured", "display", c.Display, "width", bounds.Dx(), "height", bounds.Dy())
	return media.StillFrame{Image: img, Encoded: encoded, Format: "jpeg"}, nil
}
