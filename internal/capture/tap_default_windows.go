//go:build windows

package capture

import "github.com/breeze-rmm/livecapture/internal/ffmpeg"

// NewSystemTap returns a WASAPI loopback tap on the default render device,
// or a DirectShow capture of device when one is named.
func NewSystemTap(bin ffmpeg.Binary, device string) Tap {
	if device != "" {
		return NewFFmpegTap(bin, "dshow", "audio="+device)
	}
	return newWASAPITap()
}
