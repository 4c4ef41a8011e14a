//go:build !windows

package capture

import (
	"runtime"

	"github.com/breeze-rmm/livecapture/internal/ffmpeg"
)

// NewSystemTap returns the platform's app-audio tap: the PulseAudio monitor
// of the default sink on Linux, an avfoundation loopback device on macOS.
// device overrides the platform default.
func NewSystemTap(bin ffmpeg.Binary, device string) Tap {
	format, fallback := "pulse", "default.monitor"
	if runtime.GOOS == "darwin" {
		format, fallback = "avfoundation", ":0"
	}
	if device == "" {
		device = fallback
	}
	return NewFFmpegTap(bin, format, device)
}
