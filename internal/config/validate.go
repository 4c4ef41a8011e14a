package config

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

var log = logging.L("config")

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// ValidationResult separates errors that must stop startup from values that
// were corrected in place.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// AllErrors returns fatals followed by warnings.
func (r ValidationResult) AllErrors() []error {
	all := make([]error, 0, len(r.Fatals)+len(r.Warnings))
	all = append(all, r.Fatals...)
	return append(all, r.Warnings...)
}

// Err joins the fatals, or returns nil when there are none.
func (r ValidationResult) Err() error {
	return errors.Join(r.Fatals...)
}

// ValidateTiered checks the config. Encoding constants that the pipeline
// cannot vary are reset to their fixed values with a warning, numeric knobs
// are clamped, and only values that would make a run meaningless are fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult
	warn := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, fmt.Errorf(format, args...))
	}

	if c.CaptureSeconds <= 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("capture_seconds %v must be positive", c.CaptureSeconds))
	} else if c.CaptureSeconds > 60 {
		warn("capture_seconds %v exceeds maximum 60, clamping", c.CaptureSeconds)
		c.CaptureSeconds = 60
	}

	if c.FrameRate != media.DefaultFrameRate {
		warn("frame_rate %d is fixed at %d, resetting", c.FrameRate, media.DefaultFrameRate)
		c.FrameRate = media.DefaultFrameRate
	}
	if c.AudioSampleRate != media.DefaultSampleRate {
		warn("audio_sample_rate %d is fixed at %d, resetting", c.AudioSampleRate, media.DefaultSampleRate)
		c.AudioSampleRate = media.DefaultSampleRate
	}
	if c.AudioChannels != media.DefaultChannels {
		warn("audio_channels %d is fixed at %d, resetting", c.AudioChannels, media.DefaultChannels)
		c.AudioChannels = media.DefaultChannels
	}
	if c.AudioBitrate != media.DefaultAudioBitrate {
		warn("audio_bitrate %d is fixed at %d, resetting", c.AudioBitrate, media.DefaultAudioBitrate)
		c.AudioBitrate = media.DefaultAudioBitrate
	}
	if !strings.EqualFold(c.VideoCodec, string(media.VideoCodecH264)) {
		warn("video_codec %q is not supported, resetting to %s", c.VideoCodec, media.VideoCodecH264)
	}
	c.VideoCodec = string(media.VideoCodecH264)

	if c.MinFreeSpaceMB < 0 {
		r.Fatals = append(r.Fatals, fmt.Errorf("min_free_space_mb %d must not be negative", c.MinFreeSpaceMB))
	}

	if c.AppendTimeoutMs < 10 {
		warn("append_timeout_ms %d is below minimum 10, clamping", c.AppendTimeoutMs)
		c.AppendTimeoutMs = 10
	} else if c.AppendTimeoutMs > 5000 {
		warn("append_timeout_ms %d exceeds maximum 5000, clamping", c.AppendTimeoutMs)
		c.AppendTimeoutMs = 5000
	}

	if c.MuxWorkers < 1 {
		warn("mux_workers %d is below minimum 1, clamping", c.MuxWorkers)
		c.MuxWorkers = 1
	} else if c.MuxWorkers > 8 {
		warn("mux_workers %d exceeds maximum 8, clamping", c.MuxWorkers)
		c.MuxWorkers = 8
	}

	if c.ScreenDisplay < 0 {
		warn("screen_display %d is negative, using display 0", c.ScreenDisplay)
		c.ScreenDisplay = 0
	}

	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		warn("jpeg_quality %d is outside 1-100, using 90", c.JPEGQuality)
		c.JPEGQuality = 90
	}

	for name, value := range map[string]string{
		"temp_dir":     c.TempDir,
		"library_dir":  c.LibraryDir,
		"ffmpeg_path":  c.FFmpegPath,
		"ffprobe_path": c.FFprobePath,
		"audio_device": c.AudioDevice,
		"log_file":     c.LogFile,
	} {
		if hasControlChars(value) {
			r.Fatals = append(r.Fatals, fmt.Errorf("%s contains control characters", name))
		}
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("ffmpeg_path must not be empty"))
	}
	if strings.TrimSpace(c.FFprobePath) == "" {
		r.Fatals = append(r.Fatals, fmt.Errorf("ffprobe_path must not be empty"))
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		warn("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		warn("log_format %q is not valid (use text or json)", c.LogFormat)
	}
	if c.LogMaxSizeMB < 1 {
		warn("log_max_size_mb %d is below minimum 1, clamping", c.LogMaxSizeMB)
		c.LogMaxSizeMB = 1
	}
	if c.LogMaxBackups < 1 {
		warn("log_max_backups %d is below minimum 1, clamping", c.LogMaxBackups)
		c.LogMaxBackups = 1
	}

	for _, err := range r.Warnings {
		log.Warn("config validation", "error", err)
	}
	return r
}

func hasControlChars(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}
