// Package media holds the data model shared by the capture, mux and
// orchestration packages: track formats, sample buffers, the still frame
// input and the clip results each stage hands to the next.
package media

import (
	"fmt"
	"time"
)

type AudioCodec string

const (
	AudioCodecAAC AudioCodec = "aac"
)

type VideoCodec string

const (
	VideoCodecH264 VideoCodec = "h264"
)

const (
	DefaultSampleRate      = 44_100
	DefaultChannels        = 2
	DefaultAudioBitrate    = 192_000
	DefaultFrameRate       = 30
	DefaultCaptureDuration = 3 * time.Second

	// bytesPerPCMSample is the width of one s16le sample on the raw audio path.
	bytesPerPCMSample = 2
)

// AudioFormat describes an encoded audio track and the raw s16le PCM that
// feeds it.
type AudioFormat struct {
	Codec      AudioCodec
	SampleRate int
	Channels   int
	Bitrate    int
}

// DefaultAudioFormat returns the fixed capture constants: AAC, 44.1 kHz,
// stereo, 192 kbps.
func DefaultAudioFormat() AudioFormat {
	return AudioFormat{
		Codec:      AudioCodecAAC,
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		Bitrate:    DefaultAudioBitrate,
	}
}

// BytesPerFrame is the size of one interleaved PCM frame (all channels).
func (f AudioFormat) BytesPerFrame() int {
	return f.Channels * bytesPerPCMSample
}

// FramesDuration converts a PCM frame count to a duration at this sample rate.
func (f AudioFormat) FramesDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(frames) * int64(time.Second) / int64(f.SampleRate))
}

// DurationFrames converts a duration to a PCM frame count, rounding to the
// nearest frame so it inverts FramesDuration exactly.
func (f AudioFormat) DurationFrames(d time.Duration) int {
	if d <= 0 || f.SampleRate <= 0 {
		return 0
	}
	return int((int64(d)*int64(f.SampleRate) + int64(time.Second)/2) / int64(time.Second))
}

func (f AudioFormat) Validate() error {
	if f.Codec != AudioCodecAAC {
		return fmt.Errorf("unsupported audio codec %q", f.Codec)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Bitrate <= 0 {
		return fmt.Errorf("invalid audio format %dHz/%dch/%dbps", f.SampleRate, f.Channels, f.Bitrate)
	}
	return nil
}

// VideoFormat describes a constant-frame-rate video track.
type VideoFormat struct {
	Codec  VideoCodec
	Width  int
	Height int
	FPS    int
}

// FrameDuration is the presentation interval between consecutive frames.
func (f VideoFormat) FrameDuration() time.Duration {
	if f.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(f.FPS)
}

// NV12Size is the byte length of one raw NV12 frame at this resolution.
func (f VideoFormat) NV12Size() int {
	return f.Width*f.Height + f.Width*f.Height/2
}

func (f VideoFormat) Validate() error {
	if f.Codec != VideoCodecH264 {
		return fmt.Errorf("unsupported video codec %q", f.Codec)
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid video dimensions %dx%d", f.Width, f.Height)
	}
	// 4:2:0 chroma subsampling needs even dimensions.
	if f.Width%2 != 0 || f.Height%2 != 0 {
		return fmt.Errorf("video dimensions %dx%d must be even", f.Width, f.Height)
	}
	if f.FPS <= 0 {
		return fmt.Errorf("invalid frame rate %d", f.FPS)
	}
	return nil
}

// FrameCount returns floor(d * fps), the number of frames a constant-rate
// track of duration d holds.
func FrameCount(d time.Duration, fps int) int {
	if d <= 0 || fps <= 0 {
		return 0
	}
	return int(int64(d) * int64(fps) / int64(time.Second))
}

// FramePTS returns the presentation timestamp i/fps of frame i.
func FramePTS(i, fps int) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(int64(i) * int64(time.Second) / int64(fps))
}
