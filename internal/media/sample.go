package media

import (
	"errors"
	"image"
	"os"
	"time"
)

// SourceKind tags where a sample buffer came from. Taps may deliver several
// kinds on one callback; only SourceAppAudio is recorded.
type SourceKind int

const (
	SourceUnknown SourceKind = iota
	SourceAppAudio
	SourceMicAudio
	SourceVideo
)

func (k SourceKind) String() string {
	switch k {
	case SourceAppAudio:
		return "app-audio"
	case SourceMicAudio:
		return "mic-audio"
	case SourceVideo:
		return "video"
	default:
		return "unknown"
	}
}

// SampleBuffer is one timestamped chunk of raw media. For audio, Data is
// interleaved s16le PCM and Frames the number of PCM frames it holds. For
// video, Data is one raw frame and Frames is 1.
type SampleBuffer struct {
	Kind   SourceKind
	PTS    time.Duration
	Data   []byte
	Frames int
}

// StillFrame is the decoded photo handed over by the camera collaborator.
// Encoded holds the original file bytes (the photo resource of the pair).
type StillFrame struct {
	Image   image.Image
	Encoded []byte
	Format  string
}

// Width returns the pixel width of the still, or 0 when no image is present.
func (s StillFrame) Width() int {
	if s.Image == nil {
		return 0
	}
	return s.Image.Bounds().Dx()
}

// Height returns the pixel height of the still, or 0 when no image is present.
func (s StillFrame) Height() int {
	if s.Image == nil {
		return 0
	}
	return s.Image.Bounds().Dy()
}

// Empty reports whether the still has no decodable pixel data.
func (s StillFrame) Empty() bool {
	return s.Width() <= 0 || s.Height() <= 0
}

// EncodedAudioClip is the finished output of an audio capture session.
type EncodedAudioClip struct {
	ID       string
	Path     string
	Format   AudioFormat
	Samples  int
	Duration time.Duration
	OK       bool
}

// Valid reports whether the clip points at a finalized file holding at least
// one sample.
func (c EncodedAudioClip) Valid() bool {
	return c.OK && c.Samples > 0 && c.Path != ""
}

// Remove deletes the clip's file. Removing an absent file is not an error.
func (c EncodedAudioClip) Remove() error {
	return removeIfExists(c.Path)
}

// SynthesizedClip is the combined still+audio container produced by the muxer.
type SynthesizedClip struct {
	ID           string
	Path         string
	Video        VideoFormat
	Frames       int
	HasAudio     bool
	AudioSamples int
	DroppedAudio int
	Duration     time.Duration
}

// Remove deletes the clip's file. Removing an absent file is not an error.
func (c SynthesizedClip) Remove() error {
	return removeIfExists(c.Path)
}

func removeIfExists(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
