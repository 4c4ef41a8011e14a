package assetwriter

import (
	"context"
	"fmt"
	"time"

	"github.com/breeze-rmm/livecapture/internal/media"
)

// FileType selects the output container.
type FileType string

const (
	FileTypeM4A FileType = "m4a"
	FileTypeMOV FileType = "mov"
)

func (t FileType) valid() bool {
	return t == FileTypeM4A || t == FileTypeMOV
}

// TrackKind distinguishes the raw payload a track carries.
type TrackKind int

const (
	TrackVideo TrackKind = iota + 1
	TrackAudio
)

func (k TrackKind) String() string {
	switch k {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	default:
		return fmt.Sprintf("TrackKind(%d)", int(k))
	}
}

// TrackSpec is the format of one input track. Video tracks carry raw NV12
// frames, audio tracks interleaved s16le PCM.
type TrackSpec struct {
	Kind  TrackKind
	Video media.VideoFormat
	Audio media.AudioFormat
}

// Backend encodes and muxes raw tracks into a container file.
type Backend interface {
	// Open prepares an encoder writing to path. Sinks are returned in the
	// order of tracks.
	Open(ctx context.Context, path string, fileType FileType, tracks []TrackSpec) (Session, error)
}

// Session is one open encode.
type Session interface {
	Sinks() []TrackSink
	// Wait blocks until the encoder has flushed the container after every
	// sink was closed.
	Wait() error
	// Abort stops the encoder without finalizing.
	Abort()
}

// TrackSink receives the raw samples of one track in presentation order.
type TrackSink interface {
	WriteSample(pts time.Duration, payload []byte) error
	Close() error
}
