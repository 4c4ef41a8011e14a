// Package mux turns a still photo and a captured audio clip into the motion
// component of a live photo: a constant-rate H.264 track repeating the still
// plus the audio re-encoded to AAC, both starting at time zero.
package mux

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/breeze-rmm/livecapture/internal/assetwriter"
	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

var log = logging.L("mux")

const defaultAppendTimeout = 250 * time.Millisecond

// Muxer synthesizes live photo clips. The zero value is not usable; Backend,
// Reader and Dir must be set.
type Muxer struct {
	Backend assetwriter.Backend
	Reader  AudioReader
	Dir     string

	// Audio is the output audio format. Zero means media.DefaultAudioFormat.
	Audio media.AudioFormat
	// RequireAudio turns a missing or unreadable audio clip into
	// media.ErrSourceMissing instead of a video-only clip.
	RequireAudio bool
	// AppendTimeout bounds how long one audio buffer may wait for its track.
	// A buffer not accepted in time is dropped.
	AppendTimeout time.Duration
	MinFreeBytes  uint64
}

// Synthesize writes livephoto_<id>.mov in Dir holding FrameCount(duration)
// copies of still and the audio of clip.
func (m *Muxer) Synthesize(ctx context.Context, still media.StillFrame, clip media.EncodedAudioClip, duration time.Duration) (media.SynthesizedClip, error) {
	if still.Empty() {
		return media.SynthesizedClip{}, fmt.Errorf("%w: still has no pixel data", media.ErrSourceMissing)
	}
	video := media.VideoFormat{
		Codec:  media.VideoCodecH264,
		Width:  still.Width() &^ 1,
		Height: still.Height() &^ 1,
		FPS:    media.DefaultFrameRate,
	}
	if video.Width == 0 || video.Height == 0 {
		return media.SynthesizedClip{}, fmt.Errorf("%w: %dx%d still is too small for a 4:2:0 video track", media.ErrAllocation, still.Width(), still.Height())
	}
	if duration <= 0 {
		duration = media.DefaultCaptureDuration
	}
	audioFormat := m.Audio
	if audioFormat == (media.AudioFormat{}) {
		audioFormat = media.DefaultAudioFormat()
	}

	id := uuid.NewString()
	mlog := logging.WithSession(log, id)

	stream, err := m.openAudio(ctx, clip, audioFormat)
	if err != nil {
		stream = nil
		if m.RequireAudio {
			return media.SynthesizedClip{}, err
		}
		mlog.Warn("continuing without audio", logging.KeyError, err.Error())
	}
	if stream != nil {
		defer stream.Close()
	}

	path := filepath.Join(m.Dir, "livephoto_"+id+".mov")
	w, err := assetwriter.New(path, assetwriter.FileTypeMOV, assetwriter.Options{
		Backend:      m.Backend,
		MinFreeBytes: m.MinFreeBytes,
	})
	if err != nil {
		return media.SynthesizedClip{}, err
	}
	vin, err := w.AddVideoInput(video)
	if err != nil {
		return media.SynthesizedClip{}, err
	}
	adaptor, err := assetwriter.NewPixelBufferAdaptor(vin)
	if err != nil {
		return media.SynthesizedClip{}, fmt.Errorf("%w: %v", media.ErrAllocation, err)
	}
	var ain *assetwriter.Input
	if stream != nil {
		if ain, err = w.AddAudioInput(audioFormat); err != nil {
			return media.SynthesizedClip{}, err
		}
	}
	if err := w.StartWriting(ctx); err != nil {
		return media.SynthesizedClip{}, err
	}
	w.StartSession(0)

	frames := media.FrameCount(duration, video.FPS)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer vin.MarkFinished()
		return writeStill(gctx, adaptor, still.Image, frames, video.FPS)
	})
	if ain != nil {
		g.Go(func() error {
			defer ain.MarkFinished()
			return m.copyAudio(gctx, ain, stream, audioFormat, media.FramePTS(frames, video.FPS), mlog)
		})
	}
	if err := g.Wait(); err != nil {
		w.Cancel()
		return media.SynthesizedClip{}, fmt.Errorf("write tracks: %w", err)
	}

	status, err := w.Finish(ctx)
	if err != nil {
		return media.SynthesizedClip{}, err
	}
	if status != assetwriter.StatusCompleted {
		return media.SynthesizedClip{}, fmt.Errorf("%w: writer ended %s", media.ErrFinalize, status)
	}

	vs := vin.Stats()
	out := media.SynthesizedClip{
		ID:       id,
		Path:     w.Path(),
		Video:    video,
		Frames:   vs.Frames,
		Duration: media.FramePTS(vs.Frames, video.FPS),
	}
	if ain != nil {
		as := ain.Stats()
		out.HasAudio = as.Frames > 0
		out.AudioSamples = as.Frames
		out.DroppedAudio = as.Dropped
	}
	mlog.Info("live photo synthesized",
		logging.KeyPath, out.Path,
		"width", video.Width,
		"height", video.Height,
		"frames", out.Frames,
		"audioSamples", out.AudioSamples,
		"droppedAudio", out.DroppedAudio,
	)
	return out, nil
}

func (m *Muxer) openAudio(ctx context.Context, clip media.EncodedAudioClip, f media.AudioFormat) (AudioStream, error) {
	if !clip.Valid() {
		return nil, fmt.Errorf("%w: no captured audio", media.ErrSourceMissing)
	}
	if m.Reader == nil {
		return nil, fmt.Errorf("%w: no audio reader", media.ErrSourceMissing)
	}
	return m.Reader.Open(ctx, clip, f)
}

// writeStill rasterizes img into a fresh pixel buffer for every frame. Frames
// larger than the track are cropped at the right and bottom edges.
func writeStill(ctx context.Context, adaptor *assetwriter.PixelBufferAdaptor, img image.Image, frames, fps int) error {
	for i := 0; i < frames; i++ {
		buf := adaptor.PixelBuffer()
		draw.Draw(buf, buf.Bounds(), img, img.Bounds().Min, draw.Src)
		if err := adaptor.Append(ctx, buf, media.FramePTS(i, fps)); err != nil {
			return fmt.Errorf("video frame %d: %w", i, err)
		}
	}
	return nil
}

// copyAudio appends the clip in file order up to end, trimming the buffer
// that straddles it. Read errors end the audio track early but keep what was
// written; only cancellation fails the clip.
func (m *Muxer) copyAudio(ctx context.Context, in *assetwriter.Input, stream AudioStream, f media.AudioFormat, end time.Duration, mlog *slog.Logger) error {
	timeout := m.AppendTimeout
	if timeout <= 0 {
		timeout = defaultAppendTimeout
	}
	bpf := f.BytesPerFrame()
	limit := f.DurationFrames(end)
	for {
		buf, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mlog.Warn("audio read ended early", logging.KeyError, err.Error())
			return nil
		}

		keep := limit - f.DurationFrames(buf.PTS)
		if keep <= 0 {
			mlog.Debug("audio trimmed to clip length", "end", end)
			return nil
		}
		n := buf.Frames
		if n <= 0 {
			n = len(buf.Data) / bpf
		}
		last := keep <= n
		if keep < n {
			buf.Data = buf.Data[:keep*bpf]
			buf.Frames = keep
		}

		actx, cancel := context.WithTimeout(ctx, timeout)
		err = in.Append(actx, buf)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			mlog.Debug("audio buffer dropped", "pts", buf.PTS, logging.KeyError, err.Error())
		}
		if last {
			return nil
		}
	}
}
