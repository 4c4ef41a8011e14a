package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/breeze-rmm/livecapture/internal/ffmpeg"
	"github.com/breeze-rmm/livecapture/internal/media"
)

const readBufferFrames = 1024

// AudioStream yields decoded s16le buffers in file order. Next returns io.EOF
// after the last buffer.
type AudioStream interface {
	Next(ctx context.Context) (media.SampleBuffer, error)
	Close() error
}

// AudioReader opens a captured clip for re-encoding. A clip that is absent,
// unreadable or holds no audio track yields media.ErrSourceMissing.
type AudioReader interface {
	Open(ctx context.Context, clip media.EncodedAudioClip, f media.AudioFormat) (AudioStream, error)
}

// FFmpegAudioReader decodes clips with ffmpeg after confirming an audio
// stream with ffprobe.
type FFmpegAudioReader struct {
	Binary ffmpeg.Binary
}

func (r FFmpegAudioReader) Open(ctx context.Context, clip media.EncodedAudioClip, f media.AudioFormat) (AudioStream, error) {
	if _, err := os.Stat(clip.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrSourceMissing, err)
	}
	probe, err := r.Binary.Probe(ctx, clip.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrSourceMissing, err)
	}
	if !probe.HasAudio() {
		return nil, fmt.Errorf("%w: %s has no audio track", media.ErrSourceMissing, clip.Path)
	}

	decodeCtx, cancel := context.WithCancel(ctx)
	cmd, stderr := r.Binary.Command(decodeCtx,
		"-i", clip.Path,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(f.SampleRate),
		"-ac", strconv.Itoa(f.Channels),
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start decoder: %v", media.ErrSourceMissing, err)
	}
	return &ffmpegStream{
		format: f,
		out:    stdout,
		cancel: cancel,
		wait: func() error {
			return ffmpeg.WrapExitError("ffmpeg decode", cmd.Wait(), stderr)
		},
	}, nil
}

type ffmpegStream struct {
	format media.AudioFormat
	out    io.Reader
	cancel context.CancelFunc
	wait   func() error

	frames   int
	waitOnce sync.Once
	waitErr  error
}

// Next reports a decoder failure in place of io.EOF so a truncated decode is
// not mistaken for the end of the clip.
func (s *ffmpegStream) Next(ctx context.Context) (media.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return media.SampleBuffer{}, err
	}
	buf, err := readPCM(s.out, s.format, &s.frames)
	if errors.Is(err, io.EOF) {
		if werr := s.reap(); werr != nil {
			return media.SampleBuffer{}, werr
		}
	}
	return buf, err
}

func (s *ffmpegStream) reap() error {
	s.waitOnce.Do(func() { s.waitErr = s.wait() })
	return s.waitErr
}

// readPCM reads the next full buffer from r. A short tail is trimmed to
// whole frames; frames tracks the position used for timestamps.
func readPCM(r io.Reader, f media.AudioFormat, frames *int) (media.SampleBuffer, error) {
	bpf := f.BytesPerFrame()
	data := make([]byte, readBufferFrames*bpf)
	n, err := io.ReadFull(r, data)
	switch {
	case errors.Is(err, io.EOF):
		return media.SampleBuffer{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		n -= n % bpf
		if n == 0 {
			return media.SampleBuffer{}, io.EOF
		}
	case err != nil:
		return media.SampleBuffer{}, err
	}
	buf := media.SampleBuffer{
		Kind:   media.SourceAppAudio,
		PTS:    f.FramesDuration(*frames),
		Data:   data[:n],
		Frames: n / bpf,
	}
	*frames += buf.Frames
	return buf, nil
}

// Close stops the decoder. Its exit status is only of interest through Next.
func (s *ffmpegStream) Close() error {
	s.cancel()
	_, _ = io.Copy(io.Discard, s.out)
	_ = s.reap()
	return nil
}
