package assetwriter

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/breeze-rmm/livecapture/internal/ffmpeg"
	"github.com/breeze-rmm/livecapture/internal/media"
)

// FFmpegBackend encodes with one ffmpeg process per container. Each track is
// streamed raw over its own pipe: NV12 for video, s16le for audio. Video is
// encoded with libx264 and audio with AAC.
type FFmpegBackend struct {
	Binary ffmpeg.Binary
	// Preset is the libx264 speed preset. Empty means veryfast.
	Preset string
}

func NewFFmpegBackend(bin ffmpeg.Binary) *FFmpegBackend {
	return &FFmpegBackend{Binary: bin}
}

func (b *FFmpegBackend) Open(ctx context.Context, path string, fileType FileType, tracks []TrackSpec) (Session, error) {
	pipes, err := newTrackPipes(len(tracks))
	if err != nil {
		return nil, fmt.Errorf("track pipes: %w", err)
	}

	args := buildArgs(fileType, tracks, pipes.urls, path, b.Preset)
	cmd, stderr := b.Binary.Command(ctx, args...)
	pipes.attach(cmd)

	if err := cmd.Start(); err != nil {
		pipes.close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	pipes.started()

	s := &ffmpegSession{
		cmd:    cmd,
		stderr: stderr,
		pipes:  pipes,
		exited: make(chan struct{}),
	}
	for _, w := range pipes.writers {
		s.sinks = append(s.sinks, &pipeSink{w: w})
	}
	go s.reap()
	return s, nil
}

type ffmpegSession struct {
	cmd    *exec.Cmd
	stderr *ffmpeg.StderrBuffer
	pipes  *trackPipes
	sinks  []TrackSink

	exited  chan struct{}
	waitErr error

	abortOnce sync.Once
}

func (s *ffmpegSession) reap() {
	s.waitErr = s.cmd.Wait()
	close(s.exited)
}

func (s *ffmpegSession) Sinks() []TrackSink { return s.sinks }

func (s *ffmpegSession) Wait() error {
	<-s.exited
	s.pipes.close()
	return ffmpeg.WrapExitError("ffmpeg encode", s.waitErr, s.stderr)
}

func (s *ffmpegSession) Abort() {
	s.abortOnce.Do(func() {
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-s.exited
		s.pipes.close()
	})
}

// pipeSink streams raw payloads; the constant-rate raw demuxers derive
// timestamps from byte position, so pts is not transmitted.
type pipeSink struct {
	w io.WriteCloser
}

func (p *pipeSink) WriteSample(_ time.Duration, payload []byte) error {
	_, err := p.w.Write(payload)
	return err
}

func (p *pipeSink) Close() error {
	return p.w.Close()
}

// buildArgs assembles the ffmpeg argument list for the given tracks, reading
// track i from urls[i] and writing the container to output.
func buildArgs(fileType FileType, tracks []TrackSpec, urls []string, output, preset string) []string {
	if preset == "" {
		preset = "veryfast"
	}
	var args []string
	for i, t := range tracks {
		switch t.Kind {
		case TrackVideo:
			args = append(args,
				"-f", "rawvideo",
				"-pix_fmt", "nv12",
				"-video_size", fmt.Sprintf("%dx%d", t.Video.Width, t.Video.Height),
				"-framerate", strconv.Itoa(t.Video.FPS),
				"-i", urls[i],
			)
		case TrackAudio:
			args = append(args,
				"-f", "s16le",
				"-ar", strconv.Itoa(t.Audio.SampleRate),
				"-ac", strconv.Itoa(t.Audio.Channels),
				"-i", urls[i],
			)
		}
	}
	for i := range tracks {
		args = append(args, "-map", strconv.Itoa(i)+":0")
	}
	for _, t := range tracks {
		switch t.Kind {
		case TrackVideo:
			args = append(args,
				"-c:v", videoEncoder(t.Video.Codec),
				"-preset", preset,
				"-pix_fmt", "yuv420p",
				"-r", strconv.Itoa(t.Video.FPS),
			)
		case TrackAudio:
			args = append(args,
				"-c:a", "aac",
				"-b:a", strconv.Itoa(t.Audio.Bitrate),
				"-ar", strconv.Itoa(t.Audio.SampleRate),
				"-ac", strconv.Itoa(t.Audio.Channels),
			)
		}
	}
	switch fileType {
	case FileTypeM4A:
		args = append(args, "-f", "ipod")
	case FileTypeMOV:
		args = append(args, "-f", "mov", "-movflags", "+faststart")
	}
	return append(args, "-y", output)
}

func videoEncoder(c media.VideoCodec) string {
	switch c {
	case media.VideoCodecH264:
		return "libx264"
	default:
		return string(c)
	}
}
