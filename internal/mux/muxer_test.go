package mux

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/breeze-rmm/livecapture/internal/assetwriter"
	"github.com/breeze-rmm/livecapture/internal/assetwriter/writertest"
	"github.com/breeze-rmm/livecapture/internal/media"
)

type fakeStream struct {
	bufs   []media.SampleBuffer
	err    error
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (media.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return media.SampleBuffer{}, err
	}
	if len(s.bufs) == 0 {
		if s.err != nil {
			return media.SampleBuffer{}, s.err
		}
		return media.SampleBuffer{}, io.EOF
	}
	b := s.bufs[0]
	s.bufs = s.bufs[1:]
	return b, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeReader struct {
	stream  *fakeStream
	openErr error
	opened  int
}

func (r *fakeReader) Open(context.Context, media.EncodedAudioClip, media.AudioFormat) (AudioStream, error) {
	r.opened++
	if r.openErr != nil {
		return nil, r.openErr
	}
	return r.stream, nil
}

func pcmBuffers(n int) []media.SampleBuffer {
	f := media.DefaultAudioFormat()
	out := make([]media.SampleBuffer, n)
	for i := range out {
		out[i] = media.SampleBuffer{
			Kind:   media.SourceAppAudio,
			PTS:    f.FramesDuration(i * readBufferFrames),
			Data:   make([]byte, readBufferFrames*f.BytesPerFrame()),
			Frames: readBufferFrames,
		}
	}
	return out
}

func capturedClip() media.EncodedAudioClip {
	return media.EncodedAudioClip{ID: "a", Path: "cap_a.m4a", Format: media.DefaultAudioFormat(), Samples: 3 * readBufferFrames, OK: true}
}

func gradientStill(w, h int) media.StillFrame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: 255})
		}
	}
	return media.StillFrame{Image: img, Format: "png"}
}

func newMuxer(t *testing.T, backend *writertest.Backend, reader AudioReader) *Muxer {
	t.Helper()
	return &Muxer{Backend: backend, Reader: reader, Dir: t.TempDir()}
}

// expectedFrameHash is the NV12 hash of still cropped to w x h.
func expectedFrameHash(still media.StillFrame, w, h int) [sha256.Size]byte {
	crop := image.NewRGBA(image.Rect(0, 0, w, h))
	src := still.Image.(*image.RGBA)
	for y := 0; y < h; y++ {
		copy(crop.Pix[y*crop.Stride:y*crop.Stride+w*4], src.Pix[y*src.Stride:y*src.Stride+w*4])
	}
	return sha256.Sum256(assetwriter.NV12(crop))
}

func TestSynthesizeFullHDThreeSeconds(t *testing.T) {
	backend := &writertest.Backend{}
	reader := &fakeReader{stream: &fakeStream{bufs: pcmBuffers(3)}}
	m := newMuxer(t, backend, reader)
	still := gradientStill(1920, 1080)

	clip, err := m.Synthesize(context.Background(), still, capturedClip(), 3*time.Second)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.Frames != 90 {
		t.Fatalf("Frames = %d, want 90", clip.Frames)
	}
	if d := clip.Duration - 3*time.Second; d < -clip.Video.FrameDuration() || d > clip.Video.FrameDuration() {
		t.Fatalf("Duration = %v, want 3s within one frame", clip.Duration)
	}
	if clip.Video.Width != 1920 || clip.Video.Height != 1080 || clip.Video.FPS != 30 {
		t.Fatalf("Video = %+v", clip.Video)
	}
	if !clip.HasAudio || clip.AudioSamples != 3*readBufferFrames || clip.DroppedAudio != 0 {
		t.Fatalf("audio = has %v samples %d dropped %d", clip.HasAudio, clip.AudioSamples, clip.DroppedAudio)
	}
	if !strings.HasPrefix(filepath.Base(clip.Path), "livephoto_") || filepath.Ext(clip.Path) != ".mov" {
		t.Fatalf("Path = %q", clip.Path)
	}
	if _, err := os.Stat(clip.Path); err != nil {
		t.Fatalf("clip file: %v", err)
	}
	if !reader.stream.closed {
		t.Fatal("audio stream not closed")
	}

	rec, _ := backend.Last()
	if rec.FileType != assetwriter.FileTypeMOV || len(rec.Tracks) != 2 {
		t.Fatalf("recording = %v with %d tracks", rec.FileType, len(rec.Tracks))
	}
	want := expectedFrameHash(still, 1920, 1080)
	for i, s := range rec.Samples[0] {
		if s.PTS != media.FramePTS(i, 30) {
			t.Fatalf("frame %d PTS = %v, want %v", i, s.PTS, media.FramePTS(i, 30))
		}
		if s.Hash != want {
			t.Fatalf("frame %d differs from the still", i)
		}
	}
	if got := rec.Bytes(1); got != 3*readBufferFrames*media.DefaultAudioFormat().BytesPerFrame() {
		t.Fatalf("audio bytes = %d", got)
	}
}

func TestSynthesizeOddDimensionsCropped(t *testing.T) {
	backend := &writertest.Backend{}
	m := newMuxer(t, backend, &fakeReader{stream: &fakeStream{bufs: pcmBuffers(1)}})
	still := gradientStill(7, 5)

	clip, err := m.Synthesize(context.Background(), still, capturedClip(), time.Second)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.Video.Width != 6 || clip.Video.Height != 4 {
		t.Fatalf("dimensions = %dx%d, want 6x4", clip.Video.Width, clip.Video.Height)
	}
	rec, _ := backend.Last()
	want := expectedFrameHash(still, 6, 4)
	if len(rec.Samples[0]) != 30 {
		t.Fatalf("frames = %d, want 30", len(rec.Samples[0]))
	}
	for i, s := range rec.Samples[0] {
		if s.Hash != want {
			t.Fatalf("frame %d differs from the cropped still", i)
		}
	}
}

func TestSynthesizeEmptyStillCreatesNothing(t *testing.T) {
	for name, still := range map[string]media.StillFrame{
		"nil image": {},
		"0x0":       {Image: image.NewRGBA(image.Rect(0, 0, 0, 0))},
	} {
		t.Run(name, func(t *testing.T) {
			backend := &writertest.Backend{}
			reader := &fakeReader{stream: &fakeStream{}}
			m := newMuxer(t, backend, reader)

			_, err := m.Synthesize(context.Background(), still, capturedClip(), time.Second)
			if !errors.Is(err, media.ErrSourceMissing) {
				t.Fatalf("err = %v, want ErrSourceMissing", err)
			}
			if backend.Opened() != 0 || reader.opened != 0 {
				t.Fatalf("opened writer %d, reader %d; want none", backend.Opened(), reader.opened)
			}
			entries, _ := os.ReadDir(m.Dir)
			if len(entries) != 0 {
				t.Fatalf("files created: %v", entries)
			}
		})
	}
}

func TestSynthesizeOnePixelStillCannotAllocate(t *testing.T) {
	for name, still := range map[string]media.StillFrame{
		"1x1":   gradientStill(1, 1),
		"1x480": gradientStill(1, 480),
		"640x1": gradientStill(640, 1),
	} {
		t.Run(name, func(t *testing.T) {
			backend := &writertest.Backend{}
			reader := &fakeReader{stream: &fakeStream{}}
			m := newMuxer(t, backend, reader)

			_, err := m.Synthesize(context.Background(), still, capturedClip(), time.Second)
			if !errors.Is(err, media.ErrAllocation) {
				t.Fatalf("err = %v, want ErrAllocation", err)
			}
			if backend.Opened() != 0 || reader.opened != 0 {
				t.Fatalf("opened writer %d, reader %d; want none", backend.Opened(), reader.opened)
			}
		})
	}
}

func TestSynthesizeTrimsAudioToClipLength(t *testing.T) {
	backend := &writertest.Backend{}
	// 431 buffers is just over ten seconds at 44.1 kHz.
	reader := &fakeReader{stream: &fakeStream{bufs: pcmBuffers(431)}}
	m := newMuxer(t, backend, reader)
	f := media.DefaultAudioFormat()

	clip, err := m.Synthesize(context.Background(), gradientStill(64, 48), capturedClip(), 3*time.Second)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.Frames != 90 || clip.Duration != 3*time.Second {
		t.Fatalf("video = %d frames over %v", clip.Frames, clip.Duration)
	}
	wantFrames := f.DurationFrames(clip.Duration)
	if clip.AudioSamples != wantFrames {
		t.Fatalf("AudioSamples = %d, want %d", clip.AudioSamples, wantFrames)
	}
	rec, _ := backend.Last()
	if got := rec.Bytes(1); got != wantFrames*f.BytesPerFrame() {
		t.Fatalf("audio bytes = %d, want %d", got, wantFrames*f.BytesPerFrame())
	}
	if end := f.FramesDuration(clip.AudioSamples); end > clip.Duration {
		t.Fatalf("audio track ends at %v, after the %v clip", end, clip.Duration)
	}
	if !reader.stream.closed {
		t.Fatal("audio stream not closed")
	}
}

func TestSynthesizeWithoutAudioDegrades(t *testing.T) {
	cases := map[string]struct {
		clip   media.EncodedAudioClip
		reader *fakeReader
	}{
		"no clip":      {media.EncodedAudioClip{}, &fakeReader{stream: &fakeStream{}}},
		"unreadable":   {capturedClip(), &fakeReader{openErr: media.ErrSourceMissing}},
		"zero samples": {media.EncodedAudioClip{Path: "x.m4a", OK: true}, &fakeReader{stream: &fakeStream{}}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			backend := &writertest.Backend{}
			m := newMuxer(t, backend, tc.reader)

			clip, err := m.Synthesize(context.Background(), gradientStill(8, 8), tc.clip, time.Second)
			if err != nil {
				t.Fatalf("Synthesize: %v", err)
			}
			if clip.HasAudio || clip.AudioSamples != 0 {
				t.Fatalf("clip reports audio: %+v", clip)
			}
			rec, _ := backend.Last()
			if len(rec.Tracks) != 1 || rec.Tracks[0].Kind != assetwriter.TrackVideo {
				t.Fatalf("tracks = %+v, want video only", rec.Tracks)
			}
			if clip.Frames != 30 {
				t.Fatalf("Frames = %d", clip.Frames)
			}
		})
	}
}

func TestSynthesizeRequireAudio(t *testing.T) {
	backend := &writertest.Backend{}
	m := newMuxer(t, backend, &fakeReader{openErr: media.ErrSourceMissing})
	m.RequireAudio = true

	_, err := m.Synthesize(context.Background(), gradientStill(8, 8), capturedClip(), time.Second)
	if !errors.Is(err, media.ErrSourceMissing) {
		t.Fatalf("err = %v, want ErrSourceMissing", err)
	}
	if backend.Opened() != 0 {
		t.Fatal("writer opened despite missing audio")
	}
}

func TestSynthesizeAudioReadErrorKeepsClip(t *testing.T) {
	backend := &writertest.Backend{}
	stream := &fakeStream{bufs: pcmBuffers(2), err: errors.New("decoder crashed")}
	m := newMuxer(t, backend, &fakeReader{stream: stream})

	clip, err := m.Synthesize(context.Background(), gradientStill(8, 8), capturedClip(), time.Second)
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !clip.HasAudio || clip.AudioSamples != 2*readBufferFrames {
		t.Fatalf("audio samples = %d", clip.AudioSamples)
	}
}

func TestSynthesizeFinalizeFailure(t *testing.T) {
	backend := &writertest.Backend{WaitErr: errors.New("moov atom not written")}
	m := newMuxer(t, backend, &fakeReader{stream: &fakeStream{bufs: pcmBuffers(1)}})

	_, err := m.Synthesize(context.Background(), gradientStill(8, 8), capturedClip(), time.Second)
	if !errors.Is(err, media.ErrFinalize) {
		t.Fatalf("err = %v, want ErrFinalize", err)
	}
	entries, _ := os.ReadDir(m.Dir)
	if len(entries) != 0 {
		t.Fatalf("output offered after failed finalize: %v", entries)
	}
}

func TestSynthesizeCancelled(t *testing.T) {
	backend := &writertest.Backend{}
	m := newMuxer(t, backend, &fakeReader{stream: &fakeStream{bufs: pcmBuffers(1)}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Synthesize(ctx, gradientStill(8, 8), capturedClip(), time.Second); err == nil {
		t.Fatal("Synthesize succeeded with a cancelled context")
	}
	entries, _ := os.ReadDir(m.Dir)
	if len(entries) != 0 {
		t.Fatalf("files left behind: %v", entries)
	}
}

func TestReadPCMTrimsPartialTail(t *testing.T) {
	f := media.DefaultAudioFormat()
	bpf := f.BytesPerFrame()
	data := bytes.Repeat([]byte{1}, (readBufferFrames+10)*bpf+3)
	r := bytes.NewReader(data)
	var frames int

	first, err := readPCM(r, f, &frames)
	if err != nil || first.Frames != readBufferFrames || first.PTS != 0 {
		t.Fatalf("first = %d frames at %v, %v", first.Frames, first.PTS, err)
	}
	tail, err := readPCM(r, f, &frames)
	if err != nil || tail.Frames != 10 || len(tail.Data) != 10*bpf {
		t.Fatalf("tail = %d frames, %v", tail.Frames, err)
	}
	if tail.PTS != f.FramesDuration(readBufferFrames) {
		t.Fatalf("tail PTS = %v", tail.PTS)
	}
	if _, err := readPCM(r, f, &frames); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}
