package assetwriter_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/breeze-rmm/livecapture/internal/assetwriter"
	"github.com/breeze-rmm/livecapture/internal/assetwriter/writertest"
	"github.com/breeze-rmm/livecapture/internal/media"
)

const bufferFrames = 1024

func pcm(frames int) media.SampleBuffer {
	return media.SampleBuffer{
		Kind:   media.SourceAppAudio,
		Data:   make([]byte, frames*media.DefaultAudioFormat().BytesPerFrame()),
		Frames: frames,
	}
}

func audioAt(frameOffset, frames int) media.SampleBuffer {
	buf := pcm(frames)
	buf.PTS = media.DefaultAudioFormat().FramesDuration(frameOffset)
	return buf
}

func newAudioWriter(t *testing.T, backend *writertest.Backend, opts ...func(*assetwriter.Options)) (*assetwriter.Writer, *assetwriter.Input) {
	t.Helper()
	o := assetwriter.Options{Backend: backend}
	for _, fn := range opts {
		fn(&o)
	}
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "cap.m4a"), assetwriter.FileTypeM4A, o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	in, err := w.AddAudioInput(media.DefaultAudioFormat())
	if err != nil {
		t.Fatalf("AddAudioInput: %v", err)
	}
	if err := w.StartWriting(context.Background()); err != nil {
		t.Fatalf("StartWriting: %v", err)
	}
	w.StartSession(0)
	return w, in
}

func TestWriterAudioRoundTrip(t *testing.T) {
	backend := &writertest.Backend{}
	w, in := newAudioWriter(t, backend)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := in.Append(ctx, audioAt(i*bufferFrames, bufferFrames)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}
	status, err := w.Finish(ctx)
	if err != nil || status != assetwriter.StatusCompleted {
		t.Fatalf("Finish = %v, %v; want completed", status, err)
	}
	if _, err := os.Stat(w.Path()); err != nil {
		t.Fatalf("output missing: %v", err)
	}
	if _, err := os.Stat(w.Path() + ".partial"); !os.IsNotExist(err) {
		t.Fatalf("partial output left behind: %v", err)
	}

	rec, _ := backend.Last()
	if rec.FileType != assetwriter.FileTypeM4A || len(rec.Samples) != 1 {
		t.Fatalf("recording = %+v", rec)
	}
	if len(rec.Samples[0]) != 3 || !rec.Closed[0] {
		t.Fatalf("got %d samples closed=%v", len(rec.Samples[0]), rec.Closed[0])
	}
	for i, s := range rec.Samples[0] {
		if want := media.DefaultAudioFormat().FramesDuration(i * bufferFrames); s.PTS != want {
			t.Errorf("sample %d PTS = %v, want %v", i, s.PTS, want)
		}
	}
	if got := in.Stats().Frames; got != 3*bufferFrames {
		t.Fatalf("Frames = %d", got)
	}
}

func TestWriterAudioGapPaddedWithSilence(t *testing.T) {
	backend := &writertest.Backend{}
	w, in := newAudioWriter(t, backend)
	ctx := context.Background()

	if err := in.Append(ctx, audioAt(0, bufferFrames)); err != nil {
		t.Fatal(err)
	}
	if err := in.Append(ctx, audioAt(4*bufferFrames, bufferFrames)); err != nil {
		t.Fatal(err)
	}
	st := in.Stats()
	if st.Padded != 3*bufferFrames || st.Frames != 5*bufferFrames {
		t.Fatalf("stats = %+v", st)
	}
	if _, err := w.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	rec, _ := backend.Last()
	if got, want := rec.Bytes(0), 5*bufferFrames*4; got != want {
		t.Fatalf("track bytes = %d, want %d", got, want)
	}
}

func TestWriterAudioOverlapRejected(t *testing.T) {
	w, in := newAudioWriter(t, &writertest.Backend{})
	defer w.Cancel()
	ctx := context.Background()

	if err := in.Append(ctx, audioAt(0, bufferFrames)); err != nil {
		t.Fatal(err)
	}
	if err := in.Append(ctx, audioAt(bufferFrames/2, bufferFrames)); !errors.Is(err, media.ErrTimestamp) {
		t.Fatalf("overlap err = %v, want ErrTimestamp", err)
	}
	if err := in.Append(ctx, audioAt(0, bufferFrames)); !errors.Is(err, media.ErrTimestamp) {
		t.Fatalf("repeat err = %v, want ErrTimestamp", err)
	}
	if in.Stats().Dropped != 2 {
		t.Fatalf("Dropped = %d, want 2", in.Stats().Dropped)
	}
}

func TestAppendBeforeSessionIsNotReady(t *testing.T) {
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "a.m4a"), assetwriter.FileTypeM4A,
		assetwriter.Options{Backend: &writertest.Backend{}})
	if err != nil {
		t.Fatal(err)
	}
	in, _ := w.AddAudioInput(media.DefaultAudioFormat())
	if in.IsReady() {
		t.Fatal("input ready before writing started")
	}
	if err := w.StartWriting(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer w.Cancel()
	if err := in.Append(context.Background(), audioAt(0, bufferFrames)); !errors.Is(err, media.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func videoFormat() media.VideoFormat {
	return media.VideoFormat{Codec: media.VideoCodecH264, Width: 4, Height: 2, FPS: 30}
}

func frameAt(i int) media.SampleBuffer {
	return media.SampleBuffer{
		Kind:   media.SourceVideo,
		PTS:    media.FramePTS(i, 30),
		Data:   make([]byte, videoFormat().NV12Size()),
		Frames: 1,
	}
}

func TestWriterVideoRequiresConstantRate(t *testing.T) {
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "v.mov"), assetwriter.FileTypeMOV,
		assetwriter.Options{Backend: &writertest.Backend{}})
	if err != nil {
		t.Fatal(err)
	}
	in, err := w.AddVideoInput(videoFormat())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.StartWriting(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.StartSession(0)
	defer w.Cancel()

	ctx := context.Background()
	if err := in.Append(ctx, frameAt(0)); err != nil {
		t.Fatal(err)
	}
	if err := in.Append(ctx, frameAt(2)); !errors.Is(err, media.ErrTimestamp) {
		t.Fatalf("skipped frame err = %v, want ErrTimestamp", err)
	}
	if err := in.Append(ctx, frameAt(1)); err != nil {
		t.Fatalf("next frame: %v", err)
	}
}

func TestInputBackpressure(t *testing.T) {
	backend := &writertest.Backend{Hold: make(chan struct{})}
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "v.mov"), assetwriter.FileTypeMOV,
		assetwriter.Options{Backend: backend, QueueDepth: 2})
	if err != nil {
		t.Fatal(err)
	}
	in, _ := w.AddVideoInput(videoFormat())
	if err := w.StartWriting(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.StartSession(0)

	fill := func() {
		for i := 0; i < 10 && in.IsReady(); i++ {
			in.TryAppend(frameAt(in.Stats().Appended))
		}
	}
	// The pump takes one frame off the queue and blocks on it in the sink.
	fill()
	time.Sleep(50 * time.Millisecond)
	fill()
	if in.IsReady() {
		t.Fatal("input still ready with sink held")
	}
	if in.TryAppend(frameAt(in.Stats().Appended)) {
		t.Fatal("TryAppend accepted while queue full")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := in.Append(ctx, frameAt(in.Stats().Appended)); !errors.Is(err, media.ErrNotReady) {
		t.Fatalf("Append err = %v, want ErrNotReady", err)
	}
	if in.Stats().Dropped != 2 {
		t.Fatalf("Dropped = %d, want 2", in.Stats().Dropped)
	}

	close(backend.Hold)
	if status, err := w.Finish(context.Background()); status != assetwriter.StatusCompleted {
		t.Fatalf("Finish = %v, %v", status, err)
	}
	rec, _ := backend.Last()
	if len(rec.Samples[0]) != in.Stats().Appended {
		t.Fatalf("sink got %d frames, appended %d", len(rec.Samples[0]), in.Stats().Appended)
	}
}

func TestFinishFailureWithholdsOutput(t *testing.T) {
	backend := &writertest.Backend{WaitErr: errors.New("encoder crashed")}
	w, in := newAudioWriter(t, backend)
	if err := in.Append(context.Background(), audioAt(0, bufferFrames)); err != nil {
		t.Fatal(err)
	}
	status, err := w.Finish(context.Background())
	if status != assetwriter.StatusFailed || !errors.Is(err, media.ErrFinalize) {
		t.Fatalf("Finish = %v, %v; want failed/ErrFinalize", status, err)
	}
	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Fatalf("output should not exist: %v", err)
	}
}

func TestSinkWriteFailureFailsFinish(t *testing.T) {
	backend := &writertest.Backend{WriteErr: errors.New("broken pipe")}
	w, in := newAudioWriter(t, backend)
	_ = in.Append(context.Background(), audioAt(0, bufferFrames))
	status, err := w.Finish(context.Background())
	if status != assetwriter.StatusFailed || !errors.Is(err, media.ErrFinalize) {
		t.Fatalf("Finish = %v, %v", status, err)
	}
}

func TestCancelRemovesOutput(t *testing.T) {
	backend := &writertest.Backend{}
	w, in := newAudioWriter(t, backend)
	if err := in.Append(context.Background(), audioAt(0, bufferFrames)); err != nil {
		t.Fatal(err)
	}
	w.Cancel()

	if w.Status() != assetwriter.StatusCancelled {
		t.Fatalf("Status = %v, want cancelled", w.Status())
	}
	rec, _ := backend.Last()
	if !rec.Aborted || rec.Finished {
		t.Fatalf("recording aborted=%v finished=%v", rec.Aborted, rec.Finished)
	}
	for _, p := range []string{w.Path(), w.Path() + ".partial"} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should not exist: %v", p, err)
		}
	}
	if in.TryAppend(audioAt(bufferFrames, bufferFrames)) {
		t.Fatal("append accepted after cancel")
	}
	if _, err := w.Finish(context.Background()); !errors.Is(err, media.ErrFinalize) {
		t.Fatalf("Finish after cancel err = %v", err)
	}
}

func TestNewRemovesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stale.mov")
	if err := os.WriteFile(path, []byte("old"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := assetwriter.New(path, assetwriter.FileTypeMOV, assetwriter.Options{Backend: &writertest.Backend{}}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("stale file not removed: %v", err)
	}
}

func TestNewAllocationFailures(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]struct {
		fileType assetwriter.FileType
		opts     assetwriter.Options
	}{
		"no backend":   {assetwriter.FileTypeMOV, assetwriter.Options{}},
		"bad filetype": {"avi", assetwriter.Options{Backend: &writertest.Backend{}}},
		"no space":     {assetwriter.FileTypeMOV, assetwriter.Options{Backend: &writertest.Backend{}, MinFreeBytes: math.MaxUint64}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := assetwriter.New(filepath.Join(dir, "out.mov"), tc.fileType, tc.opts)
			if !errors.Is(err, media.ErrAllocation) {
				t.Fatalf("err = %v, want ErrAllocation", err)
			}
		})
	}
}

func TestStartWritingOpenFailure(t *testing.T) {
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "a.m4a"), assetwriter.FileTypeM4A,
		assetwriter.Options{Backend: &writertest.Backend{OpenErr: errors.New("no encoder")}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddAudioInput(media.DefaultAudioFormat()); err != nil {
		t.Fatal(err)
	}
	if err := w.StartWriting(context.Background()); !errors.Is(err, media.ErrAllocation) {
		t.Fatalf("err = %v, want ErrAllocation", err)
	}
	if w.Status() != assetwriter.StatusFailed {
		t.Fatalf("Status = %v", w.Status())
	}
}

func TestM4ARejectsVideoInput(t *testing.T) {
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "a.m4a"), assetwriter.FileTypeM4A,
		assetwriter.Options{Backend: &writertest.Backend{}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.AddVideoInput(videoFormat()); !errors.Is(err, media.ErrAllocation) {
		t.Fatalf("err = %v, want ErrAllocation", err)
	}
}

func TestPixelBufferAdaptorFramesMatchSource(t *testing.T) {
	backend := &writertest.Backend{}
	w, err := assetwriter.New(filepath.Join(t.TempDir(), "v.mov"), assetwriter.FileTypeMOV,
		assetwriter.Options{Backend: backend})
	if err != nil {
		t.Fatal(err)
	}
	in, _ := w.AddVideoInput(videoFormat())
	adaptor, err := assetwriter.NewPixelBufferAdaptor(in)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.StartWriting(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.StartSession(0)

	src := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for x := 0; x < 4; x++ {
		src.Set(x, 0, color.RGBA{R: 200, A: 255})
		src.Set(x, 1, color.RGBA{B: 90, G: 40, A: 255})
	}
	want := sha256.Sum256(assetwriter.NV12(src))

	for i := 0; i < 5; i++ {
		buf := adaptor.PixelBuffer()
		copy(buf.Pix, src.Pix)
		if err := adaptor.Append(context.Background(), buf, media.FramePTS(i, 30)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if status, err := w.Finish(context.Background()); status != assetwriter.StatusCompleted {
		t.Fatalf("Finish = %v, %v", status, err)
	}

	rec, _ := backend.Last()
	if len(rec.Samples[0]) != 5 {
		t.Fatalf("got %d frames", len(rec.Samples[0]))
	}
	for i, s := range rec.Samples[0] {
		if s.Hash != want {
			t.Errorf("frame %d differs from source", i)
		}
	}
}
