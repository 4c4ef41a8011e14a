package ffmpeg

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleProbe = `{
  "streams": [
    {"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080,
     "r_frame_rate": "30/1", "nb_frames": "90", "duration": "3.000000"},
    {"index": 1, "codec_type": "audio", "codec_name": "aac", "sample_rate": "44100",
     "channels": 2, "nb_frames": "131", "duration": "3.018667"}
  ],
  "format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "3.018667"}
}`

func TestParseProbeOutput(t *testing.T) {
	res, err := parseProbeOutput([]byte(sampleProbe))
	if err != nil {
		t.Fatalf("parseProbeOutput: %v", err)
	}
	if !res.HasAudio() {
		t.Fatal("expected audio stream")
	}
	v, ok := res.First("video")
	if !ok {
		t.Fatal("expected video stream")
	}
	if v.Width != 1920 || v.Height != 1080 || v.Frames() != 90 {
		t.Fatalf("video stream = %+v", v)
	}
	if res.Duration < 3*time.Second || res.Duration > 3*time.Second+20*time.Millisecond {
		t.Fatalf("Duration = %v", res.Duration)
	}
	if !strings.HasPrefix(res.FormatName, "mov") {
		t.Fatalf("FormatName = %q", res.FormatName)
	}
}

func TestParseProbeOutputVideoOnly(t *testing.T) {
	res, err := parseProbeOutput([]byte(`{"streams":[{"index":0,"codec_type":"video"}],"format":{"duration":"N/A"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.HasAudio() {
		t.Fatal("video-only file reported audio")
	}
	if res.Duration != 0 {
		t.Fatalf("N/A duration should parse as 0, got %v", res.Duration)
	}
}

func TestParseProbeOutputGarbage(t *testing.T) {
	if _, err := parseProbeOutput([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStderrBufferKeepsTail(t *testing.T) {
	var s StderrBuffer
	s.Write([]byte(strings.Repeat("a", stderrLimit)))
	s.Write([]byte("tail message"))
	got := s.String()
	if len(got) > stderrLimit {
		t.Fatalf("buffer grew past limit: %d", len(got))
	}
	if !strings.HasSuffix(got, "tail message") {
		t.Fatalf("tail lost: %q", got[len(got)-20:])
	}
}

func TestWrapExitError(t *testing.T) {
	if WrapExitError("op", nil, nil) != nil {
		t.Fatal("nil error should stay nil")
	}
	base := errors.New("exit status 1")
	var s StderrBuffer
	s.Write([]byte("Invalid data found when processing input\n"))
	err := WrapExitError("ffmpeg decode", base, &s)
	if !errors.Is(err, base) {
		t.Fatal("wrapped error lost its cause")
	}
	if !strings.Contains(err.Error(), "Invalid data") {
		t.Fatalf("stderr missing from error: %v", err)
	}
}

func TestCheckInstallationMissingBinary(t *testing.T) {
	b := Binary{FFmpeg: "livecapture-no-such-ffmpeg", FFprobe: "livecapture-no-such-ffprobe"}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	err := b.CheckInstallation(ctx)
	if !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("err = %v, want ErrNotInstalled", err)
	}
}
