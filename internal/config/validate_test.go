package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestValidateTieredDefaultsAreClean(t *testing.T) {
	cfg := Default()
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("default config has fatals: %v", result.Fatals)
	}
	if len(result.Warnings) > 0 {
		t.Fatalf("default config has warnings: %v", result.Warnings)
	}
	if cfg.CaptureDuration() != 3*time.Second {
		t.Fatalf("CaptureDuration = %v, want 3s", cfg.CaptureDuration())
	}
}

func TestValidateTieredFixedConstantsAreReset(t *testing.T) {
	cfg := Default()
	cfg.FrameRate = 60
	cfg.AudioSampleRate = 48000
	cfg.AudioChannels = 1
	cfg.AudioBitrate = 128000
	cfg.VideoCodec = "hevc"

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("constant overrides should be warnings: %v", result.Fatals)
	}
	if len(result.Warnings) != 5 {
		t.Fatalf("expected 5 warnings, got %d: %v", len(result.Warnings), result.Warnings)
	}
	if cfg.FrameRate != 30 || cfg.AudioSampleRate != 44100 || cfg.AudioChannels != 2 || cfg.AudioBitrate != 192000 {
		t.Fatalf("constants not reset: %+v", cfg)
	}
	if cfg.VideoCodec != "h264" {
		t.Fatalf("VideoCodec = %q, want h264", cfg.VideoCodec)
	}
}

func TestValidateTieredNonPositiveDurationIsFatal(t *testing.T) {
	cfg := Default()
	cfg.CaptureSeconds = 0
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("zero capture_seconds should be fatal")
	}
}

func TestValidateTieredLongDurationClamped(t *testing.T) {
	cfg := Default()
	cfg.CaptureSeconds = 600
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamped duration should be warning: %v", result.Fatals)
	}
	if cfg.CaptureSeconds != 60 {
		t.Fatalf("CaptureSeconds = %v, want 60", cfg.CaptureSeconds)
	}
}

func TestValidateTieredAppendTimeoutClamping(t *testing.T) {
	cfg := Default()
	cfg.AppendTimeoutMs = 0
	cfg.MuxWorkers = 0
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatalf("clamping should not be fatal: %v", result.Fatals)
	}
	if cfg.AppendTimeoutMs != 10 {
		t.Fatalf("AppendTimeoutMs = %d, want 10", cfg.AppendTimeoutMs)
	}
	if cfg.MuxWorkers != 1 {
		t.Fatalf("MuxWorkers = %d, want 1", cfg.MuxWorkers)
	}
}

func TestValidateTieredJPEGQualityOutOfRange(t *testing.T) {
	for _, q := range []int{0, -5, 101} {
		cfg := Default()
		cfg.JPEGQuality = q
		result := cfg.ValidateTiered()
		if result.HasFatals() || len(result.Warnings) != 1 {
			t.Fatalf("quality %d: fatals %v, warnings %v", q, result.Fatals, result.Warnings)
		}
		if cfg.JPEGQuality != 90 {
			t.Fatalf("quality %d: JPEGQuality = %d, want 90", q, cfg.JPEGQuality)
		}
	}
}

func TestValidateTieredControlCharsInPathIsFatal(t *testing.T) {
	cfg := Default()
	cfg.TempDir = "/tmp/bad\x00dir"
	result := cfg.ValidateTiered()
	if !result.HasFatals() {
		t.Fatal("control chars in temp_dir should be fatal")
	}
	if !strings.Contains(result.Err().Error(), "temp_dir") {
		t.Fatalf("expected temp_dir in error, got %v", result.Err())
	}
}

func TestValidateTieredEmptyFFmpegPathIsFatal(t *testing.T) {
	cfg := Default()
	cfg.FFmpegPath = " "
	if !cfg.ValidateTiered().HasFatals() {
		t.Fatal("empty ffmpeg_path should be fatal")
	}
}

func TestValidateTieredUnknownLogSettingsAreWarnings(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	cfg.LogFormat = "xml"
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		t.Fatal("log settings should not be fatal")
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %v", result.Warnings)
	}
}

func TestHasFatals(t *testing.T) {
	r := ValidationResult{}
	if r.HasFatals() || r.Err() != nil {
		t.Fatal("empty result should have no fatals")
	}
	r.Fatals = append(r.Fatals, fmt.Errorf("test error"))
	r.Warnings = append(r.Warnings, fmt.Errorf("test warning"))
	if !r.HasFatals() {
		t.Fatal("HasFatals() should be true with a fatal error")
	}
	if len(r.AllErrors()) != 2 {
		t.Fatalf("AllErrors() = %v, want both", r.AllErrors())
	}
}

func TestLoadReadsFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "livecapture.yaml")
	body := "capture_seconds: 1.5\nrequire_audio: true\nlibrary_dir: " + filepath.ToSlash(filepath.Join(dir, "lib")) + "\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVECAPTURE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CaptureDuration() != 1500*time.Millisecond {
		t.Fatalf("CaptureDuration = %v, want 1.5s", cfg.CaptureDuration())
	}
	if !cfg.RequireAudio {
		t.Fatal("require_audio not loaded")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want env override debug", cfg.LogLevel)
	}
	if cfg.FrameRate != 30 {
		t.Fatalf("FrameRate = %d, want default 30", cfg.FrameRate)
	}
}

func TestWorkDirFallsBackToTemp(t *testing.T) {
	cfg := Default()
	if !strings.HasPrefix(cfg.WorkDir(), os.TempDir()) {
		t.Fatalf("WorkDir = %q, want under %q", cfg.WorkDir(), os.TempDir())
	}
	cfg.TempDir = "/data/work"
	if cfg.WorkDir() != "/data/work" {
		t.Fatalf("WorkDir = %q", cfg.WorkDir())
	}
	if cfg.MinFreeBytes() != 64<<20 {
		t.Fatalf("MinFreeBytes = %d", cfg.MinFreeBytes())
	}
}
