// Package ffmpeg locates the ffmpeg and ffprobe executables and wraps the
// small amount of process plumbing the capture and mux stages share.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/breeze-rmm/livecapture/internal/logging"
)

var log = logging.L("ffmpeg")

// ErrNotInstalled is returned when an executable cannot be found or run.
var ErrNotInstalled = errors.New("ffmpeg is not installed or not in PATH")

// stderrLimit caps how much diagnostic output is kept per process.
const stderrLimit = 8 << 10

// Binary names the ffmpeg and ffprobe executables to run.
type Binary struct {
	FFmpeg  string
	FFprobe string
}

// Default uses whatever ffmpeg and ffprobe resolve to on PATH.
func Default() Binary {
	return Binary{FFmpeg: "ffmpeg", FFprobe: "ffprobe"}
}

func (b Binary) ffmpeg() string {
	if b.FFmpeg == "" {
		return "ffmpeg"
	}
	return b.FFmpeg
}

func (b Binary) ffprobe() string {
	if b.FFprobe == "" {
		return "ffprobe"
	}
	return b.FFprobe
}

// CheckInstallation verifies both executables resolve and run.
func (b Binary) CheckInstallation(ctx context.Context) error {
	for _, name := range []string{b.ffmpeg(), b.ffprobe()} {
		path, err := exec.LookPath(name)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrNotInstalled, name, err)
		}
		if err := exec.CommandContext(ctx, path, "-version").Run(); err != nil {
			return fmt.Errorf("%w: %s -version: %v", ErrNotInstalled, path, err)
		}
	}
	return nil
}

// Version returns the first line of `ffmpeg -version`.
func (b Binary) Version(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, b.ffmpeg(), "-version").Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	return strings.TrimSpace(line), nil
}

// Command builds an ffmpeg invocation with the quiet, non-interactive flags
// every caller wants prepended. Stderr is captured into the returned buffer.
func (b Binary) Command(ctx context.Context, args ...string) (*exec.Cmd, *StderrBuffer) {
	full := append([]string{"-nostdin", "-hide_banner", "-loglevel", "error"}, args...)
	cmd := exec.CommandContext(ctx, b.ffmpeg(), full...)
	stderr := &StderrBuffer{}
	cmd.Stderr = stderr
	log.Debug("spawning ffmpeg", "args", strings.Join(full, " "))
	return cmd, stderr
}

// StderrBuffer keeps the tail of a process's diagnostic output so failures
// can be reported with ffmpeg's own explanation.
type StderrBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (s *StderrBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(p)
	s.buf.Write(p)
	if over := s.buf.Len() - stderrLimit; over > 0 {
		s.buf.Next(over)
	}
	return n, nil
}

func (s *StderrBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.TrimSpace(s.buf.String())
}

// WrapExitError annotates a process error with the captured stderr.
func WrapExitError(op string, err error, stderr *StderrBuffer) error {
	if err == nil {
		return nil
	}
	if stderr != nil {
		if msg := stderr.String(); msg != "" {
			return fmt.Errorf("%s: %w: %s", op, err, msg)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
