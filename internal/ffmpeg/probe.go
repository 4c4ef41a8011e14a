package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"
)

// Stream is the subset of an ffprobe stream entry the pipeline inspects.
type Stream struct {
	Index      int    `json:"index"`
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	SampleRate string `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	FrameRate  string `json:"r_frame_rate,omitempty"`
	NbFrames   string `json:"nb_frames,omitempty"`
	Duration   string `json:"duration,omitempty"`
}

// ProbeResult describes a media file.
type ProbeResult struct {
	FormatName string
	Duration   time.Duration
	Streams    []Stream
}

type probeOutput struct {
	Streams []Stream `json:"streams"`
	Format  struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

// HasAudio reports whether the file carries at least one audio stream.
func (r ProbeResult) HasAudio() bool {
	_, ok := r.First("audio")
	return ok
}

// First returns the first stream of the given codec type ("audio", "video").
func (r ProbeResult) First(codecType string) (Stream, bool) {
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			return s, true
		}
	}
	return Stream{}, false
}

// Frames returns nb_frames as an integer, or 0 when ffprobe did not report it.
func (s Stream) Frames() int {
	n, _ := strconv.Atoi(s.NbFrames)
	return n
}

// Probe runs ffprobe on path and returns its streams and container duration.
func (b Binary) Probe(ctx context.Context, path string) (ProbeResult, error) {
	cmd := exec.CommandContext(ctx, b.ffprobe(),
		"-v", "error",
		"-show_entries", "format=format_name,duration",
		"-show_entries", "stream=index,codec_type,codec_name,width,height,sample_rate,channels,r_frame_rate,nb_frames,duration",
		"-of", "json",
		path,
	)
	stderr := &StderrBuffer{}
	cmd.Stderr = stderr

	out, err := cmd.Output()
	if err != nil {
		return ProbeResult{}, WrapExitError("ffprobe "+path, err, stderr)
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(data []byte) (ProbeResult, error) {
	var raw probeOutput
	if err := json.Unmarshal(data, &raw); err != nil {
		return ProbeResult{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	return ProbeResult{
		FormatName: raw.Format.FormatName,
		Duration:   parseSeconds(raw.Format.Duration),
		Streams:    raw.Streams,
	}, nil
}

// parseSeconds converts ffprobe's decimal seconds ("3.000000") to a duration.
// Missing or "N/A" values yield 0.
func parseSeconds(s string) time.Duration {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}
