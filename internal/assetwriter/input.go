package assetwriter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

// audioSlack is how far an audio buffer may sit from the end of the written
// timeline and still count as contiguous. Larger gaps are padded with
// silence; larger overlaps are rejected.
const audioSlack = 2 * time.Millisecond

var errInputFinished = errors.New("input already marked finished")

type queuedSample struct {
	pts     time.Duration
	data    []byte
	release func()
}

// Stats is a snapshot of an input's counters.
type Stats struct {
	Appended int
	Dropped  int
	// Frames is the number of video frames or PCM frames written, including
	// silence padding.
	Frames  int
	Padded  int
	LastPTS time.Duration
}

// Input is one track of a Writer. Appends for a track come from a single
// producer; the queue is drained by a pump goroutine into the backend sink.
type Input struct {
	w     *Writer
	index int
	spec  TrackSpec
	queue chan queuedSample
	done  chan struct{}

	appendMu sync.Mutex
	finished bool
	hasLast  bool
	lastPTS  time.Duration
	frames   int // video frames or PCM frames written so far

	started  atomic.Bool
	failed   atomic.Bool
	appended atomic.Int64
	dropped  atomic.Int64
	padded   atomic.Int64
	written  atomic.Int64
	lastNs   atomic.Int64
}

func newInput(w *Writer, index int, spec TrackSpec, depth int) *Input {
	return &Input{
		w:     w,
		index: index,
		spec:  spec,
		queue: make(chan queuedSample, depth),
		done:  make(chan struct{}),
	}
}

// Kind reports whether this is a video or audio track.
func (in *Input) Kind() TrackKind { return in.spec.Kind }

// IsReady reports whether an append would be accepted without waiting.
func (in *Input) IsReady() bool {
	if !in.started.Load() || in.failed.Load() {
		return false
	}
	if _, ok := in.w.sessionOrigin(); !ok {
		return false
	}
	return len(in.queue) < cap(in.queue)
}

// Append queues buf, waiting for queue room until ctx is done. A buffer that
// could not be queued in time is counted as dropped and the returned error
// wraps media.ErrNotReady.
func (in *Input) Append(ctx context.Context, buf media.SampleBuffer) error {
	return in.appendSample(ctx, buf.PTS, buf.Data, buf.Frames, nil, true)
}

// TryAppend queues buf only if the input is ready right now. It never blocks
// on the queue and reports whether the buffer was accepted.
func (in *Input) TryAppend(buf media.SampleBuffer) bool {
	return in.appendSample(context.Background(), buf.PTS, buf.Data, buf.Frames, nil, false) == nil
}

func (in *Input) appendSample(ctx context.Context, pts time.Duration, data []byte, frames int, release func(), wait bool) error {
	in.appendMu.Lock()
	defer in.appendMu.Unlock()

	drop := func(err error) error {
		in.dropped.Add(1)
		if release != nil {
			release()
		}
		return err
	}

	if in.finished {
		return drop(errInputFinished)
	}
	origin, ok := in.w.sessionOrigin()
	if !ok || !in.started.Load() {
		return drop(fmt.Errorf("%w: session not started", media.ErrNotReady))
	}
	if in.failed.Load() {
		return drop(fmt.Errorf("track %d failed: %w", in.index, in.w.Err()))
	}

	t := pts - origin
	if t < 0 || (in.hasLast && t <= in.lastPTS) {
		return drop(fmt.Errorf("%w: track %d got %v after %v", media.ErrTimestamp, in.index, t, in.lastPTS))
	}

	payload, advance, pad, err := in.prepare(t, data, frames)
	if err != nil {
		return drop(err)
	}

	item := queuedSample{pts: t, data: payload, release: release}
	if wait {
		select {
		case in.queue <- item:
		case <-ctx.Done():
			return drop(fmt.Errorf("%w: %v", media.ErrNotReady, ctx.Err()))
		case <-in.w.abort:
			return drop(fmt.Errorf("%w: writer stopped", media.ErrNotReady))
		}
	} else {
		select {
		case in.queue <- item:
		default:
			return drop(media.ErrNotReady)
		}
	}

	in.hasLast = true
	in.lastPTS = t
	in.frames += advance
	in.appended.Add(1)
	in.padded.Add(int64(pad))
	in.written.Store(int64(in.frames))
	in.lastNs.Store(int64(t))
	return nil
}

// prepare enforces the track's timeline law and returns the payload to
// queue, how many frames it advances the timeline, and how many of those are
// silence padding.
func (in *Input) prepare(t time.Duration, data []byte, frames int) ([]byte, int, int, error) {
	switch in.spec.Kind {
	case TrackVideo:
		f := in.spec.Video
		if want := media.FramePTS(in.frames, f.FPS); t != want {
			return nil, 0, 0, fmt.Errorf("%w: frame %d at %v, want %v", media.ErrTimestamp, in.frames, t, want)
		}
		if len(data) != f.NV12Size() {
			return nil, 0, 0, fmt.Errorf("video frame is %d bytes, want %d", len(data), f.NV12Size())
		}
		return data, 1, 0, nil

	case TrackAudio:
		f := in.spec.Audio
		bpf := f.BytesPerFrame()
		if frames <= 0 {
			frames = len(data) / bpf
		}
		if frames <= 0 || len(data) != frames*bpf {
			return nil, 0, 0, fmt.Errorf("audio buffer of %d bytes is not %d frames of %d bytes", len(data), frames, bpf)
		}
		slack := f.DurationFrames(audioSlack)
		gap := f.DurationFrames(t) - in.frames
		switch {
		case gap > slack:
			padded := make([]byte, gap*bpf+len(data))
			copy(padded[gap*bpf:], data)
			return padded, gap + frames, gap, nil
		case gap < -slack:
			return nil, 0, 0, fmt.Errorf("%w: audio at %v overlaps written timeline ending %v",
				media.ErrTimestamp, t, f.FramesDuration(in.frames))
		default:
			return data, frames, 0, nil
		}
	}
	return nil, 0, 0, fmt.Errorf("unknown track kind %v", in.spec.Kind)
}

// MarkFinished closes the track. Further appends fail. Safe to call more
// than once.
func (in *Input) MarkFinished() {
	in.appendMu.Lock()
	defer in.appendMu.Unlock()
	if in.finished {
		return
	}
	in.finished = true
	close(in.queue)
}

// Stats returns the input's counters.
func (in *Input) Stats() Stats {
	return Stats{
		Appended: int(in.appended.Load()),
		Dropped:  int(in.dropped.Load()),
		Frames:   int(in.written.Load()),
		Padded:   int(in.padded.Load()),
		LastPTS:  time.Duration(in.lastNs.Load()),
	}
}

func (in *Input) running() bool {
	return in.started.Load()
}

func (in *Input) pump(sink TrackSink) {
	defer close(in.done)

	var sinkErr error
	for item := range in.queue {
		if sinkErr == nil {
			if err := sink.WriteSample(item.pts, item.data); err != nil {
				sinkErr = fmt.Errorf("track %d (%s) write: %w", in.index, in.spec.Kind, err)
				in.failed.Store(true)
				in.w.fail(sinkErr)
				log.Warn("track sink failed", "track", in.index, logging.KeyError, err.Error())
			}
		}
		if item.release != nil {
			item.release()
		}
	}
	if err := sink.Close(); err != nil && sinkErr == nil {
		in.failed.Store(true)
		in.w.fail(fmt.Errorf("track %d (%s) close: %w", in.index, in.spec.Kind, err))
	}
}
