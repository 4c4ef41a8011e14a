// Package capture records system (app) audio for a fixed duration into an
// AAC .m4a file. A Session owns one attempt: the tap hands buffers to the
// session's inbox and a single goroutine appends them, runs the stop timer
// and finalizes the file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/livecapture/internal/assetwriter"
	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

type State int32

const (
	StateNotStarted State = iota
	StateWriting
	StateFinalizing
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateWriting:
		return "Writing"
	case StateFinalizing:
		return "Finalizing"
	case StateFinished:
		return "Finished"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const (
	defaultInboxSize     = 64
	defaultFinishTimeout = 10 * time.Second
)

// Options configures a capture session.
type Options struct {
	Dir          string
	Format       media.AudioFormat
	Backend      assetwriter.Backend
	MinFreeBytes uint64
	// InboxSize bounds buffers waiting for the session goroutine. Zero means 64.
	InboxSize int
	// FinishTimeout bounds finalization. Zero means 10s.
	FinishTimeout time.Duration
}

// Session is one audio capture attempt.
type Session struct {
	tap  Tap
	opts Options

	id   string
	path string
	log  *slog.Logger

	state   atomic.Int32
	inbox   chan media.SampleBuffer
	dropped atomic.Int64

	writer *assetwriter.Writer
	input  *assetwriter.Input

	// owned by the run goroutine
	recorded bool
	hasBase  bool
	base     time.Duration

	done    chan struct{}
	once    sync.Once
	clip    media.EncodedAudioClip
	err     error
	started atomic.Bool
}

// NewSession prepares a session on tap. Nothing is allocated until Start.
func NewSession(tap Tap, opts Options) *Session {
	if opts.Format == (media.AudioFormat{}) {
		opts.Format = media.DefaultAudioFormat()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	if opts.FinishTimeout <= 0 {
		opts.FinishTimeout = defaultFinishTimeout
	}
	id := uuid.NewString()
	return &Session{
		tap:   tap,
		opts:  opts,
		id:    id,
		path:  filepath.Join(opts.Dir, "cap_"+id+".m4a"),
		log:   logging.WithSession(logging.L("capture"), id),
		inbox: make(chan media.SampleBuffer, opts.InboxSize),
		done:  make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// Path is where the clip is written.
func (s *Session) Path() string { return s.path }

func (s *Session) State() State { return State(s.state.Load()) }

// Dropped counts buffers the tap delivered while the inbox was full.
func (s *Session) Dropped() int { return int(s.dropped.Load()) }

// Start allocates the writer, starts the tap and schedules the stop after
// duration. Writer allocation failures wrap media.ErrAllocation; a tap that
// cannot start wraps media.ErrPermissionDenied and leaves no file behind.
// Cancelling ctx aborts the capture and removes the file.
func (s *Session) Start(ctx context.Context, duration time.Duration) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("capture session already started")
	}
	if duration <= 0 {
		return s.failStart(fmt.Errorf("invalid capture duration %v", duration))
	}

	w, err := assetwriter.New(s.path, assetwriter.FileTypeM4A, assetwriter.Options{
		Backend:      s.opts.Backend,
		MinFreeBytes: s.opts.MinFreeBytes,
	})
	if err != nil {
		return s.failStart(err)
	}
	in, err := w.AddAudioInput(s.opts.Format)
	if err != nil {
		return s.failStart(err)
	}
	if err := w.StartWriting(ctx); err != nil {
		w.Cancel()
		return s.failStart(err)
	}
	w.StartSession(0)
	s.writer, s.input = w, in

	if err := s.tap.Start(s.deliver); err != nil {
		w.Cancel()
		return s.failStart(fmt.Errorf("%w: start audio tap: %v", media.ErrPermissionDenied, err))
	}

	s.state.Store(int32(StateWriting))
	s.log.Info("audio capture started", logging.KeyPath, s.path, "duration", duration)
	go s.run(ctx, duration)
	return nil
}

func (s *Session) failStart(err error) error {
	s.resolve(media.EncodedAudioClip{}, err)
	return err
}

// Result blocks until the session finishes or ctx is done.
func (s *Session) Result(ctx context.Context) (media.EncodedAudioClip, error) {
	select {
	case <-s.done:
		return s.clip, s.err
	case <-ctx.Done():
		return media.EncodedAudioClip{}, ctx.Err()
	}
}

// Done is closed once the session reached Finished or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) deliver(buf media.SampleBuffer) {
	select {
	case s.inbox <- buf:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) run(ctx context.Context, duration time.Duration) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	for {
		select {
		case buf := <-s.inbox:
			s.handle(buf)
		case <-timer.C:
			s.stop(ctx)
			return
		case <-ctx.Done():
			s.tap.Stop()
			s.writer.Cancel()
			s.log.Warn("audio capture aborted", logging.KeyError, ctx.Err().Error())
			s.resolve(media.EncodedAudioClip{}, fmt.Errorf("audio capture aborted: %w", ctx.Err()))
			return
		}
	}
}

// handle appends buf when the writer has no error, the buffer is app audio
// and the input is ready. Anything else is dropped.
func (s *Session) handle(buf media.SampleBuffer) {
	if s.writer.Err() != nil || buf.Kind != media.SourceAppAudio || !s.input.IsReady() {
		return
	}
	if !s.hasBase {
		s.base, s.hasBase = buf.PTS, true
	}
	buf.PTS -= s.base
	if s.input.TryAppend(buf) && !s.recorded {
		s.recorded = true
		s.log.Debug("first app audio buffer appended")
	}
}

func (s *Session) stop(ctx context.Context) {
	s.tap.Stop()
	for drained := false; !drained; {
		select {
		case buf := <-s.inbox:
			s.handle(buf)
		default:
			drained = true
		}
	}

	if !s.recorded {
		s.writer.Cancel()
		s.log.Warn("no app audio captured, discarding clip")
		s.resolve(media.EncodedAudioClip{}, fmt.Errorf("audio capture: %w", media.ErrEmptyCapture))
		return
	}

	s.state.Store(int32(StateFinalizing))
	s.input.MarkFinished()
	finishCtx, cancel := context.WithTimeout(ctx, s.opts.FinishTimeout)
	defer cancel()
	status, err := s.writer.Finish(finishCtx)
	if status != assetwriter.StatusCompleted {
		if err == nil {
			err = fmt.Errorf("%w: writer ended %s", media.ErrFinalize, status)
		}
		s.resolve(media.EncodedAudioClip{}, err)
		return
	}

	stats := s.input.Stats()
	clip := media.EncodedAudioClip{
		ID:       s.id,
		Path:     s.path,
		Format:   s.opts.Format,
		Samples:  stats.Frames,
		Duration: s.opts.Format.FramesDuration(stats.Frames),
		OK:       true,
	}
	s.log.Info("audio clip finished", logging.KeyPath, s.path,
		"frames", stats.Frames, "buffers", stats.Appended, "dropped", stats.Dropped+s.Dropped())
	s.resolve(clip, nil)
}

func (s *Session) resolve(clip media.EncodedAudioClip, err error) {
	s.once.Do(func() {
		s.clip, s.err = clip, err
		if err != nil {
			s.state.Store(int32(StateFailed))
		} else {
			s.state.Store(int32(StateFinished))
		}
		close(s.done)
	})
}
