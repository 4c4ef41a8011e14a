// Package livephoto coordinates a live photo capture: system audio starts
// first, the camera supplies a still, and once the audio clip is finished
// both are muxed into the motion clip on the worker pool.
package livephoto

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/livecapture/internal/camera"
	"github.com/breeze-rmm/livecapture/internal/capture"
	"github.com/breeze-rmm/livecapture/internal/library"
	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
	"github.com/breeze-rmm/livecapture/internal/workerpool"
)

var log = logging.L("livephoto")

// ErrClosed is returned by Capture once Run has returned.
var ErrClosed = errors.New("live photo manager stopped")

// Synthesizer builds the motion clip. *mux.Muxer implements it.
type Synthesizer interface {
	Synthesize(ctx context.Context, still media.StillFrame, audio media.EncodedAudioClip, duration time.Duration) (media.SynthesizedClip, error)
}

// Config wires the manager's collaborators. Library is optional.
type Config struct {
	Duration time.Duration
	NewTap   func() (capture.Tap, error)
	Capture  capture.Options
	Camera   camera.Camera
	Muxer    Synthesizer
	Library  library.Library
	Pool     *workerpool.Pool
}

// Result is what a successful capture produced.
type Result struct {
	Session CaptureSession
	Clip    media.SynthesizedClip
	// Asset is set when a library saved the pair.
	Asset *library.Asset
}

type request struct {
	ctx   context.Context
	reply chan outcome
}

type outcome struct {
	result Result
	err    error
}

type event struct {
	state    State
	audioErr error
	err      error
	result   Result
}

// Manager runs at most one capture at a time.
type Manager struct {
	cfg      Config
	requests chan request
	events   chan event
	stopped  chan struct{}

	mu       sync.Mutex
	snapshot CaptureSession
}

func NewManager(cfg Config) *Manager {
	if cfg.Duration <= 0 {
		cfg.Duration = media.DefaultCaptureDuration
	}
	return &Manager{
		cfg:      cfg,
		requests: make(chan request),
		events:   make(chan event),
		stopped:  make(chan struct{}),
	}
}

// Snapshot returns a copy of the current or most recent capture session.
func (m *Manager) Snapshot() CaptureSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

func (m *Manager) publish(s CaptureSession) {
	m.mu.Lock()
	m.snapshot = s
	m.mu.Unlock()
}

// Capture requests a live photo and waits for it. A request made while
// another capture is in flight fails with media.ErrBusy.
func (m *Manager) Capture(ctx context.Context) (Result, error) {
	reply := make(chan outcome, 1)
	select {
	case m.requests <- request{ctx: ctx, reply: reply}:
	case <-m.stopped:
		return Result{}, ErrClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case out := <-reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Run is the coordinator loop and the only writer of session state. When ctx
// is done, an in-flight capture is cancelled and awaited before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.stopped)

	var (
		busy     bool
		session  CaptureSession
		pending  request
		clog     *slog.Logger
		stopping = ctx.Done()
	)
	for {
		select {
		case <-stopping:
			if !busy {
				return ctx.Err()
			}
			stopping = nil

		case req := <-m.requests:
			if busy || ctx.Err() != nil {
				err := error(media.ErrBusy)
				if ctx.Err() != nil {
					err = ErrClosed
				}
				req.reply <- outcome{err: err}
				continue
			}
			busy, pending = true, req
			session = CaptureSession{
				ID:        uuid.NewString(),
				StartedAt: time.Now(),
				Duration:  m.cfg.Duration,
				State:     StateIdle,
			}
			clog = logging.WithSession(log, session.ID)
			m.publish(session)

			pctx, cancel := context.WithCancel(req.ctx)
			stop := context.AfterFunc(ctx, cancel)
			go func() {
				defer stop()
				defer cancel()
				m.pipeline(pctx, clog)
			}()

		case ev := <-m.events:
			session.State = ev.state
			if ev.audioErr != nil {
				session.AudioErr = ev.audioErr
			}
			if ev.err != nil {
				session.Err = ev.err
			}
			m.publish(session)
			clog.Debug("capture state changed", logging.KeyState, ev.state.String())
			if !ev.state.Terminal() {
				continue
			}

			busy = false
			out := outcome{err: session.Err}
			if ev.state == StateCompleted {
				ev.result.Session = session
				out = outcome{result: ev.result}
			}
			pending.reply <- out
			pending = request{}
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}
}

func (m *Manager) emit(ev event) {
	m.events <- ev
}

func (m *Manager) fail(err error, plog *slog.Logger) {
	plog.Warn("live photo capture failed", logging.KeyError, err.Error())
	m.emit(event{state: StateFailed, err: err})
}

// pipeline runs one capture and reports every transition to the coordinator.
func (m *Manager) pipeline(ctx context.Context, plog *slog.Logger) {
	started := time.Now()
	audio, err := m.startAudio(ctx)
	if err != nil {
		plog.Warn("audio capture unavailable, continuing video only", logging.KeyError, err.Error())
	}
	m.emit(event{state: StateAudioStarted, audioErr: err})

	still, err := m.cfg.Camera.CapturePhoto(ctx)
	if err == nil && still.Empty() {
		err = fmt.Errorf("%w: camera returned an empty still", media.ErrSourceMissing)
	}
	if err != nil {
		m.discardAudio(audio, plog)
		m.fail(fmt.Errorf("capture photo: %w", err), plog)
		return
	}
	m.emit(event{state: StatePhotoCaptured})

	var clip media.EncodedAudioClip
	if audio != nil {
		if clip, err = awaitAudio(audio); err != nil {
			plog.Warn("audio capture failed, continuing video only", logging.KeyError, err.Error())
			m.emit(event{state: StatePhotoCaptured, audioErr: err})
		}
	}

	m.emit(event{state: StateMuxing})
	out, err := workerpool.RunOrDiscard(ctx, m.cfg.Pool, func() (media.SynthesizedClip, error) {
		return m.cfg.Muxer.Synthesize(ctx, still, clip, m.cfg.Duration)
	}, func(late media.SynthesizedClip) {
		if rmErr := late.Remove(); rmErr != nil {
			plog.Warn("failed to remove abandoned clip", logging.KeyPath, late.Path, logging.KeyError, rmErr.Error())
		}
	})
	if rmErr := clip.Remove(); rmErr != nil {
		plog.Warn("failed to remove audio clip", logging.KeyPath, clip.Path, logging.KeyError, rmErr.Error())
	}
	if err != nil {
		m.fail(fmt.Errorf("synthesize clip: %w", err), plog)
		return
	}

	result := Result{Clip: out}
	if m.cfg.Library != nil {
		asset, err := m.cfg.Library.SavePair(ctx, still, out)
		if err != nil {
			_ = out.Remove()
			m.fail(fmt.Errorf("save to library: %w", err), plog)
			return
		}
		result.Asset = &asset
		result.Clip.Path = asset.MotionPath
	}
	plog.Info("live photo captured",
		logging.KeyPath, result.Clip.Path,
		logging.KeyDurationMs, time.Since(started).Milliseconds(),
		"hasAudio", out.HasAudio,
	)
	m.emit(event{state: StateCompleted, result: result})
}

func (m *Manager) startAudio(ctx context.Context) (*capture.Session, error) {
	if m.cfg.NewTap == nil {
		return nil, fmt.Errorf("%w: no audio tap configured", media.ErrPermissionDenied)
	}
	tap, err := m.cfg.NewTap()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	s := capture.NewSession(tap, m.cfg.Capture)
	if err := s.Start(ctx, m.cfg.Duration); err != nil {
		return nil, err
	}
	return s, nil
}

// awaitAudio waits for the session to settle. The session shares the
// pipeline context, so cancellation still ends it, after its cleanup.
func awaitAudio(s *capture.Session) (media.EncodedAudioClip, error) {
	<-s.Done()
	return s.Result(context.Background())
}

// discardAudio waits for an orphaned audio session and deletes its clip.
func (m *Manager) discardAudio(s *capture.Session, plog *slog.Logger) {
	if s == nil {
		return
	}
	clip, err := awaitAudio(s)
	if err != nil {
		return
	}
	if err := clip.Remove(); err != nil {
		plog.Warn("failed to remove orphaned audio clip", logging.KeyPath, clip.Path, logging.KeyError, err.Error())
	}
}
