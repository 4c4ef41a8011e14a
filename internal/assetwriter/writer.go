// Package assetwriter writes timestamped raw audio and video samples into a
// container file through a pluggable encoding backend. A Writer owns one
// output file; each Input owns one track with a bounded queue whose free
// capacity is the track's readiness signal.
package assetwriter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

var log = logging.L("assetwriter")

// Status is the writer lifecycle state.
type Status int

const (
	StatusUnknown Status = iota
	StatusWriting
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusWriting:
		return "writing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

const defaultQueueDepth = 8

// Options configures a Writer.
type Options struct {
	Backend Backend
	// MinFreeBytes is the free-space floor on the destination volume.
	MinFreeBytes uint64
	// QueueDepth bounds each input's queue. Zero means 8.
	QueueDepth int
}

// Writer produces one container file.
type Writer struct {
	path     string
	partial  string
	fileType FileType
	opts     Options

	mu      sync.Mutex
	status  Status
	inputs  []*Input
	session Session
	origin  time.Duration
	started bool
	err     error

	abort     chan struct{}
	abortOnce sync.Once
}

// New allocates a writer for path. The destination directory must be usable,
// the volume must have MinFreeBytes free, and any stale file at path is
// removed. Failures wrap media.ErrAllocation.
func New(path string, fileType FileType, opts Options) (*Writer, error) {
	if !fileType.valid() {
		return nil, fmt.Errorf("%w: unsupported file type %q", media.ErrAllocation, fileType)
	}
	if opts.Backend == nil {
		return nil, fmt.Errorf("%w: no encoding backend", media.ErrAllocation)
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: output directory: %v", media.ErrAllocation, err)
	}
	if err := checkFreeSpace(dir, opts.MinFreeBytes); err != nil {
		return nil, err
	}

	w := &Writer{
		path:     path,
		partial:  path + ".partial",
		fileType: fileType,
		opts:     opts,
		abort:    make(chan struct{}),
	}
	for _, p := range []string{w.path, w.partial} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: remove stale %s: %v", media.ErrAllocation, p, err)
		}
	}
	return w, nil
}

func checkFreeSpace(dir string, minFree uint64) error {
	if minFree == 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		log.Warn("free space check unavailable", logging.KeyPath, dir, logging.KeyError, err.Error())
		return nil
	}
	if usage.Free < minFree {
		return fmt.Errorf("%w: %s has %d MB free, need %d MB",
			media.ErrAllocation, dir, usage.Free>>20, minFree>>20)
	}
	return nil
}

// Path is the final container path.
func (w *Writer) Path() string { return w.path }

func (w *Writer) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Err returns the first track or backend failure, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// AddVideoInput adds a constant-frame-rate video track.
func (w *Writer) AddVideoInput(f media.VideoFormat) (*Input, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrAllocation, err)
	}
	if w.fileType == FileTypeM4A {
		return nil, fmt.Errorf("%w: %s containers hold audio only", media.ErrAllocation, w.fileType)
	}
	return w.addInput(TrackSpec{Kind: TrackVideo, Video: f})
}

// AddAudioInput adds an AAC audio track fed with s16le PCM.
func (w *Writer) AddAudioInput(f media.AudioFormat) (*Input, error) {
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrAllocation, err)
	}
	return w.addInput(TrackSpec{Kind: TrackAudio, Audio: f})
}

func (w *Writer) addInput(spec TrackSpec) (*Input, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusUnknown {
		return nil, fmt.Errorf("%w: inputs must be added before writing starts", media.ErrAllocation)
	}
	in := newInput(w, len(w.inputs), spec, w.opts.QueueDepth)
	w.inputs = append(w.inputs, in)
	return in, nil
}

// StartWriting opens the backend and starts draining every input.
func (w *Writer) StartWriting(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusUnknown {
		return fmt.Errorf("writer already %s", w.status)
	}
	if len(w.inputs) == 0 {
		return fmt.Errorf("%w: writer has no inputs", media.ErrAllocation)
	}

	specs := make([]TrackSpec, len(w.inputs))
	for i, in := range w.inputs {
		specs[i] = in.spec
	}
	session, err := w.opts.Backend.Open(ctx, w.partial, w.fileType, specs)
	if err != nil {
		w.status = StatusFailed
		w.err = err
		return fmt.Errorf("%w: open encoder: %v", media.ErrAllocation, err)
	}
	sinks := session.Sinks()
	if len(sinks) != len(w.inputs) {
		session.Abort()
		w.status = StatusFailed
		return fmt.Errorf("%w: encoder returned %d sinks for %d tracks", media.ErrAllocation, len(sinks), len(w.inputs))
	}

	w.session = session
	w.status = StatusWriting
	for i, in := range w.inputs {
		in.started.Store(true)
		go in.pump(sinks[i])
	}
	log.Debug("writer started", logging.KeyPath, w.path, "fileType", string(w.fileType), "tracks", len(specs))
	return nil
}

// StartSession anchors the track timelines. Sample timestamps are taken
// relative to origin.
func (w *Writer) StartSession(origin time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.origin = origin
	w.started = true
}

func (w *Writer) sessionOrigin() (time.Duration, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.origin, w.started && w.status == StatusWriting
}

func (w *Writer) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Finish marks every input finished, waits for the queues to drain and the
// encoder to flush, then moves the container into place. The returned status
// is StatusCompleted only when the file at Path is complete; any other
// outcome removes the partial output and wraps media.ErrFinalize.
func (w *Writer) Finish(ctx context.Context) (Status, error) {
	w.mu.Lock()
	if w.status != StatusWriting {
		st := w.status
		w.mu.Unlock()
		return st, fmt.Errorf("%w: writer is %s", media.ErrFinalize, st)
	}
	inputs := append([]*Input(nil), w.inputs...)
	session := w.session
	w.mu.Unlock()

	for _, in := range inputs {
		in.MarkFinished()
	}

	waitErr := make(chan error, 1)
	go func() {
		for _, in := range inputs {
			<-in.done
		}
		waitErr <- session.Wait()
	}()

	var err error
	select {
	case err = <-waitErr:
	case <-ctx.Done():
		w.stop()
		<-waitErr
		err = ctx.Err()
	}
	if err == nil {
		err = w.Err()
	}
	if err == nil {
		err = atomic.ReplaceFile(w.partial, w.path)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusWriting {
		return w.status, fmt.Errorf("%w: writer is %s", media.ErrFinalize, w.status)
	}
	if err != nil {
		w.status = StatusFailed
		if w.err == nil {
			w.err = err
		}
		removeQuietly(w.partial)
		removeQuietly(w.path)
		return w.status, fmt.Errorf("%w: %v", media.ErrFinalize, err)
	}
	w.status = StatusCompleted
	log.Debug("writer completed", logging.KeyPath, w.path)
	return w.status, nil
}

// Cancel aborts the encode and removes any output. It is a no-op once the
// writer reached a terminal status.
func (w *Writer) Cancel() {
	w.mu.Lock()
	switch w.status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		w.mu.Unlock()
		return
	}
	w.status = StatusCancelled
	inputs := append([]*Input(nil), w.inputs...)
	w.mu.Unlock()

	w.stop()
	for _, in := range inputs {
		in.MarkFinished()
	}
	for _, in := range inputs {
		if in.running() {
			<-in.done
		}
	}
	removeQuietly(w.partial)
	removeQuietly(w.path)
	log.Debug("writer cancelled", logging.KeyPath, w.path)
}

func (w *Writer) stop() {
	w.abortOnce.Do(func() {
		close(w.abort)
		w.mu.Lock()
		session := w.session
		w.mu.Unlock()
		if session != nil {
			session.Abort()
		}
	})
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove output", logging.KeyPath, path, logging.KeyError, err.Error())
	}
}
