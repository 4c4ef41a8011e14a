// Package writertest provides an in-memory assetwriter.Backend that records
// what each track received instead of encoding it.
package writertest

import (
	"context"
	"crypto/sha256"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/breeze-rmm/livecapture/internal/assetwriter"
)

// Sample is one payload a sink received. Payloads are kept as a hash so
// full-resolution video runs stay cheap.
type Sample struct {
	PTS  time.Duration
	Len  int
	Hash [sha256.Size]byte
}

// Recording is everything one Open call produced.
type Recording struct {
	Path     string
	FileType assetwriter.FileType
	Tracks   []assetwriter.TrackSpec
	Samples  [][]Sample
	Closed   []bool
	Aborted  bool
	Finished bool
}

// Bytes returns the total payload bytes track i received.
func (r Recording) Bytes(track int) int {
	n := 0
	for _, s := range r.Samples[track] {
		n += s.Len
	}
	return n
}

// Backend records sessions. Set the error fields to inject failures and
// Hold to make every sink block until Hold is closed or the session aborts.
type Backend struct {
	OpenErr  error
	WaitErr  error
	WriteErr error
	Hold     chan struct{}

	mu         sync.Mutex
	recordings []*Recording
}

func (b *Backend) Open(_ context.Context, path string, fileType assetwriter.FileType, tracks []assetwriter.TrackSpec) (assetwriter.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.OpenErr != nil {
		return nil, b.OpenErr
	}
	rec := &Recording{
		Path:     path,
		FileType: fileType,
		Tracks:   append([]assetwriter.TrackSpec(nil), tracks...),
		Samples:  make([][]Sample, len(tracks)),
		Closed:   make([]bool, len(tracks)),
	}
	b.recordings = append(b.recordings, rec)

	s := &session{b: b, rec: rec, aborted: make(chan struct{})}
	for i := range tracks {
		s.sinks = append(s.sinks, &sink{s: s, track: i})
	}
	return s, nil
}

// Opened reports how many sessions were opened.
func (b *Backend) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.recordings)
}

// Last returns a copy of the most recent recording.
func (b *Backend) Last() (Recording, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.recordings) == 0 {
		return Recording{}, false
	}
	rec := *b.recordings[len(b.recordings)-1]
	rec.Samples = make([][]Sample, len(rec.Samples))
	for i, s := range b.recordings[len(b.recordings)-1].Samples {
		rec.Samples[i] = append([]Sample(nil), s...)
	}
	rec.Closed = append([]bool(nil), rec.Closed...)
	return rec, true
}

type session struct {
	b     *Backend
	rec   *Recording
	sinks []assetwriter.TrackSink

	aborted   chan struct{}
	abortOnce sync.Once
}

func (s *session) Sinks() []assetwriter.TrackSink { return s.sinks }

// Wait writes a placeholder container so the writer can move it into place.
func (s *session) Wait() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.rec.Aborted {
		return errors.New("session aborted")
	}
	if s.b.WaitErr != nil {
		return s.b.WaitErr
	}
	s.rec.Finished = true
	return os.WriteFile(s.rec.Path, []byte("writertest "+string(s.rec.FileType)+"\n"), 0o600)
}

func (s *session) Abort() {
	s.abortOnce.Do(func() {
		s.b.mu.Lock()
		s.rec.Aborted = true
		s.b.mu.Unlock()
		close(s.aborted)
	})
}

type sink struct {
	s     *session
	track int
}

func (k *sink) WriteSample(pts time.Duration, payload []byte) error {
	if hold := k.s.b.Hold; hold != nil {
		select {
		case <-hold:
		case <-k.s.aborted:
			return errors.New("session aborted")
		}
	}
	b := k.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.WriteErr != nil {
		return b.WriteErr
	}
	k.s.rec.Samples[k.track] = append(k.s.rec.Samples[k.track], Sample{
		PTS:  pts,
		Len:  len(payload),
		Hash: sha256.Sum256(payload),
	})
	return nil
}

func (k *sink) Close() error {
	b := k.s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	k.s.rec.Closed[k.track] = true
	return nil
}
