//go:build windows

package assetwriter

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"

	"github.com/Microsoft/go-winio"
	"github.com/google/uuid"
)

// trackPipes hands each track to ffmpeg as a named pipe path. ffmpeg opens
// \\.\pipe\livecapture-<id>-<i> as a regular input file; the write side is
// connected once ffmpeg opens it.
type trackPipes struct {
	urls      []string
	writers   []io.WriteCloser
	listeners []net.Listener

	closeOnce sync.Once
}

func newTrackPipes(n int) (*trackPipes, error) {
	p := &trackPipes{}
	id := uuid.NewString()
	for i := 0; i < n; i++ {
		name := fmt.Sprintf(`\\.\pipe\livecapture-%s-%d`, id, i)
		l, err := winio.ListenPipe(name, &winio.PipeConfig{OutputBufferSize: 1 << 20})
		if err != nil {
			p.close()
			return nil, fmt.Errorf("listen %s: %w", name, err)
		}
		p.listeners = append(p.listeners, l)
		p.writers = append(p.writers, newAcceptingWriter(l))
		p.urls = append(p.urls, name)
	}
	return p, nil
}

func (p *trackPipes) attach(*exec.Cmd) {}

func (p *trackPipes) started() {}

func (p *trackPipes) close() {
	p.closeOnce.Do(func() {
		for _, w := range p.writers {
			w.Close()
		}
		for _, l := range p.listeners {
			l.Close()
		}
	})
}

// acceptingWriter accepts the single ffmpeg connection in the background and
// blocks writes until it arrives.
type acceptingWriter struct {
	l     net.Listener
	ready chan struct{}
	conn  net.Conn
	err   error

	closeOnce sync.Once
	closeErr  error
}

func newAcceptingWriter(l net.Listener) *acceptingWriter {
	w := &acceptingWriter{l: l, ready: make(chan struct{})}
	go func() {
		w.conn, w.err = l.Accept()
		close(w.ready)
	}()
	return w
}

func (w *acceptingWriter) Write(p []byte) (int, error) {
	<-w.ready
	if w.err != nil {
		return 0, w.err
	}
	return w.conn.Write(p)
}

func (w *acceptingWriter) Close() error {
	w.closeOnce.Do(func() {
		w.l.Close()
		<-w.ready
		if w.conn != nil {
			w.closeErr = w.conn.Close()
		} else if w.err != nil && !errors.Is(w.err, winio.ErrPipeListenerClosed) {
			w.closeErr = w.err
		}
	})
	return w.closeErr
}
