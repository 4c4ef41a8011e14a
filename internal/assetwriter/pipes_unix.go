//go:build !windows

package assetwriter

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// trackPipes hands each track to ffmpeg as an inherited file descriptor.
// Track i is the read end of an os.Pipe placed in ExtraFiles, which the
// child sees as fd 3+i and ffmpeg opens as pipe:N.
type trackPipes struct {
	urls    []string
	writers []io.WriteCloser
	readers []*os.File

	closeOnce sync.Once
}

func newTrackPipes(n int) (*trackPipes, error) {
	p := &trackPipes{}
	for i := 0; i < n; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			p.close()
			return nil, err
		}
		p.readers = append(p.readers, r)
		p.writers = append(p.writers, w)
		p.urls = append(p.urls, fmt.Sprintf("pipe:%d", 3+i))
	}
	return p, nil
}

func (p *trackPipes) attach(cmd *exec.Cmd) {
	cmd.ExtraFiles = p.readers
}

// started releases the parent's copies of the read ends so ffmpeg exiting
// turns writes into EPIPE instead of blocking.
func (p *trackPipes) started() {
	for _, r := range p.readers {
		r.Close()
	}
}

func (p *trackPipes) close() {
	p.closeOnce.Do(func() {
		for _, r := range p.readers {
			r.Close()
		}
		for _, w := range p.writers {
			w.Close()
		}
	})
}
