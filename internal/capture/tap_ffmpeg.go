package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/breeze-rmm/livecapture/internal/ffmpeg"
	"github.com/breeze-rmm/livecapture/internal/logging"
	"github.com/breeze-rmm/livecapture/internal/media"
)

var tapLog = logging.L("tap")

const (
	tapBufferFrames     = 1024
	defaultStartTimeout = 2 * time.Second
)

// FFmpegTap captures a loopback or monitor device through ffmpeg's device
// demuxers (pulse, avfoundation, dshow) and reads s16le from its stdout.
type FFmpegTap struct {
	Binary      ffmpeg.Binary
	InputFormat string
	Device      string
	Format      media.AudioFormat
	// StartTimeout is how long Start waits for the first bytes before
	// assuming a silent but healthy device.
	StartTimeout time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewFFmpegTap(bin ffmpeg.Binary, inputFormat, device string) *FFmpegTap {
	return &FFmpegTap{
		Binary:       bin,
		InputFormat:  inputFormat,
		Device:       device,
		Format:       media.DefaultAudioFormat(),
		StartTimeout: defaultStartTimeout,
	}
}

func (t *FFmpegTap) args() []string {
	return []string{
		"-f", t.InputFormat,
		"-i", t.Device,
		"-vn",
		"-f", "s16le",
		"-ar", strconv.Itoa(t.Format.SampleRate),
		"-ac", strconv.Itoa(t.Format.Channels),
		"pipe:1",
	}
}

func (t *FFmpegTap) Start(deliver Deliver) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return errors.New("tap already started")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd, stderr := t.Binary.Command(ctx, t.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg %s capture: %w", t.InputFormat, err)
	}

	first := make(chan struct{})
	exited := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t.readLoop(stdout, deliver, first)
		exited <- ffmpeg.WrapExitError("ffmpeg "+t.InputFormat+" capture", cmd.Wait(), stderr)
	}()

	select {
	case <-first:
	case err := <-exited:
		cancel()
		<-stopped
		if err == nil {
			err = errors.New("capture device produced no audio")
		}
		return err
	case <-time.After(t.StartTimeout):
		tapLog.Warn("no audio from capture device yet, continuing", "device", t.Device)
	}

	t.cancel = cancel
	t.stopped = stopped
	return nil
}

func (t *FFmpegTap) readLoop(r io.Reader, deliver Deliver, first chan struct{}) {
	bpf := t.Format.BytesPerFrame()
	chunk := make([]byte, tapBufferFrames*bpf)
	total := 0
	signalled := false
	for {
		n, err := io.ReadFull(r, chunk)
		if frames := n / bpf; frames > 0 {
			if !signalled {
				close(first)
				signalled = true
			}
			data := make([]byte, frames*bpf)
			copy(data, chunk)
			deliver(media.SampleBuffer{
				Kind:   media.SourceAppAudio,
				PTS:    t.Format.FramesDuration(total),
				Data:   data,
				Frames: frames,
			})
			total += frames
		}
		if err != nil {
			return
		}
	}
}

func (t *FFmpegTap) Stop() {
	t.mu.Lock()
	cancel, stopped := t.cancel, t.stopped
	t.cancel, t.stopped = nil, nil
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}
