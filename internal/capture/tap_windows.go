//go:build windows

package capture

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"syscall"
	"time"
	"unsafe"

	"github.com/breeze-rmm/livecapture/internal/media"
)

var (
	clsidMMDeviceEnumerator = comGUID{0xBCDE0395, 0xE52F, 0x467C, [8]byte{0x8E, 0x3D, 0xC4, 0x57, 0x92, 0x91, 0x69, 0x2E}}
	iidIMMDeviceEnumerator  = comGUID{0xA95664D2, 0x9614, 0x4F35, [8]byte{0xA7, 0x46, 0xDE, 0x8D, 0xB6, 0x36, 0x17, 0xE6}}
	iidIAudioClient         = comGUID{0x1CB9AD4C, 0xDBFA, 0x4c32, [8]byte{0xB1, 0x78, 0xC2, 0xF5, 0x68, 0xA7, 0x03, 0xB2}}
	iidIAudioCaptureClient  = comGUID{0xC8ADBD64, 0xE71E, 0x48a0, [8]byte{0xA4, 0xDE, 0x18, 0x5C, 0x39, 0x5C, 0xD3, 0x17}}
)

const (
	eRender                = 0
	eConsole               = 0
	audclntStreamLoopback  = 0x00020000
	audclntShareModeShared = 0
	audclntBufferSilent    = 0x2
	audclntDeviceInvalid   = 0x88890004
	waveFormatIEEEFloat    = 0x0003
	waveFormatExtensible   = 0xFFFE

	// vtable indices; IUnknown occupies 0-2.
	mmdeGetDefaultAudioEndpoint = 4
	mmDeviceActivate            = 3
	audioClientInitialize       = 3
	audioClientGetMixFormat     = 8
	audioClientStart            = 10
	audioClientStop             = 11
	audioClientGetService       = 14
	capClientGetBuffer          = 3
	capClientReleaseBuffer      = 4

	loopbackBuffer = 200 * time.Millisecond
	pollInterval   = 10 * time.Millisecond
)

type waveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	CbSize         uint16
}

// wasapiTap captures the default render endpoint in shared loopback mode.
// COM calls run on one locked OS thread owned by the capture goroutine; the
// device mix format is converted to 44.1 kHz stereo s16le.
type wasapiTap struct {
	format media.AudioFormat

	mu      sync.Mutex
	done    chan struct{}
	stopped chan struct{}
}

func newWASAPITap() *wasapiTap {
	return &wasapiTap{format: media.DefaultAudioFormat()}
}

func (w *wasapiTap) Start(deliver Deliver) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done != nil {
		return errors.New("tap already started")
	}

	done := make(chan struct{})
	stopped := make(chan struct{})
	ready := make(chan error, 1)
	go func() {
		defer close(stopped)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		w.run(deliver, done, ready)
	}()
	if err := <-ready; err != nil {
		<-stopped
		return err
	}
	w.done, w.stopped = done, stopped
	return nil
}

func (w *wasapiTap) Stop() {
	w.mu.Lock()
	done, stopped := w.done, w.stopped
	w.done, w.stopped = nil, nil
	w.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	<-stopped
}

type wasapiClient struct {
	enumerator    uintptr
	device        uintptr
	audioClient   uintptr
	captureClient uintptr
	mix           waveFormatEx
}

func (c *wasapiClient) release() {
	if c.audioClient != 0 {
		comCall(c.audioClient, audioClientStop)
	}
	comRelease(c.captureClient)
	comRelease(c.audioClient)
	comRelease(c.device)
	comRelease(c.enumerator)
}

func openLoopback() (*wasapiClient, error) {
	c := &wasapiClient{}
	hr, _, _ := syscall.SyscallN(procCoCreateInstance.Addr(),
		uintptr(unsafe.Pointer(&clsidMMDeviceEnumerator)),
		0,
		clsctxAll,
		uintptr(unsafe.Pointer(&iidIMMDeviceEnumerator)),
		uintptr(unsafe.Pointer(&c.enumerator)),
	)
	if int32(hr) < 0 {
		return nil, fmt.Errorf("CoCreateInstance MMDeviceEnumerator: 0x%08X", uint32(hr))
	}
	if _, err := comCall(c.enumerator, mmdeGetDefaultAudioEndpoint,
		eRender, eConsole, uintptr(unsafe.Pointer(&c.device))); err != nil {
		c.release()
		return nil, fmt.Errorf("GetDefaultAudioEndpoint: %w", err)
	}
	if _, err := comCall(c.device, mmDeviceActivate,
		uintptr(unsafe.Pointer(&iidIAudioClient)), clsctxAll, 0,
		uintptr(unsafe.Pointer(&c.audioClient))); err != nil {
		c.release()
		return nil, fmt.Errorf("Activate IAudioClient: %w", err)
	}

	var mixPtr uintptr
	if _, err := comCall(c.audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&mixPtr))); err != nil {
		c.release()
		return nil, fmt.Errorf("GetMixFormat: %w", err)
	}
	c.mix = *(*waveFormatEx)(unsafe.Pointer(mixPtr))

	// Initialize reads the mix format, so it is freed only afterwards.
	_, err := comCall(c.audioClient, audioClientInitialize,
		audclntShareModeShared,
		audclntStreamLoopback,
		uintptr(loopbackBuffer/100), // REFERENCE_TIME is 100ns units
		0,
		mixPtr,
		0,
	)
	procCoTaskMemFree.Call(mixPtr)
	if err != nil {
		c.release()
		return nil, fmt.Errorf("Initialize loopback: %w", err)
	}
	if _, err := comCall(c.audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(&iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&c.captureClient))); err != nil {
		c.release()
		return nil, fmt.Errorf("GetService IAudioCaptureClient: %w", err)
	}
	if _, err := comCall(c.audioClient, audioClientStart); err != nil {
		c.release()
		return nil, fmt.Errorf("Start: %w", err)
	}
	return c, nil
}

func (w *wasapiTap) run(deliver Deliver, done <-chan struct{}, ready chan<- error) {
	hr, _, _ := procCoInitializeEx.Call(0, coinitMultithreaded)
	if int32(hr) < 0 {
		ready <- fmt.Errorf("CoInitializeEx: 0x%08X", uint32(hr))
		return
	}
	defer procCoUninitialize.Call()

	c, err := openLoopback()
	if err != nil {
		ready <- err
		return
	}
	defer c.release()

	enc := encodingS16
	if c.mix.FormatTag == waveFormatIEEEFloat || (c.mix.FormatTag == waveFormatExtensible && c.mix.BitsPerSample == 32) {
		enc = encodingF32
	}
	conv := newPCMConverter(int(c.mix.SamplesPerSec), int(c.mix.Channels), w.format.SampleRate, w.format.Channels, enc)
	tapLog.Info("WASAPI loopback started",
		"channels", c.mix.Channels,
		"sampleRate", c.mix.SamplesPerSec,
		"bitsPerSample", c.mix.BitsPerSample,
		"formatTag", c.mix.FormatTag,
	)
	ready <- nil

	bytesPerFrame := int(c.mix.BlockAlign)
	total := 0
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		for {
			var dataPtr uintptr
			var numFrames, flags uint32
			hr, _, _ := syscall.SyscallN(comVtblFn(c.captureClient, capClientGetBuffer),
				c.captureClient,
				uintptr(unsafe.Pointer(&dataPtr)),
				uintptr(unsafe.Pointer(&numFrames)),
				uintptr(unsafe.Pointer(&flags)),
				0, 0,
			)
			if int32(hr) < 0 {
				if uint32(hr) == audclntDeviceInvalid {
					tapLog.Warn("audio device invalidated, stopping loopback")
					return
				}
				break
			}
			if numFrames == 0 {
				break
			}

			size := int(numFrames) * bytesPerFrame
			raw := make([]byte, size)
			if flags&audclntBufferSilent == 0 && dataPtr != 0 {
				copy(raw, unsafe.Slice((*byte)(unsafe.Pointer(dataPtr)), size))
			}
			relHr, _, _ := syscall.SyscallN(comVtblFn(c.captureClient, capClientReleaseBuffer),
				c.captureClient, uintptr(numFrames))
			if int32(relHr) < 0 {
				tapLog.Warn("WASAPI ReleaseBuffer failed", "hr", fmt.Sprintf("0x%08X", uint32(relHr)))
				return
			}

			pcm, frames := conv.Convert(raw)
			if frames == 0 {
				continue
			}
			deliver(media.SampleBuffer{
				Kind:   media.SourceAppAudio,
				PTS:    w.format.FramesDuration(total),
				Data:   pcm,
				Frames: frames,
			})
			total += frames
		}
	}
}
