package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/livecapture/internal/assetwriter"
	"github.com/breeze-rmm/livecapture/internal/camera"
	"github.com/breeze-rmm/livecapture/internal/capture"
	"github.com/breeze-rmm/livecapture/internal/config"
	"github.com/breeze-rmm/livecapture/internal/library"
	"github.com/breeze-rmm/livecapture/internal/livephoto"
	"github.com/breeze-rmm/livecapture/internal/media"
	"github.com/breeze-rmm/livecapture/internal/mux"
	"github.com/breeze-rmm/livecapture/internal/workerpool"
)

var (
	photoPath string
	noSave    bool
	outDir    string
)

const poolDrainTimeout = 15 * time.Second

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Take a live photo: a still plus the system audio playing around it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()
		return runCapture(cmd.Context(), cfg)
	},
}

var synthesizeCmd = &cobra.Command{
	Use:   "synthesize <still> [audio]",
	Short: "Build a live photo motion clip from an image and an optional audio file",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()
		audio := ""
		if len(args) == 2 {
			audio = args[1]
		}
		return runSynthesize(cmd.Context(), cfg, args[0], audio)
	},
}

func init() {
	captureCmd.Flags().StringVar(&photoPath, "photo", "", "use this image file as the still instead of grabbing the screen")
	captureCmd.Flags().BoolVar(&noSave, "no-save", false, "leave the clip in the work directory instead of saving to the library")
	synthesizeCmd.Flags().StringVar(&outDir, "out", ".", "directory for the synthesized clip")
}

func newMuxer(cfg *config.Config, backend assetwriter.Backend, dir string) *mux.Muxer {
	return &mux.Muxer{
		Backend:       backend,
		Reader:        mux.FFmpegAudioReader{Binary: binary(cfg)},
		Dir:           dir,
		Audio:         cfg.AudioFormat(),
		RequireAudio:  cfg.RequireAudio,
		AppendTimeout: cfg.AppendTimeout(),
		MinFreeBytes:  cfg.MinFreeBytes(),
	}
}

func stillSource(cfg *config.Config) camera.Camera {
	if photoPath != "" {
		return camera.FileCamera{Path: photoPath}
	}
	return camera.ScreenCamera{Display: cfg.ScreenDisplay, Quality: cfg.JPEGQuality}
}

func runCapture(ctx context.Context, cfg *config.Config) error {
	bin := binary(cfg)
	if err := bin.CheckInstallation(ctx); err != nil {
		return err
	}
	backend := assetwriter.NewFFmpegBackend(bin)
	workDir := cfg.WorkDir()

	pool := workerpool.New(cfg.MuxWorkers, cfg.MuxWorkers)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), poolDrainTimeout)
		defer cancel()
		pool.Shutdown(drainCtx)
	}()

	mcfg := livephoto.Config{
		Duration: cfg.CaptureDuration(),
		NewTap: func() (capture.Tap, error) {
			return capture.NewSystemTap(bin, cfg.AudioDevice), nil
		},
		Capture: capture.Options{
			Dir:          workDir,
			Format:       cfg.AudioFormat(),
			Backend:      backend,
			MinFreeBytes: cfg.MinFreeBytes(),
		},
		Camera: stillSource(cfg),
		Muxer:  newMuxer(cfg, backend, workDir),
		Pool:   pool,
	}
	if !noSave {
		mcfg.Library = library.NewLocalLibrary(cfg.LibraryDir)
	}

	mgr := livephoto.NewManager(mcfg)
	runCtx, stop := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = mgr.Run(runCtx)
	}()
	defer func() {
		stop()
		<-runDone
	}()

	res, err := mgr.Capture(ctx)
	if err != nil {
		return fmt.Errorf("capture failed: %w", err)
	}
	printClip(res.Clip)
	if res.Session.AudioErr != nil {
		fmt.Printf("Audio:    none (%v)\n", res.Session.AudioErr)
	}
	if res.Asset != nil {
		fmt.Printf("Photo:    %s\n", res.Asset.PhotoPath)
	}
	return nil
}

func runSynthesize(ctx context.Context, cfg *config.Config, stillPath, audioPath string) error {
	bin := binary(cfg)
	if err := bin.CheckInstallation(ctx); err != nil {
		return err
	}
	still, err := camera.FileCamera{Path: stillPath}.CapturePhoto(ctx)
	if err != nil {
		return err
	}

	var clip media.EncodedAudioClip
	if audioPath != "" {
		probe, err := bin.Probe(ctx, audioPath)
		if err != nil {
			return fmt.Errorf("%w: %v", media.ErrSourceMissing, err)
		}
		af := cfg.AudioFormat()
		clip = media.EncodedAudioClip{
			ID:       uuid.NewString(),
			Path:     audioPath,
			Format:   af,
			Samples:  af.DurationFrames(probe.Duration),
			Duration: probe.Duration,
			OK:       probe.HasAudio(),
		}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	m := newMuxer(cfg, assetwriter.NewFFmpegBackend(bin), outDir)
	out, err := m.Synthesize(ctx, still, clip, cfg.CaptureDuration())
	if err != nil {
		return err
	}
	printClip(out)
	return nil
}

func printClip(c media.SynthesizedClip) {
	abs, err := filepath.Abs(c.Path)
	if err != nil {
		abs = c.Path
	}
	fmt.Printf("Clip:     %s\n", abs)
	fmt.Printf("Video:    %dx%d @ %d fps, %d frames (%s)\n",
		c.Video.Width, c.Video.Height, c.Video.FPS, c.Frames, c.Duration)
	if c.HasAudio {
		var dropped string
		if c.DroppedAudio > 0 {
			dropped = fmt.Sprintf(", %d buffers dropped", c.DroppedAudio)
		}
		fmt.Printf("Audio:    %d samples%s\n", c.AudioSamples, dropped)
	}
	if c.ID != "" {
		fmt.Printf("ID:       %s\n", c.ID)
	}
}
