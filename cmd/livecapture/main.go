package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/breeze-rmm/livecapture/internal/config"
	"github.com/breeze-rmm/livecapture/internal/ffmpeg"
	"github.com/breeze-rmm/livecapture/internal/logging"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:           "livecapture",
	Short:         "Capture live photos with system audio",
	Long:          `livecapture - takes a still together with a few seconds of system audio and writes the pair as a live photo`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("livecapture v%s\n", version)
		cfg, err := config.Load(cfgFile)
		if err != nil {
			cfg = config.Default()
		}
		if v, err := binary(cfg).Version(cmd.Context()); err == nil {
			fmt.Println(v)
		} else {
			fmt.Println("ffmpeg: not found")
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		result := cfg.ValidateTiered()
		for _, w := range result.Warnings {
			fmt.Fprintf(os.Stderr, "warning: %v\n", w)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return result.Err()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/livecapture/livecapture.yaml)")

	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(synthesizeCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(libraryCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads and validates the config and initializes logging. cleanup
// releases the log file, if any.
func setup() (cfg *config.Config, cleanup func(), err error) {
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	var output io.Writer
	cleanup = func() {}
	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s, logging to stderr: %v\n", cfg.LogFile, err)
		} else {
			output = rw
			cleanup = func() { _ = rw.Close() }
		}
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, output)

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, f := range result.Fatals {
			log.Error("invalid configuration", logging.KeyError, f.Error())
		}
		cleanup()
		return nil, nil, fmt.Errorf("invalid configuration: %w", result.Err())
	}
	return cfg, cleanup, nil
}

func binary(cfg *config.Config) ffmpeg.Binary {
	return ffmpeg.Binary{FFmpeg: cfg.FFmpegPath, FFprobe: cfg.FFprobePath}
}
