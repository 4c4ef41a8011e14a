package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/livecapture/internal/media"
)

type Config struct {
	CaptureSeconds  float64 `mapstructure:"capture_seconds" yaml:"capture_seconds"`
	FrameRate       int     `mapstructure:"frame_rate" yaml:"frame_rate"`
	AudioSampleRate int     `mapstructure:"audio_sample_rate" yaml:"audio_sample_rate"`
	AudioChannels   int     `mapstructure:"audio_channels" yaml:"audio_channels"`
	AudioBitrate    int     `mapstructure:"audio_bitrate" yaml:"audio_bitrate"`
	VideoCodec      string  `mapstructure:"video_codec" yaml:"video_codec"`

	TempDir        string `mapstructure:"temp_dir" yaml:"temp_dir"`
	LibraryDir     string `mapstructure:"library_dir" yaml:"library_dir"`
	MinFreeSpaceMB int    `mapstructure:"min_free_space_mb" yaml:"min_free_space_mb"`

	RequireAudio    bool `mapstructure:"require_audio" yaml:"require_audio"`
	AppendTimeoutMs int  `mapstructure:"append_timeout_ms" yaml:"append_timeout_ms"`
	MuxWorkers      int  `mapstructure:"mux_workers" yaml:"mux_workers"`

	FFmpegPath    string `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath   string `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`
	AudioDevice   string `mapstructure:"audio_device" yaml:"audio_device"`
	ScreenDisplay int    `mapstructure:"screen_display" yaml:"screen_display"`
	JPEGQuality   int    `mapstructure:"jpeg_quality" yaml:"jpeg_quality"`

	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat     string `mapstructure:"log_format" yaml:"log_format"`
	LogFile       string `mapstructure:"log_file" yaml:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups" yaml:"log_max_backups"`
}

func Default() *Config {
	return &Config{
		CaptureSeconds:  media.DefaultCaptureDuration.Seconds(),
		FrameRate:       media.DefaultFrameRate,
		AudioSampleRate: media.DefaultSampleRate,
		AudioChannels:   media.DefaultChannels,
		AudioBitrate:    media.DefaultAudioBitrate,
		VideoCodec:      string(media.VideoCodecH264),
		LibraryDir:      filepath.Join(dataDir(), "library"),
		MinFreeSpaceMB:  64,
		AppendTimeoutMs: 250,
		MuxWorkers:      1,
		JPEGQuality:     90,
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		LogLevel:        "info",
		LogFormat:       "text",
		LogMaxSizeMB:    10,
		LogMaxBackups:   3,
	}
}

// Load reads livecapture.yaml (or cfgFile) and LIVECAPTURE_* environment
// overrides on top of Default. A missing config file is not an error.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("livecapture")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LIVECAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv overrides reach Unmarshal
// even when the key is absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("capture_seconds", cfg.CaptureSeconds)
	v.SetDefault("frame_rate", cfg.FrameRate)
	v.SetDefault("audio_sample_rate", cfg.AudioSampleRate)
	v.SetDefault("audio_channels", cfg.AudioChannels)
	v.SetDefault("audio_bitrate", cfg.AudioBitrate)
	v.SetDefault("video_codec", cfg.VideoCodec)
	v.SetDefault("temp_dir", cfg.TempDir)
	v.SetDefault("library_dir", cfg.LibraryDir)
	v.SetDefault("min_free_space_mb", cfg.MinFreeSpaceMB)
	v.SetDefault("require_audio", cfg.RequireAudio)
	v.SetDefault("append_timeout_ms", cfg.AppendTimeoutMs)
	v.SetDefault("mux_workers", cfg.MuxWorkers)
	v.SetDefault("ffmpeg_path", cfg.FFmpegPath)
	v.SetDefault("ffprobe_path", cfg.FFprobePath)
	v.SetDefault("audio_device", cfg.AudioDevice)
	v.SetDefault("screen_display", cfg.ScreenDisplay)
	v.SetDefault("jpeg_quality", cfg.JPEGQuality)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
}

// CaptureDuration is the scheduled audio capture length and the clip length.
func (c *Config) CaptureDuration() time.Duration {
	return time.Duration(c.CaptureSeconds * float64(time.Second))
}

func (c *Config) AppendTimeout() time.Duration {
	return time.Duration(c.AppendTimeoutMs) * time.Millisecond
}

// MinFreeBytes is the free-space floor checked before a writer is allocated.
func (c *Config) MinFreeBytes() uint64 {
	if c.MinFreeSpaceMB <= 0 {
		return 0
	}
	return uint64(c.MinFreeSpaceMB) << 20
}

// WorkDir is where capture and synthesis temp files are created.
func (c *Config) WorkDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return filepath.Join(os.TempDir(), "livecapture")
}

func (c *Config) AudioFormat() media.AudioFormat {
	return media.AudioFormat{
		Codec:      media.AudioCodecAAC,
		SampleRate: c.AudioSampleRate,
		Channels:   c.AudioChannels,
		Bitrate:    c.AudioBitrate,
	}
}

func configDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "livecapture")
	}
	return "."
}

func dataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "livecapture-data")
	}
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "LiveCapture")
		}
		return filepath.Join(home, "AppData", "Local", "LiveCapture")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "LiveCapture")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "livecapture")
		}
		return filepath.Join(home, ".local", "share", "livecapture")
	}
}
