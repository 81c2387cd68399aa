package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	StateDir    string `toml:"state_dir"`
	DownloadDir string `toml:"download_dir"`
	ArchiveDir  string `toml:"archive_dir"`
	LogDir      string `toml:"log_dir"`
}

// Remote contains connection settings for the conversion service.
type Remote struct {
	BaseURL               string `toml:"base_url"`
	APIToken              string `toml:"api_token"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
	UploadTimeoutSeconds  int    `toml:"upload_timeout_seconds"`
	ReconnectMaxSeconds   int    `toml:"reconnect_max_seconds"`
}

// Conversion holds the default conversion parameters applied to new tasks.
// The engine passes these through to the remote service unchanged.
type Conversion struct {
	OutputFormat      string `toml:"output_format"`
	Resolution        string `toml:"resolution"`
	VideoCodec        string `toml:"video_codec"`
	AudioCodec        string `toml:"audio_codec"`
	QualityMode       string `toml:"quality_mode"`
	QualityValue      int    `toml:"quality_value"`
	Preset            string `toml:"preset"`
	TargetBitrateKbps int    `toml:"target_bitrate_kbps"`
	SourceFileAction  string `toml:"source_file_action"`
}

// Preprocess contains settings for local metadata and thumbnail extraction.
type Preprocess struct {
	WorkerLimit         int      `toml:"worker_limit"`
	ProbeTimeoutSeconds int      `toml:"probe_timeout_seconds"`
	FFprobeBinary       string   `toml:"ffprobe_binary"`
	FFmpegBinary        string   `toml:"ffmpeg_binary"`
	ThumbnailWidth      int      `toml:"thumbnail_width"`
	ThumbnailHeight     int      `toml:"thumbnail_height"`
	Extensions          []string `toml:"extensions"`
}

// Space contains admission thresholds for the disk space governor.
type Space struct {
	WarningPercent        float64 `toml:"warning_percent"`
	PausePercent          float64 `toml:"pause_percent"`
	SampleIntervalSeconds int     `toml:"sample_interval_seconds"`
	WatchPath             string  `toml:"watch_path"`
}

// Retry contains automatic retry limits for failed tasks.
type Retry struct {
	MaxRetries int `toml:"max_retries"`
}

// Notifications configures optional ntfy pushes for task outcomes.
type Notifications struct {
	NtfyTopic             string `toml:"ntfy_topic"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for ferry.
type Config struct {
	Paths      Paths      `toml:"paths"`
	Remote     Remote     `toml:"remote"`
	Conversion Conversion `toml:"conversion"`
	Preprocess Preprocess `toml:"preprocess"`
	Space      Space      `toml:"space"`
	Retry         Retry         `toml:"retry"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/ferry/config.toml")
}

// SampleConfig returns the embedded sample configuration document.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the embedded sample configuration to the given path.
func CreateSample(path string) error {
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// ExpandPath resolves ~ and returns an absolute path.
func ExpandPath(path string) (string, error) {
	return expandPath(path)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("ferry.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the engine needs at runtime.
// The archive directory is only created when an archive action is configured.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.DownloadDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Conversion.SourceFileAction == "archive" && strings.TrimSpace(c.Paths.ArchiveDir) != "" {
		if err := os.MkdirAll(c.Paths.ArchiveDir, 0o755); err != nil {
			return fmt.Errorf("create archive directory %q: %w", c.Paths.ArchiveDir, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.ArchiveDir) != "" {
		if c.Paths.ArchiveDir, err = expandPath(c.Paths.ArchiveDir); err != nil {
			return fmt.Errorf("paths.archive_dir: %w", err)
		}
	}
	if strings.TrimSpace(c.Space.WatchPath) == "" {
		c.Space.WatchPath = c.Paths.DownloadDir
	} else if c.Space.WatchPath, err = expandPath(c.Space.WatchPath); err != nil {
		return fmt.Errorf("space.watch_path: %w", err)
	}

	c.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(c.Remote.BaseURL), "/")
	c.Conversion.SourceFileAction = strings.ToLower(strings.TrimSpace(c.Conversion.SourceFileAction))
	if c.Conversion.SourceFileAction == "" {
		c.Conversion.SourceFileAction = "keep"
	}
	if c.Preprocess.FFprobeBinary == "" {
		c.Preprocess.FFprobeBinary = "ffprobe"
	}
	if c.Preprocess.FFmpegBinary == "" {
		c.Preprocess.FFmpegBinary = "ffmpeg"
	}
	if len(c.Preprocess.Extensions) == 0 {
		c.Preprocess.Extensions = defaultExtensions()
	}
	for i, ext := range c.Preprocess.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.Preprocess.Extensions[i] = ext
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}
