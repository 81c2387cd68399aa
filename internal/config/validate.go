package config

import (
	"fmt"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRemote(); err != nil {
		return err
	}
	if err := c.validateConversion(); err != nil {
		return err
	}
	if err := c.validatePreprocess(); err != nil {
		return err
	}
	if err := c.validateSpace(); err != nil {
		return err
	}
	if err := c.validateRetry(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRemote() error {
	if strings.TrimSpace(c.Remote.BaseURL) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/ferry/config.toml"
		}
		return fmt.Errorf("remote.base_url is required; edit %s (create with 'ferry config init')", defaultPath)
	}
	if !strings.HasPrefix(c.Remote.BaseURL, "http://") && !strings.HasPrefix(c.Remote.BaseURL, "https://") {
		return fmt.Errorf("remote.base_url must be an http(s) URL, got %q", c.Remote.BaseURL)
	}
	if c.Remote.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("remote.request_timeout_seconds must be positive, got %d", c.Remote.RequestTimeoutSeconds)
	}
	if c.Remote.UploadTimeoutSeconds <= 0 {
		return fmt.Errorf("remote.upload_timeout_seconds must be positive, got %d", c.Remote.UploadTimeoutSeconds)
	}
	return nil
}

func (c *Config) validateConversion() error {
	switch c.Conversion.SourceFileAction {
	case "keep", "delete", "archive":
	default:
		return fmt.Errorf("conversion.source_file_action must be keep, delete, or archive, got %q", c.Conversion.SourceFileAction)
	}
	if c.Conversion.SourceFileAction == "archive" && strings.TrimSpace(c.Paths.ArchiveDir) == "" {
		return fmt.Errorf("paths.archive_dir is required when conversion.source_file_action is archive")
	}
	if strings.TrimSpace(c.Conversion.OutputFormat) == "" {
		return fmt.Errorf("conversion.output_format is required")
	}
	if c.Conversion.TargetBitrateKbps < 0 {
		return fmt.Errorf("conversion.target_bitrate_kbps must not be negative, got %d", c.Conversion.TargetBitrateKbps)
	}
	return nil
}

func (c *Config) validatePreprocess() error {
	if c.Preprocess.WorkerLimit < 0 {
		return fmt.Errorf("preprocess.worker_limit must not be negative, got %d", c.Preprocess.WorkerLimit)
	}
	if c.Preprocess.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("preprocess.probe_timeout_seconds must be positive, got %d", c.Preprocess.ProbeTimeoutSeconds)
	}
	if c.Preprocess.ThumbnailWidth <= 0 || c.Preprocess.ThumbnailHeight <= 0 {
		return fmt.Errorf("preprocess.thumbnail dimensions must be positive, got %dx%d",
			c.Preprocess.ThumbnailWidth, c.Preprocess.ThumbnailHeight)
	}
	return nil
}

func (c *Config) validateSpace() error {
	if c.Space.WarningPercent <= 0 || c.Space.WarningPercent >= 100 {
		return fmt.Errorf("space.warning_percent must be between 0 and 100, got %v", c.Space.WarningPercent)
	}
	if c.Space.PausePercent <= c.Space.WarningPercent || c.Space.PausePercent >= 100 {
		return fmt.Errorf("space.pause_percent must be between warning_percent and 100, got %v", c.Space.PausePercent)
	}
	if c.Space.SampleIntervalSeconds <= 0 {
		return fmt.Errorf("space.sample_interval_seconds must be positive, got %d", c.Space.SampleIntervalSeconds)
	}
	return nil
}

func (c *Config) validateRetry() error {
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	return nil
}
