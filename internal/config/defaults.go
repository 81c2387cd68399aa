package config

const (
	defaultStateDir              = "~/.local/share/ferry"
	defaultDownloadDir           = "~/Videos/ferry"
	defaultLogDir                = "~/.local/share/ferry/logs"
	defaultRequestTimeoutSeconds = 30
	defaultUploadTimeoutSeconds  = 1800
	defaultReconnectMaxSeconds   = 60
	defaultOutputFormat          = "mp4"
	defaultVideoCodec            = "h264"
	defaultAudioCodec            = "aac"
	defaultQualityMode           = "crf"
	defaultQualityValue          = 23
	defaultPreset                = "medium"
	defaultTargetBitrateKbps     = 2500
	defaultSourceFileAction      = "keep"
	defaultProbeTimeoutSeconds   = 15
	defaultThumbnailWidth        = 320
	defaultThumbnailHeight       = 180
	defaultWarningPercent        = 80
	defaultPausePercent          = 90
	defaultSampleIntervalSeconds = 30
	defaultMaxRetries            = 3
	defaultNtfyTimeoutSeconds    = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
)

func defaultExtensions() []string {
	return []string{".mp4", ".mkv", ".avi", ".mov", ".wmv", ".flv", ".webm", ".m4v", ".mpg", ".mpeg", ".ts"}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:    defaultStateDir,
			DownloadDir: defaultDownloadDir,
			LogDir:      defaultLogDir,
		},
		Remote: Remote{
			RequestTimeoutSeconds: defaultRequestTimeoutSeconds,
			UploadTimeoutSeconds:  defaultUploadTimeoutSeconds,
			ReconnectMaxSeconds:   defaultReconnectMaxSeconds,
		},
		Conversion: Conversion{
			OutputFormat:      defaultOutputFormat,
			VideoCodec:        defaultVideoCodec,
			AudioCodec:        defaultAudioCodec,
			QualityMode:       defaultQualityMode,
			QualityValue:      defaultQualityValue,
			Preset:            defaultPreset,
			TargetBitrateKbps: defaultTargetBitrateKbps,
			SourceFileAction:  defaultSourceFileAction,
		},
		Preprocess: Preprocess{
			ProbeTimeoutSeconds: defaultProbeTimeoutSeconds,
			ThumbnailWidth:      defaultThumbnailWidth,
			ThumbnailHeight:     defaultThumbnailHeight,
			Extensions:          defaultExtensions(),
		},
		Space: Space{
			WarningPercent:        defaultWarningPercent,
			PausePercent:          defaultPausePercent,
			SampleIntervalSeconds: defaultSampleIntervalSeconds,
		},
		Retry: Retry{
			MaxRetries: defaultMaxRetries,
		},
		Notifications: Notifications{
			RequestTimeoutSeconds: defaultNtfyTimeoutSeconds,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
