package models

// Config holds the application configuration
type Config struct {
	API         APIConfig         `json:"api"`
	Feed        FeedConfig        `json:"feed"`
	Database    DatabaseConfig    `json:"database"`
	Sync        SyncConfig        `json:"sync"`
	Media       MediaConfig       `json:"media"`
	Auth        AuthConfig        `json:"auth"`
	Tracing     TracingConfig     `json:"tracing"`
	DebugServer DebugServerConfig `json:"debug_server"`
	LogLevel    string            `json:"log_level" env:"CHATSYNC_LOG_LEVEL"`
}

// APIConfig holds settings for the backend REST API
type APIConfig struct {
	BaseURL    string `json:"base_url" env:"CHATSYNC_API_URL"`
	TimeoutSec int    `json:"timeout_sec" env:"CHATSYNC_API_TIMEOUT_SEC"`
}

// FeedConfig holds settings for the live feed connection
type FeedConfig struct {
	URL                 string `json:"url" env:"CHATSYNC_FEED_URL"`
	HeartbeatMs         int    `json:"heartbeat_ms"`
	ReconnectInitialMs  int    `json:"reconnect_initial_ms"`
	ReconnectMaxMs      int    `json:"reconnect_max_ms"`
	ReconnectMaxAttempt int    `json:"reconnect_max_attempts"`
}

// DatabaseConfig holds local store settings
type DatabaseConfig struct {
	Path string `json:"path" env:"CHATSYNC_DB_PATH"`
}

// SyncConfig holds reconciliation tunables
type SyncConfig struct {
	MergeWindowMs       int  `json:"merge_window_ms"`
	LiveDedupeWindowMs  int  `json:"live_dedupe_window_ms"`
	HistoryMaxAttempts  int  `json:"history_max_attempts"`
	HistoryRetryDelayMs int  `json:"history_retry_delay_ms"`
	RollbackOnFailure   bool `json:"rollback_on_failure" env:"CHATSYNC_ROLLBACK_ON_FAILURE"`
	DisableReadReceipts bool `json:"disable_read_receipts"`
}

// MediaConfig holds per-type upload size limits in megabytes
type MediaConfig struct {
	MaxImageMB int `json:"max_image_mb"`
	MaxVideoMB int `json:"max_video_mb"`
	MaxAudioMB int `json:"max_audio_mb"`
	MaxFileMB  int `json:"max_file_mb"`
}

// AuthConfig holds credentials used at startup. Tokens are persisted in the
// local store after the first refresh.
type AuthConfig struct {
	AccessToken  string `json:"access_token" env:"CHATSYNC_ACCESS_TOKEN"`
	RefreshToken string `json:"refresh_token" env:"CHATSYNC_REFRESH_TOKEN"`
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled        bool    `json:"enabled" env:"CHATSYNC_TRACING_ENABLED"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment" env:"CHATSYNC_ENV"`
	OTLPEndpoint   string  `json:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	SampleRate     float64 `json:"sample_rate"`
	UseConsole     bool    `json:"use_console"`
}

// DebugServerConfig holds settings for the local inspection server
type DebugServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr" env:"CHATSYNC_DEBUG_ADDR"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
