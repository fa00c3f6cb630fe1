package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"chatsync/internal/constants"
	"chatsync/internal/models"
	"chatsync/internal/security"
	"chatsync/internal/tracing"
	"chatsync/internal/validation"
	pkgconstants "chatsync/pkg/constants"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingAPIURL  = models.ConfigError{Message: "missing API base URL"}
	ErrMissingFeedURL = models.ConfigError{Message: "missing live feed URL"}
	ErrMissingDBPath  = models.ConfigError{Message: "missing database path"}
)

// LoadConfig reads the JSON file at path, applies environment overrides and
// defaults, and validates the result.
func LoadConfig(path string) (*models.Config, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := env.Parse(&config); err != nil {
		return nil, models.ConfigError{Message: fmt.Sprintf("environment overrides: %v", err)}
	}

	applyDefaults(&config)

	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func applyDefaults(c *models.Config) {
	if c.API.TimeoutSec <= 0 {
		c.API.TimeoutSec = constants.DefaultHTTPTimeoutSec
	}

	if c.Feed.HeartbeatMs <= 0 {
		c.Feed.HeartbeatMs = constants.DefaultFeedHeartbeatMs
	}
	if c.Feed.ReconnectInitialMs <= 0 {
		c.Feed.ReconnectInitialMs = constants.DefaultReconnectInitialMs
	}
	if c.Feed.ReconnectMaxMs <= 0 {
		c.Feed.ReconnectMaxMs = constants.DefaultReconnectMaxMs
	}

	if c.Sync.MergeWindowMs <= 0 {
		c.Sync.MergeWindowMs = constants.DefaultMergeWindowMs
	}
	if c.Sync.LiveDedupeWindowMs <= 0 {
		c.Sync.LiveDedupeWindowMs = constants.DefaultLiveDedupeWindowMs
	}
	if c.Sync.HistoryMaxAttempts <= 0 {
		c.Sync.HistoryMaxAttempts = constants.DefaultHistoryMaxAttempts
	}
	if c.Sync.HistoryRetryDelayMs <= 0 {
		c.Sync.HistoryRetryDelayMs = constants.DefaultHistoryRetryDelayMs
	}

	if c.Media.MaxImageMB == 0 {
		c.Media.MaxImageMB = pkgconstants.DefaultMaxImageSizeMB
	}
	if c.Media.MaxVideoMB == 0 {
		c.Media.MaxVideoMB = pkgconstants.DefaultMaxVideoSizeMB
	}
	if c.Media.MaxAudioMB == 0 {
		c.Media.MaxAudioMB = pkgconstants.DefaultMaxAudioSizeMB
	}
	if c.Media.MaxFileMB == 0 {
		c.Media.MaxFileMB = pkgconstants.DefaultMaxDocumentSizeMB
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = constants.DefaultTracingServiceName
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = constants.DefaultTracingServiceVersion
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = constants.DefaultTracingSampleRate
	}
	if c.DebugServer.Addr == "" {
		c.DebugServer.Addr = constants.DefaultDebugServerAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func validate(c *models.Config) error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validation.ValidateTimeout(c.API.TimeoutSec, "api.timeout_sec"); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("api.timeout_sec: %v", err)}
	}
	if c.Feed.URL == "" {
		return ErrMissingFeedURL
	}
	if err := validateURL("feed.url", c.Feed.URL, "ws", "wss", "tcp", "stomp"); err != nil {
		return err
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if err := security.ValidateFilePath(c.Database.Path); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("database.path: %v", err)}
	}

	if c.Feed.ReconnectMaxMs < c.Feed.ReconnectInitialMs {
		return models.ConfigError{Message: "feed.reconnect_max_ms must not be below feed.reconnect_initial_ms"}
	}
	if c.Feed.ReconnectMaxAttempt < 0 {
		return models.ConfigError{Message: "feed.reconnect_max_attempts must not be negative"}
	}
	if c.Sync.LiveDedupeWindowMs > c.Sync.MergeWindowMs {
		return models.ConfigError{Message: "sync.live_dedupe_window_ms must not exceed sync.merge_window_ms"}
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log_level %q", c.LogLevel)}
	}
	if err := tracing.Validate(c.Tracing); err != nil {
		return models.ConfigError{Message: err.Error()}
	}
	return nil
}

func validateURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return models.ConfigError{Message: fmt.Sprintf("%s is not a valid URL: %q", field, raw)}
	}
	scheme := strings.ToLower(u.Scheme)
	for _, s := range schemes {
		if scheme == s {
			return nil
		}
	}
	return models.ConfigError{Message: fmt.Sprintf("%s must use one of %s", field, strings.Join(schemes, ", "))}
}
