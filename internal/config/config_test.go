package config

import (
	"os"
	"path/filepath"
	"testing"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `{
	"api": {"base_url": "https://chat.example.com/api"},
	"feed": {"url": "wss://chat.example.com/ws"},
	"database": {"path": "/var/lib/chatsync/local.db"},
	"sync": {"rollback_on_failure": true},
	"log_level": "debug"
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, 30, cfg.API.TimeoutSec)
	assert.Equal(t, 4000, cfg.Feed.HeartbeatMs)
	assert.Equal(t, 1000, cfg.Feed.ReconnectInitialMs)
	assert.Equal(t, 30000, cfg.Feed.ReconnectMaxMs)
	assert.Equal(t, 0, cfg.Feed.ReconnectMaxAttempt)

	assert.Equal(t, models.SyncConfig{
		MergeWindowMs:       60000,
		LiveDedupeWindowMs:  1000,
		HistoryMaxAttempts:  6,
		HistoryRetryDelayMs: 1000,
		RollbackOnFailure:   true,
	}, cfg.Sync)

	assert.Equal(t, 10, cfg.Media.MaxImageMB)
	assert.Equal(t, 50, cfg.Media.MaxFileMB)
	assert.Equal(t, "chatsync", cfg.Tracing.ServiceName)
	assert.Equal(t, "127.0.0.1:8089", cfg.DebugServer.Addr)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	t.Setenv("CHATSYNC_API_URL", "https://staging.example.com/api")
	t.Setenv("CHATSYNC_FEED_URL", "tcp://127.0.0.1:61613")
	t.Setenv("CHATSYNC_DB_PATH", "/tmp/chatsync.db")
	t.Setenv("CHATSYNC_LOG_LEVEL", "warn")
	t.Setenv("CHATSYNC_ROLLBACK_ON_FAILURE", "false")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "https://staging.example.com/api", cfg.API.BaseURL)
	assert.Equal(t, "tcp://127.0.0.1:61613", cfg.Feed.URL)
	assert.Equal(t, "/tmp/chatsync.db", cfg.Database.Path)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.False(t, cfg.Sync.RollbackOnFailure)
}

func TestLoadConfig_BadEnvironmentValue(t *testing.T) {
	t.Setenv("CHATSYNC_API_TIMEOUT_SEC", "soon")

	_, err := LoadConfig(writeConfig(t, validConfig))
	require.Error(t, err)
	assert.IsType(t, models.ConfigError{}, err)
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "missing api url",
			content: `{"feed": {"url": "wss://x.example.com/ws"}, "database": {"path": "db"}}`,
			wantErr: ErrMissingAPIURL.Message,
		},
		{
			name:    "missing feed url",
			content: `{"api": {"base_url": "https://x.example.com"}, "database": {"path": "db"}}`,
			wantErr: ErrMissingFeedURL.Message,
		},
		{
			name:    "missing database",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "wss://x.example.com/ws"}}`,
			wantErr: ErrMissingDBPath.Message,
		},
		{
			name:    "api url without scheme",
			content: `{"api": {"base_url": "chat.example.com"}, "feed": {"url": "wss://x.example.com/ws"}, "database": {"path": "db"}}`,
			wantErr: "api.base_url",
		},
		{
			name:    "feed url over http",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "http://x.example.com/ws"}, "database": {"path": "db"}}`,
			wantErr: "feed.url must use one of",
		},
		{
			name:    "database path traversal",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "wss://x.example.com/ws"}, "database": {"path": "../../etc/db"}}`,
			wantErr: "database.path",
		},
		{
			name:    "api timeout over an hour",
			content: `{"api": {"base_url": "https://x.example.com", "timeout_sec": 7200}, "feed": {"url": "wss://x.example.com/ws"}, "database": {"path": "db"}}`,
			wantErr: "api.timeout_sec",
		},
		{
			name: "inverted reconnect bounds",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "wss://x.example.com/ws",
				"reconnect_initial_ms": 5000, "reconnect_max_ms": 1000}, "database": {"path": "db"}}`,
			wantErr: "reconnect_max_ms",
		},
		{
			name: "live window wider than merge window",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "wss://x.example.com/ws"},
				"database": {"path": "db"}, "sync": {"merge_window_ms": 500, "live_dedupe_window_ms": 1000}}`,
			wantErr: "live_dedupe_window_ms",
		},
		{
			name:    "unknown log level",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "wss://x.example.com/ws"}, "database": {"path": "db"}, "log_level": "chatty"}`,
			wantErr: "invalid log_level",
		},
		{
			name: "tracing without exporter",
			content: `{"api": {"base_url": "https://x.example.com"}, "feed": {"url": "wss://x.example.com/ws"}, "database": {"path": "db"},
				"tracing": {"enabled": true}}`,
			wantErr: "otlp_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_FileErrors(t *testing.T) {
	_, err := LoadConfig("../../etc/passwd")
	assert.ErrorContains(t, err, "invalid config path")

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, os.IsNotExist(err))

	_, err = LoadConfig(writeConfig(t, `{"api": `))
	assert.Error(t, err)
}
