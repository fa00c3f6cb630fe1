package constants

// Reconciliation defaults
const (
	DefaultMergeWindowMs       = 60000
	DefaultLiveDedupeWindowMs  = 1000
	DefaultHistoryMaxAttempts  = 6
	DefaultHistoryRetryDelayMs = 1000
)

// Live feed defaults
const (
	DefaultFeedHeartbeatMs        = 4000
	DefaultReconnectInitialMs     = 1000
	DefaultReconnectMaxMs         = 30000
	DefaultFeedEventBufferSize    = 64
	DefaultFeedSubprotocol        = "v12.stomp"
	DefaultFeedConnectTimeoutSec  = 10
	DefaultFeedDisconnectGraceSec = 2
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec         = 30
	DefaultUploadTimeoutSec       = 120
	DefaultDatabaseRetryAttempts  = 3
	DefaultGracefulShutdownSec    = 10
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultConfigPollIntervalSec  = 5
	DefaultDebugServerAddr        = "127.0.0.1:8089"
	DefaultTracingServiceName     = "chatsync"
	DefaultTracingServiceVersion  = "dev"
	DefaultTracingSampleRate      = 1.0
	DefaultSessionCommandQueueLen = 128
)

// Privacy settings
const (
	DefaultUserIDMaskLength  = 4
	DefaultMessageIDLength   = 8
	DefaultContentPreviewLen = 12
)
