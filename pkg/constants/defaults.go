package constants

// Default timeout values used by client packages
const (
	DefaultHTTPTimeoutSec   = 30
	DefaultUploadTimeoutSec = 120
)

// File size constants used by media packages
const (
	BytesPerMegabyte         = 1024 * 1024
	DefaultMaxImageSizeMB    = 10
	DefaultMaxVideoSizeMB    = 100
	DefaultMaxAudioSizeMB    = 20
	DefaultMaxDocumentSizeMB = 50
	MimeDetectionBufferSize  = 512
)

// Validation constants used by packages
const (
	MaxMessageIDLength   = 256
	MaxUserIDLength      = 128
	MaxContentLength     = 10000
	MaxFilesPerUpload    = 10
	MaxSearchKeywordSize = 200
)

// File permission constants
const (
	DefaultFilePermissions      = 0600
	DefaultDirectoryPermissions = 0750
)
