package constants

// MimeTypes maps file extensions to their corresponding MIME types
var MimeTypes = map[string]string{
	// Image formats
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".heic": "image/heic",

	// Video formats
	".mp4": "video/mp4",
	".mov": "video/quicktime",
	".avi": "video/x-msvideo",
	".mkv": "video/x-matroska",

	// Document formats
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".txt":  "text/plain",
	".zip":  "application/zip",

	// Audio formats
	".ogg": "audio/ogg",
	".mp3": "audio/mpeg",
	".wav": "audio/wav",
	".aac": "audio/aac",
	".m4a": "audio/mp4",
}

// DefaultMimeType is the fallback MIME type for unknown file extensions
const DefaultMimeType = "application/octet-stream"
