package media

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"chatsync/internal/constants"
	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/security"
	"chatsync/internal/validation"
	pkgconstants "chatsync/pkg/constants"
)

// Attachment is a local file checked and classified for upload
type Attachment struct {
	Path        string
	Size        int64
	ContentType string
	Type        models.MessageType
}

// Limits are per-type maximum sizes in megabytes
type Limits struct {
	ImageMB int
	VideoMB int
	AudioMB int
	FileMB  int
}

func DefaultLimits() Limits {
	return Limits{
		ImageMB: pkgconstants.DefaultMaxImageSizeMB,
		VideoMB: pkgconstants.DefaultMaxVideoSizeMB,
		AudioMB: pkgconstants.DefaultMaxAudioSizeMB,
		FileMB:  pkgconstants.DefaultMaxDocumentSizeMB,
	}
}

func (l Limits) maxBytes(t models.MessageType) int64 {
	mb := l.FileMB
	switch t {
	case models.MessageTypeImage:
		mb = l.ImageMB
	case models.MessageTypeVideo:
		mb = l.VideoMB
	case models.MessageTypeAudio:
		mb = l.AudioMB
	}
	return int64(mb) * pkgconstants.BytesPerMegabyte
}

// ContentTypeOf returns the MIME type of path, from its extension when
// known and from its first bytes otherwise.
func ContentTypeOf(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if mime, ok := constants.MimeTypes[ext]; ok {
		return mime
	}
	if sniffed, err := detectContentType(path); err == nil && sniffed != "" {
		return sniffed
	}
	return constants.DefaultMimeType
}

func detectContentType(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	buf := make([]byte, pkgconstants.MimeDetectionBufferSize)
	n, err := io.ReadFull(file, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	ct := http.DetectContentType(buf[:n])
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct, nil
}

// TypeOf maps a MIME type to the message type a file is sent as
func TypeOf(contentType string) models.MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return models.MessageTypeImage
	case strings.HasPrefix(contentType, "video/"):
		return models.MessageTypeVideo
	case strings.HasPrefix(contentType, "audio/"):
		return models.MessageTypeAudio
	}
	return models.MessageTypeFile
}

// Prepare validates path and classifies it
func Prepare(path string, limits Limits) (Attachment, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return Attachment{}, errors.NewValidationError("path", path, err.Error())
	}

	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, errors.NewValidationError("path", path, "file not found")
	}
	if info.IsDir() {
		return Attachment{}, errors.NewValidationError("path", path, "is a directory")
	}
	if info.Size() == 0 {
		return Attachment{}, errors.NewValidationError("path", path, "file is empty")
	}

	contentType := ContentTypeOf(path)
	att := Attachment{
		Path:        path,
		Size:        info.Size(),
		ContentType: contentType,
		Type:        TypeOf(contentType),
	}
	if limit := limits.maxBytes(att.Type); limit > 0 && att.Size > limit {
		return Attachment{}, errors.NewValidationError("path", path,
			fmt.Sprintf("%s too large: %d > %d bytes", strings.ToLower(string(att.Type)), att.Size, limit))
	}
	return att, nil
}

// PrepareAll prepares every path, failing on the first invalid one
func PrepareAll(paths []string, limits Limits) ([]Attachment, error) {
	if err := validation.ValidateFileCount(len(paths)); err != nil {
		return nil, err
	}
	out := make([]Attachment, 0, len(paths))
	for _, p := range paths {
		att, err := Prepare(p, limits)
		if err != nil {
			return nil, err
		}
		out = append(out, att)
	}
	return out, nil
}
