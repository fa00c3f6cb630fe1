package security

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// ValidateFilePath rejects empty paths, NUL bytes and any ".." segment.
// Absolute paths are allowed.
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("path contains NUL byte")
	}

	segments := strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' })
	if slices.Contains(segments, "..") {
		return fmt.Errorf("path contains directory traversal: %s", path)
	}

	return nil
}
