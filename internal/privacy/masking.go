package privacy

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"chatsync/internal/constants"
)

// MaskUserID masks a user identifier
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultUserIDMaskLength)
}

// MaskMessageID keeps the tail of a message id. Provisional ids of the form
// "{millis}-{sender}-{target}-{hash}" keep the timestamp and hash so log
// lines can still be correlated.
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}

	parts := strings.Split(messageID, "-")
	if len(parts) == 4 && isNumeric(parts[0]) {
		return parts[0] + "-" + MaskUserID(parts[1]) + "-" + MaskUserID(parts[2]) + "-" + parts[3]
	}

	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskConversation masks the id part of a "group:42" / "direct:u7" key
func MaskConversation(key string) string {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return maskString(key, constants.DefaultUserIDMaskLength)
	}
	return kind + ":" + MaskUserID(id)
}

// MaskContent replaces message text with a short preview and its length
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	n := utf8.RuneCountInString(content)
	if n <= constants.DefaultContentPreviewLen {
		return strings.Repeat("*", n)
	}
	runes := []rune(content)
	return string(runes[:constants.DefaultContentPreviewLen/2]) + "...(" + strconv.Itoa(n) + " chars)"
}

// MaskToken hides everything but the last few characters of a bearer token
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return "***" + token[len(token)-4:]
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// isNumeric checks if a string contains only digits
func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
