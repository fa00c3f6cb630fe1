package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/pkg/constants"
)

// ValidateUserID validates a user identifier used as sender or receiver
func ValidateUserID(field, userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.NewValidationError(field, userID, "cannot be empty")
	}
	if len(userID) > constants.MaxUserIDLength {
		return errors.NewValidationError(field, userID,
			fmt.Sprintf("too long (max %d characters)", constants.MaxUserIDLength))
	}
	if hasControlChars(userID) {
		return errors.NewValidationError(field, userID, "contains invalid characters")
	}
	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.NewValidationError("message_id", messageID, "cannot be empty")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.NewValidationError("message_id", messageID,
			fmt.Sprintf("too long (max %d characters)", constants.MaxMessageIDLength))
	}

	if hasControlChars(messageID) {
		return errors.NewValidationError("message_id", messageID, "contains invalid characters")
	}

	return nil
}

// ValidateConversation checks that a conversation key names a direct peer or a group
func ValidateConversation(key models.ConversationKey) error {
	field := "receiver_id"
	if key.IsGroup {
		field = "group_id"
	}
	return ValidateUserID(field, key.ID)
}

// ValidateContent rejects blank or oversized message bodies
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.NewValidationError("content", "", "cannot be empty")
	}
	if !utf8.ValidString(content) {
		return errors.NewValidationError("content", "", "must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(content); n > constants.MaxContentLength {
		return errors.NewValidationError("content", "",
			fmt.Sprintf("too long (%d characters, max %d)", n, constants.MaxContentLength))
	}
	return nil
}

// ValidateKeyword validates a search keyword
func ValidateKeyword(keyword string) error {
	if strings.TrimSpace(keyword) == "" {
		return errors.NewValidationError("keyword", keyword, "cannot be empty")
	}
	return ValidateStringLength(keyword, "keyword", 1, constants.MaxSearchKeywordSize)
}

// ValidateFileCount bounds the number of files in one upload
func ValidateFileCount(n int) error {
	return ValidateNumericRange(n, "files", 1, constants.MaxFilesPerUpload)
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.NewValidationError(fieldName, value,
			fmt.Sprintf("too short (min %d characters)", minLength))
	}

	if len(value) > maxLength {
		return errors.NewValidationError(fieldName, value,
			fmt.Sprintf("too long (max %d characters)", maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName, fmt.Sprint(value), fmt.Sprintf("too small (min %d)", min))
	}

	if value > max {
		return errors.NewValidationError(fieldName, fmt.Sprint(value), fmt.Sprintf("too large (max %d)", max))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	return ValidateNumericRange(timeoutSec, fieldName, 1, 3600)
}

func hasControlChars(s string) bool {
	for _, char := range s {
		if unicode.IsControl(char) {
			return true
		}
	}
	return false
}
