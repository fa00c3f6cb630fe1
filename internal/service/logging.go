package service

import (
	"context"

	"chatsync/internal/models"
	"chatsync/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey marks a context whose log lines may carry raw ids and content
const VerboseContextKey ContextKey = "verbose"

func WithVerboseLogging(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// Standard field names
const (
	LogFieldConversation = "conversation"
	LogFieldMessageID    = "message_id"
	LogFieldUserID       = "user_id"
	LogFieldOperation    = "operation"
	LogFieldGeneration   = "generation"
	LogFieldAttempt      = "attempt"
	LogFieldCount        = "count"
	LogFieldDuration     = "duration_ms"
)

// messageFields renders msg for a log line, masked unless ctx is verbose
func messageFields(ctx context.Context, msg models.Message) logrus.Fields {
	if IsVerboseLogging(ctx) {
		return logrus.Fields{
			LogFieldMessageID: msg.ID,
			"sender":          msg.SenderID,
			"content":         msg.Content,
			"type":            msg.Type,
		}
	}
	return logrus.Fields{
		LogFieldMessageID: privacy.MaskMessageID(msg.ID),
		"sender":          privacy.MaskUserID(msg.SenderID),
		"content":         privacy.MaskContent(msg.Content),
		"type":            msg.Type,
	}
}

func conversationField(ctx context.Context, key models.ConversationKey) string {
	if IsVerboseLogging(ctx) {
		return key.String()
	}
	return privacy.MaskConversation(key.String())
}

func idField(ctx context.Context, messageID string) string {
	if IsVerboseLogging(ctx) {
		return messageID
	}
	return privacy.MaskMessageID(messageID)
}
