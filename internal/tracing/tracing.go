package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type ContextKey string

const (
	OperationIDKey ContextKey = "operation_id"
	StartTimeKey   ContextKey = "start_time"
)

// GenerateOperationID returns a short random id used to correlate the log
// lines of one load or dispatch.
func GenerateOperationID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("op_%d", time.Now().UnixNano())
	}
	return "op_" + hex.EncodeToString(bytes)
}

func WithOperationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, OperationIDKey, id)
}

func GetOperationID(ctx context.Context) string {
	if id, ok := ctx.Value(OperationIDKey).(string); ok {
		return id
	}
	return ""
}

// StartOperation tags ctx with a fresh operation id and start time
func StartOperation(ctx context.Context) context.Context {
	ctx = WithOperationID(ctx, GenerateOperationID())
	return context.WithValue(ctx, StartTimeKey, time.Now())
}

// Duration is the time elapsed since StartOperation, or 0
func Duration(ctx context.Context) time.Duration {
	start, ok := ctx.Value(StartTimeKey).(time.Time)
	if !ok {
		return 0
	}
	return time.Since(start)
}
