package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/retry"
)

const dbRetryDelay = 50 * time.Millisecond

// retryableDBOperationNoReturn executes a database operation that returns only an error with retry logic
func retryableDBOperationNoReturn(ctx context.Context, operation func() error, operationName string) error {
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: dbRetryDelay,
		MaxDelay:     time.Second,
		Multiplier:   2,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	attempts := 0
	err := backoff.RetryWithPredicate(ctx, func(int) error {
		attempts++
		return operation()
	}, isRetryableDBError)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case !isRetryableDBError(err):
		return fmt.Errorf("%s failed (non-retryable): %w", operationName, err)
	default:
		return fmt.Errorf("%s failed after %d attempts: %w", operationName, attempts, err)
	}
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()

	// SQLITE_BUSY and SQLITE_LOCKED
	if strings.Contains(errStr, "database is locked") || strings.Contains(errStr, "database table is locked") {
		return true
	}

	// Disk I/O errors might be transient
	if strings.Contains(errStr, "disk I/O error") {
		return true
	}

	return false
}
