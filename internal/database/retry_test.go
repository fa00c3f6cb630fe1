package database

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableDBOperationNoReturn_Success(t *testing.T) {
	callCount := 0

	err := retryableDBOperationNoReturn(context.Background(), func() error {
		callCount++
		return nil
	}, "test operation")

	assert.NoError(t, err)
	assert.Equal(t, 1, callCount)
}

func TestRetryableDBOperationNoReturn_SuccessAfterRetries(t *testing.T) {
	callCount := 0

	err := retryableDBOperationNoReturn(context.Background(), func() error {
		callCount++
		if callCount < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, "test operation")

	assert.NoError(t, err)
	assert.Equal(t, 3, callCount)
}

func TestRetryableDBOperationNoReturn_NonRetryableError(t *testing.T) {
	callCount := 0

	err := retryableDBOperationNoReturn(context.Background(), func() error {
		callCount++
		return errors.New("UNIQUE constraint failed")
	}, "test operation")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "non-retryable")
	assert.Equal(t, 1, callCount)
}

func TestRetryableDBOperationNoReturn_MaxAttemptsReached(t *testing.T) {
	callCount := 0

	err := retryableDBOperationNoReturn(context.Background(), func() error {
		callCount++
		return errors.New("database is locked")
	}, "test operation")

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, callCount)
}

func TestRetryableDBOperationNoReturn_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	callCount := 0
	err := retryableDBOperationNoReturn(ctx, func() error {
		callCount++
		return nil
	}, "test operation")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, callCount)
}

func TestIsRetryableDBError(t *testing.T) {
	tests := []struct {
		err      error
		expected bool
	}{
		{nil, false},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("disk I/O error"), true},
		{fmt.Errorf("wrapped: %w", errors.New("database is locked")), true},
		{errors.New("no such table: local_storage"), false},
		{errors.New("UNIQUE constraint failed"), false},
		{context.Canceled, false},
		{context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isRetryableDBError(tt.err))
		})
	}
}
