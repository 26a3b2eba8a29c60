package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	policy := RetryPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond}
	attempts := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
}

func TestRetryRespectsMaxRetries(t *testing.T) {
	policy := RetryPolicy{Base: time.Millisecond, Cap: 10 * time.Millisecond, MaxRetries: 2}
	attempts := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	})
	require.Error(t, err)
	require.Equal(t, 2, attempts)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	policy := RetryPolicy{Base: 50 * time.Millisecond, Cap: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := Retry(ctx, policy, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
