package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoReturnsFirstSuccess(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), Policy{Attempts: 2, Timeout: time.Second}, "test", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesOnce(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), Policy{Attempts: 2, Timeout: time.Second}, "test", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 2, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), Policy{Attempts: 2, Timeout: time.Second}, "fetch logs", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("rpc down")
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "fetch logs")
	assert.Contains(t, err.Error(), "rpc down")
}

func TestDoRespectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Do(ctx, DefaultPolicy, "test", func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, calls)
}

func TestDoAppliesPerAttemptTimeout(t *testing.T) {
	_, err := Do(context.Background(), Policy{Attempts: 1, Timeout: 10 * time.Millisecond}, "slow", func(ctx context.Context) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
			return 1, nil
		}
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadline")
}
