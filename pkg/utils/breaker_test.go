package utils

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExecuteWithBreaker_ReturnsValue(t *testing.T) {
	cb := NewBreaker("test", DefaultBreakerConfig, zap.NewNop())

	n, err := ExecuteWithBreaker(cb, func() (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, n)

	n, err = ExecuteWithBreaker(cb, func() (int, error) {
		return 7, errors.New("boom")
	})
	require.EqualError(t, err, "boom")
	require.Zero(t, n)
}

func TestRunWithBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewBreaker("test", BreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	}, zap.NewNop())

	storageDown := errors.New("connection refused")
	calls := 0
	fail := func() error {
		calls++
		return storageDown
	}

	require.ErrorIs(t, RunWithBreaker(cb, fail), storageDown)
	require.ErrorIs(t, RunWithBreaker(cb, fail), storageDown)
	require.Equal(t, gobreaker.StateOpen, cb.State())

	require.ErrorIs(t, RunWithBreaker(cb, fail), gobreaker.ErrOpenState)
	require.Equal(t, 2, calls)
}
