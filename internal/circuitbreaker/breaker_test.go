package circuitbreaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failing(calls *atomic.Int32) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		calls.Add(1)
		return false, errBoom
	}
}

func succeeding(calls *atomic.Int32) func(context.Context) (bool, error) {
	return func(context.Context) (bool, error) {
		calls.Add(1)
		return true, nil
	}
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b := New(3, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	for i := 0; i < 3; i++ {
		_, err := Do(ctx, b, "src", time.Second, failing(&calls))
		assert.ErrorIs(t, err, errBoom)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State("src"))

	_, err := Do(ctx, b, "src", time.Second, failing(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, int32(3), calls.Load())

	ok, err := Do(ctx, b, "other", time.Second, succeeding(&calls))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, gobreaker.StateClosed, b.State("other"))
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := New(2, time.Minute)
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Do(ctx, b, "src", time.Second, failing(&calls))
	_, err := Do(ctx, b, "src", time.Second, succeeding(&calls))
	require.NoError(t, err)
	_, _ = Do(ctx, b, "src", time.Second, failing(&calls))
	assert.Equal(t, gobreaker.StateClosed, b.State("src"))
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Do(ctx, b, "src", time.Second, failing(&calls))
	_, err := Do(ctx, b, "src", time.Second, succeeding(&calls))
	assert.ErrorIs(t, err, ErrOpen)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, gobreaker.StateHalfOpen, b.State("src"))

	ok, err := Do(ctx, b, "src", time.Second, succeeding(&calls))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, gobreaker.StateClosed, b.State("src"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestBreaker_FailedTrialReopens(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	ctx := context.Background()
	var calls atomic.Int32

	_, _ = Do(ctx, b, "src", time.Second, failing(&calls))
	time.Sleep(40 * time.Millisecond)

	_, err := Do(ctx, b, "src", time.Second, failing(&calls))
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, gobreaker.StateOpen, b.State("src"))
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	b := New(1, time.Minute)
	slow := func(ctx context.Context) (bool, error) {
		select {
		case <-time.After(time.Second):
			return true, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	start := time.Now()
	_, err := Do(context.Background(), b, "slow", 20*time.Millisecond, slow)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, gobreaker.StateOpen, b.State("slow"))
}
