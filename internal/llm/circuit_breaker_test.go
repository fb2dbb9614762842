package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerPassesThroughWhenClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})

	result, err := b.Execute(context.Background(), func() (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, Timeout: time.Minute})
	boom := errors.New("downstream failure")

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), func() (any, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())

	_, err := b.Execute(context.Background(), func() (any, error) {
		t.Fatal("must not be called while open")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3})
	boom := errors.New("flaky")

	for i := 0; i < 5; i++ {
		b.Execute(context.Background(), func() (any, error) { return nil, boom }) //nolint:errcheck
		_, err := b.Execute(context.Background(), func() (any, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHonorsContext(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	_, err := b.Execute(ctx, func() (any, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
