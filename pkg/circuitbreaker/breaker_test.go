package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         20 * time.Millisecond,
		MaxProbes:        1,
	}
}

func trip(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < 3; i++ {
		err := cb.Execute(context.Background(), func() error {
			return errors.New("downstream failure")
		})
		require.Error(t, err)
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := New("test", testConfig())
	assert.Equal(t, StateClosed, cb.State())

	trip(t, cb)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	cb := New("test", testConfig())
	trip(t, cb)

	time.Sleep(25 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := cb.Execute(context.Background(), func() error { return nil })
		require.NoError(t, err)
	}

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	cb := New("test", testConfig())
	trip(t, cb)

	time.Sleep(25 * time.Millisecond)

	err := cb.Execute(context.Background(), func() error {
		return errors.New("still failing")
	})
	require.Error(t, err)

	assert.Equal(t, StateOpen, cb.State())
	err = cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerFailureCountResetsOnSuccess(t *testing.T) {
	cb := New("test", testConfig())

	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return errors.New("failure")
		})
	}
	require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))

	// The streak was broken, so two more failures stay under the threshold.
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func() error {
			return errors.New("failure")
		})
	}
	assert.Equal(t, StateClosed, cb.State())
}
