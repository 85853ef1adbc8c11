package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	// 3 failures, 100ms timeout
	cb := NewCircuitBreaker(3, 100*time.Millisecond)

	assert.Equal(t, StateClosed, cb.State())
	assert.True(t, cb.Allow(), "closed breaker must allow requests")

	cb.Failure()
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "should remain closed after 2 failures")

	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())
	assert.False(t, cb.Allow(), "open breaker must reject requests")

	time.Sleep(150 * time.Millisecond)

	require.True(t, cb.Allow(), "should allow a probe after timeout")
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one probe at a time")

	// Probe fails -> open again
	cb.Failure()
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(150 * time.Millisecond)
	cb.Allow()

	// Probe succeeds -> closed
	cb.Success()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.failures)
}

func TestCircuitBreaker_Execute(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	boom := errors.New("boom")

	calls := 0
	fail := func() error {
		calls++
		return boom
	}

	assert.ErrorIs(t, cb.Execute(fail), boom)
	assert.ErrorIs(t, cb.Execute(fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(fail), ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not call through")
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour)
	cb.Failure()
	require.NoError(t, cb.Execute(func() error { return nil }))
	cb.Failure()
	assert.Equal(t, StateClosed, cb.State(), "failures must be consecutive")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
