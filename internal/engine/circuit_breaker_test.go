package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/durable/internal/clock"
	"github.com/rendis/durable/pkg/schema"
)

var breakerStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *clock.Fake) {
	clk := clock.NewFake(breakerStart)
	return NewCircuitBreaker("journal", CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		HalfOpenMax:      1,
	}, clk), clk
}

func TestCircuitBreaker_StartsClosedAllowsRequests(t *testing.T) {
	cb := NewCircuitBreaker("journal", DefaultCircuitBreakerConfig(), nil)
	assert.NoError(t, cb.AllowRequest())
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 10*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())

	assert.Equal(t, CircuitOpen, cb.RecordFailure())

	err := cb.AllowRequest()
	require.Error(t, err)
	var de *schema.DurableError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeJournalUnavailable, de.Code)
	assert.True(t, de.IsRetryable())
	assert.Equal(t, "journal", de.Details["breaker"])
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 10*time.Second)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb, clk := newTestBreaker(2, 10*time.Second)
	cb.RecordFailure()
	cb.RecordFailure()

	clk.Advance(9 * time.Second)
	assert.Error(t, cb.AllowRequest())

	clk.Advance(time.Second)
	assert.NoError(t, cb.AllowRequest(), "first request after cooldown is the probe")
	assert.Error(t, cb.AllowRequest(), "only one probe while half-open")
}

func TestCircuitBreaker_HalfOpenToClosedOnSuccess(t *testing.T) {
	cb, clk := newTestBreaker(2, time.Second)
	cb.RecordFailure()
	cb.RecordFailure()

	clk.Advance(time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.AllowRequest())
	cb.RecordSuccess()

	assert.Equal(t, CircuitClosed, cb.State())
	assert.NoError(t, cb.AllowRequest())
}

func TestCircuitBreaker_HalfOpenToOpenOnFailure(t *testing.T) {
	cb, clk := newTestBreaker(5, time.Second)
	for i := 0; i < 5; i++ {
		cb.RecordFailure()
	}

	clk.Advance(time.Second)
	require.NoError(t, cb.AllowRequest())
	assert.Equal(t, CircuitOpen, cb.RecordFailure())
	assert.Error(t, cb.AllowRequest())
}

func TestCircuitBreaker_Stats(t *testing.T) {
	cb, _ := newTestBreaker(5, time.Second)
	cb.RecordFailure()
	cb.RecordFailure()

	stats := cb.Stats()
	assert.Equal(t, "journal", stats["breaker"])
	assert.Equal(t, "closed", stats["state"])
	assert.Equal(t, 2, stats["consecutive_failures"])
	assert.Equal(t, 5, stats["failure_threshold"])
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}
