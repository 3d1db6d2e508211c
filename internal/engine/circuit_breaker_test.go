package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowengine/pkg/schema"
)

func newTestBreakers(threshold int) (*CircuitBreakerRegistry, *fakeClock) {
	clock := newFakeClock(t0)
	cbr := NewCircuitBreakerRegistry(CircuitBreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         10 * time.Second,
		HalfOpenMax:      1,
	}, clock.Now)
	return cbr, clock
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cbr, _ := newTestBreakers(3)
	assert.NoError(t, cbr.Allow("message"))
	assert.Equal(t, CircuitClosed, cbr.State("message"))
	assert.Equal(t, "closed", cbr.State("message").String())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cbr, _ := newTestBreakers(3)

	cbr.RecordFailure("message")
	cbr.RecordFailure("message")
	assert.Equal(t, CircuitClosed, cbr.State("message"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("message"))

	err := cbr.Allow("message")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCircuitOpen, schema.ErrorCode(err))
	assert.False(t, IsRetryableError(err))

	// Other collaborators are unaffected.
	assert.NoError(t, cbr.Allow("tag"))
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cbr, _ := newTestBreakers(2)
	cbr.RecordFailure("tag")
	cbr.RecordSuccess("tag")
	assert.Equal(t, CircuitClosed, cbr.RecordFailure("tag"))
}

func TestCircuitBreaker_HalfOpenTrialCall(t *testing.T) {
	cbr, clock := newTestBreakers(1)
	cbr.RecordFailure("notify")
	require.Error(t, cbr.Allow("notify"))

	clock.Advance(10 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cbr.State("notify"))

	require.NoError(t, cbr.Allow("notify"), "first trial call passes")
	assert.Error(t, cbr.Allow("notify"), "second trial call waits")

	cbr.RecordSuccess("notify")
	assert.Equal(t, CircuitClosed, cbr.State("notify"))
}

func TestCircuitBreaker_FailedTrialReopens(t *testing.T) {
	cbr, clock := newTestBreakers(1)
	cbr.RecordFailure("notify")
	clock.Advance(11 * time.Second)
	require.NoError(t, cbr.Allow("notify"))

	assert.Equal(t, CircuitOpen, cbr.RecordFailure("notify"))
	assert.Error(t, cbr.Allow("notify"))
}
