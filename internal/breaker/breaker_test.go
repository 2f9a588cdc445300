package breaker_test

import (
	"testing"
	"time"

	"github.com/klppl/relay/internal/breaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldTryDefaultsOpen(t *testing.T) {
	reg := breaker.New(3, time.Minute)
	assert.True(t, reg.ShouldTry("example.com"))
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	reg := breaker.New(3, time.Hour)

	reg.RecordFailure("example.com")
	reg.RecordFailure("example.com")
	assert.True(t, reg.ShouldTry("example.com"), "should still be closed before reaching threshold")

	reg.RecordFailure("example.com")
	assert.False(t, reg.ShouldTry("example.com"), "should open once threshold is reached")
}

func TestRecordSuccessClosesCircuit(t *testing.T) {
	reg := breaker.New(2, time.Hour)

	reg.RecordFailure("example.com")
	reg.RecordFailure("example.com")
	require.False(t, reg.ShouldTry("example.com"))

	reg.RecordSuccess("example.com")
	assert.True(t, reg.ShouldTry("example.com"))
}

func TestCircuitHalfOpensAfterCooldown(t *testing.T) {
	reg := breaker.New(1, 10*time.Millisecond)

	reg.RecordFailure("example.com")
	require.False(t, reg.ShouldTry("example.com"))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, reg.ShouldTry("example.com"), "should allow a half-open retry after cooldown elapses")
}

func TestResetForcesClosed(t *testing.T) {
	reg := breaker.New(1, time.Hour)

	reg.RecordFailure("example.com")
	require.False(t, reg.ShouldTry("example.com"))

	reg.Reset("example.com")
	assert.True(t, reg.ShouldTry("example.com"))
}

func TestResetUnknownAuthorityIsNoop(t *testing.T) {
	reg := breaker.New(1, time.Hour)
	reg.Reset("never-seen.example")
}

func TestStatusesReportsFailCountAndCooldown(t *testing.T) {
	reg := breaker.New(1, time.Minute)
	reg.RecordFailure("example.com")

	statuses := reg.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "example.com", statuses[0].Authority)
	assert.True(t, statuses[0].CircuitOpen)
	assert.Equal(t, 1, statuses[0].FailCount)
	assert.Greater(t, statuses[0].CooldownRemaining, 0)
}

func TestDefaultsUsedForNonPositiveArgs(t *testing.T) {
	reg := breaker.New(0, 0)
	// with the default threshold of 5, four failures should not yet open it
	for i := 0; i < 4; i++ {
		reg.RecordFailure("example.com")
	}
	assert.True(t, reg.ShouldTry("example.com"))
	reg.RecordFailure("example.com")
	assert.False(t, reg.ShouldTry("example.com"))
}
