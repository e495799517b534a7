package serversm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBestEffortAttemptsNoRetry(t *testing.T) {
	assert.Empty(t, BestEffort{}.Attempts())
}

func TestRetryAttemptsExponentialBackoff(t *testing.T) {
	r := Retry{MaxAttempts: 4, InitialBackoff: 10 * time.Millisecond}
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}, r.Attempts())
}

func TestRetrySingleAttemptHasNoDelays(t *testing.T) {
	assert.Empty(t, Retry{MaxAttempts: 1, InitialBackoff: time.Second}.Attempts())
	assert.Empty(t, Retry{MaxAttempts: 0, InitialBackoff: time.Second}.Attempts())
}

func TestDefaultRetryValues(t *testing.T) {
	r := DefaultRetry()
	assert.Equal(t, 5, r.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, r.InitialBackoff)
	assert.Len(t, r.Attempts(), 4)
}
