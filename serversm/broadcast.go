package serversm

import "time"

// BroadcastPolicy implements spec §4.5.4: how hard the driver should
// try to deliver a BroadcastToRoom action to each recipient session
// before giving up. Broadcast failures never block sequencing — the
// frame is already persisted and ordered by the time a policy runs.
type BroadcastPolicy interface {
	// Attempts returns the backoff delay before each retry, one entry
	// per attempt after the first (so len(Attempts()) == max_attempts-1).
	// BestEffort returns an empty slice: one attempt, no retry.
	Attempts() []time.Duration
}

// BestEffort sends once and logs on failure. Used in simulation.
type BestEffort struct{}

func (BestEffort) Attempts() []time.Duration { return nil }

// Retry retries delivery up to MaxAttempts times with exponential
// backoff starting at InitialBackoff. Used in production.
type Retry struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
}

func (r Retry) Attempts() []time.Duration {
	if r.MaxAttempts <= 1 {
		return nil
	}
	delays := make([]time.Duration, r.MaxAttempts-1)
	backoff := r.InitialBackoff
	for i := range delays {
		delays[i] = backoff
		backoff *= 2
	}
	return delays
}

func DefaultRetry() Retry {
	return Retry{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond}
}
