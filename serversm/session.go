package serversm

import "time"

// SessionState is a connection's position in spec §4.5.1's lifecycle.
type SessionState int

const (
	StateInit SessionState = iota
	StatePending
	StateAuthenticated
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StatePending:
		return "Pending"
	case StateAuthenticated:
		return "Authenticated"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// SessionConfig carries the timeouts spec §4.5.1 names.
type SessionConfig struct {
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	HeartbeatInterval time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		HandshakeTimeout:  5 * time.Second,
		IdleTimeout:       10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	}
}

// session is server-side per-connection state. SenderId is the identity
// assigned once the handshake authenticates; it stays zero (and
// meaningless) before then.
type session struct {
	id              uint64
	state           SessionState
	senderId        uint64
	createdAt       time.Time
	lastActivity    time.Time
	lastHeartbeatAt time.Time
}

func newSession(id uint64, now time.Time) *session {
	return &session{id: id, state: StateInit, createdAt: now, lastActivity: now, lastHeartbeatAt: now}
}

// handshakeDeadline is when a session stuck in Pending should be closed.
func (s *session) handshakeDeadline(cfg SessionConfig) time.Time {
	return s.createdAt.Add(cfg.HandshakeTimeout)
}

// idleDeadline is when an Authenticated session with no traffic should
// be closed.
func (s *session) idleDeadline(cfg SessionConfig) time.Time {
	return s.lastActivity.Add(cfg.IdleTimeout)
}

func (s *session) nextHeartbeat(cfg SessionConfig) time.Time {
	return s.lastHeartbeatAt.Add(cfg.HeartbeatInterval)
}
