package clientsm

import (
	"fmt"

	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/ratchet"
)

// Kind tags the variants of Error, mirroring original_source's ClientError
// enum (crates/kalandra-client/src/error.rs).
type Kind int

const (
	KindRoomNotFound Kind = iota
	KindEpochMismatch
	KindRoomAlreadyExists
	KindMLS
	KindSenderKey
	KindInvalidFrame
	KindInvalidState
	KindSyncRequired
	KindSignatureInvalid
)

// Error is the client state machine's error type. Fatal distinguishes
// protocol violations and crypto failures (unrecoverable) from transient
// conditions a caller can recover from via sync or retry, per
// ClientError::is_fatal in the original source.
type Error struct {
	Kind        Kind
	RoomId      mls.RoomId
	Expected    uint64
	Actual      uint64
	TargetEpoch uint64
	Reason      string
	Cause       error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindRoomNotFound:
		return fmt.Sprintf("room not found: %s", e.RoomId)
	case KindEpochMismatch:
		return fmt.Sprintf("epoch mismatch: expected %d, got %d", e.Expected, e.Actual)
	case KindRoomAlreadyExists:
		return fmt.Sprintf("room already exists: %s", e.RoomId)
	case KindMLS:
		return fmt.Sprintf("MLS error: %s", e.Reason)
	case KindSenderKey:
		return fmt.Sprintf("sender key error: %v", e.Cause)
	case KindInvalidFrame:
		return fmt.Sprintf("invalid frame: %s", e.Reason)
	case KindInvalidState:
		return fmt.Sprintf("invalid state: %s", e.Reason)
	case KindSyncRequired:
		return fmt.Sprintf("sync required: room %s needs epoch %d", e.RoomId, e.TargetEpoch)
	case KindSignatureInvalid:
		return "signature invalid: sender authentication failed"
	default:
		return "client error"
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Fatal reports whether this error indicates a protocol violation or bug
// (true) as opposed to a transient condition recoverable via sync/retry.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindInvalidFrame, KindInvalidState, KindMLS, KindSignatureInvalid:
		return true
	case KindSenderKey:
		return ratchet.Fatal(e.Cause)
	default:
		return false
	}
}

func errRoomNotFound(roomId mls.RoomId) error { return &Error{Kind: KindRoomNotFound, RoomId: roomId} }

func errRoomAlreadyExists(roomId mls.RoomId) error {
	return &Error{Kind: KindRoomAlreadyExists, RoomId: roomId}
}

func errEpochMismatch(expected, actual uint64) error {
	return &Error{Kind: KindEpochMismatch, Expected: expected, Actual: actual}
}

func errMLS(cause error) error { return &Error{Kind: KindMLS, Reason: cause.Error(), Cause: cause} }

func errSenderKey(cause error) error { return &Error{Kind: KindSenderKey, Cause: cause} }

func errInvalidFrame(reason string) error { return &Error{Kind: KindInvalidFrame, Reason: reason} }

func errInvalidState(reason string) error { return &Error{Kind: KindInvalidState, Reason: reason} }

func errSignatureInvalid(cause error) error {
	return &Error{Kind: KindSignatureInvalid, Reason: cause.Error(), Cause: cause}
}
