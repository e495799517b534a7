package serversm

import (
	"fmt"

	"github.com/kalandra/kalandra/wire"
)

// RoomErrorKind tags the variants of RoomError, mirroring
// original_source's RoomError enum (kalandra-server/src/room_manager.rs).
type RoomErrorKind int

const (
	KindMlsValidation RoomErrorKind = iota
	KindSequencing
	KindStorage
	KindRoomNotFound
	KindRoomAlreadyExists
	KindInvalidEpoch
	KindNotMember
	KindSignatureInvalid
	KindInvalidFrame
)

// RoomError is RoomManager's error type.
type RoomError struct {
	Kind     RoomErrorKind
	RoomId   wire.RoomId
	SenderId wire.SenderId
	Expected uint64
	Actual   uint64
	Cause    error
}

func (e *RoomError) Error() string {
	switch e.Kind {
	case KindMlsValidation:
		return fmt.Sprintf("MLS validation failed: %v", e.Cause)
	case KindSequencing:
		return fmt.Sprintf("sequencer error: %v", e.Cause)
	case KindStorage:
		return fmt.Sprintf("storage error: %v", e.Cause)
	case KindRoomNotFound:
		return fmt.Sprintf("room not found: %s", e.RoomId)
	case KindRoomAlreadyExists:
		return fmt.Sprintf("room already exists: %s", e.RoomId)
	case KindInvalidEpoch:
		return fmt.Sprintf("epoch mismatch: expected %d, got %d", e.Expected, e.Actual)
	case KindNotMember:
		return fmt.Sprintf("not a member: %d", e.SenderId)
	case KindSignatureInvalid:
		return fmt.Sprintf("signature invalid: sender %d", e.SenderId)
	case KindInvalidFrame:
		return fmt.Sprintf("invalid frame: %v", e.Cause)
	default:
		return "room error"
	}
}

func (e *RoomError) Unwrap() error { return e.Cause }

// Fatal reports whether this error reflects a protocol violation
// (MLS validation, non-membership) as opposed to a transient or
// caller-fixable condition.
func (e *RoomError) Fatal() bool {
	switch e.Kind {
	case KindMlsValidation, KindNotMember, KindSignatureInvalid, KindInvalidFrame:
		return true
	default:
		return false
	}
}
