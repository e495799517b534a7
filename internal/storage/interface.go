// Package storage persists sequenced frames and MLS group state, so a
// server can serve sync catch-up (spec §4.5.3) and restart without
// losing room state (spec §9's MLS state serialisation resolution).
// Grounded on pkg/storage's ctx-based interface/memory/postgres split.
package storage

import (
	"context"
	"errors"

	"github.com/kalandra/kalandra/wire"
)

// ErrNotFound is returned when a room has no stored state.
var ErrNotFound = errors.New("storage: not found")

// ErrLogIndexConflict is returned when AppendFrame is called with a
// logIndex that isn't exactly one past the room's latest stored index,
// guarding the total-ordering invariant (spec §8 invariant 1).
var ErrLogIndexConflict = errors.New("storage: log index conflict")

// FrameStore persists sequenced, encoded frames per room in log_index
// order and serves sync catch-up ranges.
type FrameStore interface {
	// AppendFrame stores frame (its already-encoded wire bytes) at
	// logIndex for roomId. Implementations must reject a logIndex that
	// doesn't immediately follow the room's current latest index.
	AppendFrame(ctx context.Context, roomId wire.RoomId, logIndex uint64, frame []byte) error

	// LoadFrames returns up to limit frames starting at fromLogIndex,
	// in ascending log_index order.
	LoadFrames(ctx context.Context, roomId wire.RoomId, fromLogIndex uint64, limit int) ([][]byte, error)

	// LatestLogIndex reports the highest stored log_index for roomId,
	// and false if no frames have been stored yet.
	LatestLogIndex(ctx context.Context, roomId wire.RoomId) (uint64, bool, error)
}

// MlsStateStore persists each room's canonical MLS group state bytes
// (Group.ExportGroupState), so a restarted server can resume a room
// without rebuilding it from the full frame history.
type MlsStateStore interface {
	StoreMlsState(ctx context.Context, roomId wire.RoomId, state []byte) error
	LoadMlsState(ctx context.Context, roomId wire.RoomId) ([]byte, bool, error)
}

// Store combines the storage interfaces a server needs.
type Store interface {
	Frames() FrameStore
	MlsStates() MlsStateStore
	Close() error
	Ping(ctx context.Context) error
}
