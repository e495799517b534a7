package serversm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/storage/memory"
	"github.com/kalandra/kalandra/wire"
)

// TestLogIndicesRemainContiguousAcrossRoomManagerRestart exercises
// sequencer monotonicity across a dropped-and-recreated in-memory room
// manager, the way a server restart would: log_index assignment comes
// from the shared store's LatestLogIndex, not from any state the
// RoomManager itself keeps, so a fresh RoomManager backed by the same
// store picks up exactly where the last one left off.
func TestLogIndicesRemainContiguousAcrossRoomManagerRestart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	roomId := wire.NewRoomId()

	rm1 := NewRoomManager(env.NewDeterministic(1))
	require.NoError(t, rm1.CreateRoom(roomId, 42))
	for i := 0; i < 5; i++ {
		frame := signedAppMessageFrame(t, rm1, roomId, 42, 0)
		actions, err := rm1.ProcessFrame(ctx, frame, store)
		require.NoError(t, err)
		assert.EqualValues(t, i, actions[0].LogIndex)
	}

	// rm1 is dropped here; rm2 starts with no in-memory room state at
	// all, only the store rm1 wrote to.
	rm2 := NewRoomManager(env.NewDeterministic(2))
	require.NoError(t, rm2.CreateRoom(roomId, 42))
	for i := 5; i < 10; i++ {
		frame := signedAppMessageFrame(t, rm2, roomId, 42, 0)
		actions, err := rm2.ProcessFrame(ctx, frame, store)
		require.NoError(t, err)
		assert.EqualValues(t, i, actions[0].LogIndex)
	}

	frames, err := store.Frames().LoadFrames(ctx, roomId, 0, 10)
	require.NoError(t, err)
	require.Len(t, frames, 10)
	for i, raw := range frames {
		f, err := wire.Decode(raw, wire.DefaultMaxPayload)
		require.NoError(t, err)
		assert.EqualValues(t, i, f.Header.LogIndex)
	}
}
