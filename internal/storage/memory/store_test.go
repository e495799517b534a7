package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/storage"
	"github.com/kalandra/kalandra/wire"
)

func TestAppendAndLoadFrames(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, s.Frames().AppendFrame(ctx, roomId, 0, []byte("a")))
	require.NoError(t, s.Frames().AppendFrame(ctx, roomId, 1, []byte("b")))
	require.NoError(t, s.Frames().AppendFrame(ctx, roomId, 2, []byte("c")))

	frames, err := s.Frames().LoadFrames(ctx, roomId, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b"), []byte("c")}, frames)

	latest, ok, err := s.Frames().LatestLogIndex(ctx, roomId)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(2), latest)
}

func TestAppendFrameRejectsOutOfOrderIndex(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, s.Frames().AppendFrame(ctx, roomId, 0, []byte("a")))
	err := s.Frames().AppendFrame(ctx, roomId, 5, []byte("b"))
	assert.ErrorIs(t, err, storage.ErrLogIndexConflict)
}

func TestMlsStateRoundTrip(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	_, ok, err := s.MlsStates().LoadMlsState(ctx, roomId)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MlsStates().StoreMlsState(ctx, roomId, []byte("state-bytes")))
	state, ok, err := s.MlsStates().LoadMlsState(ctx, roomId)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("state-bytes"), state)
}
