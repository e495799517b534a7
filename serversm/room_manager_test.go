package serversm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/storage/memory"
	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/wire"
)

func newTestRoomManager() (*RoomManager, *memory.Store) {
	e := env.NewDeterministic(1)
	return NewRoomManager(e), memory.NewStore()
}

// signedAppMessageFrame builds an OpAppMessage frame from sender whose
// payload carries a real, room-member signature over its canonical AAD
// plus unsigned body — exercising the same post-sequencing check
// ProcessFrame runs in production instead of an empty stand-in payload.
func signedAppMessageFrame(t *testing.T, rm *RoomManager, roomId wire.RoomId, sender wire.SenderId, epoch uint64) wire.Frame {
	t.Helper()
	group, ok := rm.groups[roomId]
	require.True(t, ok)

	header := wire.Header{Opcode: wire.OpAppMessage, RoomId: roomId, SenderId: sender, Epoch: epoch}
	payload := wire.AppMessagePayload{Epoch: epoch, SenderIndex: uint32(sender)}
	signed := append(append([]byte{}, header.CanonicalAAD()...), payload.EncodeUnsigned()...)
	sig := group.Sign(signed)
	copy(payload.Signature[:], sig)

	return wire.Frame{Header: header, Payload: payload.Encode()}
}

func TestRoomManagerNewHasNoRooms(t *testing.T) {
	rm, _ := newTestRoomManager()
	assert.False(t, rm.HasRoom(wire.NewRoomId()))
}

func TestCreateRoomSucceedsForNewRoom(t *testing.T) {
	rm, _ := newTestRoomManager()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))
	assert.True(t, rm.HasRoom(roomId))
}

func TestCreateRoomRejectsDuplicate(t *testing.T) {
	rm, _ := newTestRoomManager()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))
	err := rm.CreateRoom(roomId, 42)
	require.Error(t, err)
	rerr, ok := err.(*RoomError)
	require.True(t, ok)
	assert.Equal(t, KindRoomAlreadyExists, rerr.Kind)
}

func TestProcessFrameRejectsUnknownRoom(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()

	frame := wire.Frame{Header: wire.Header{Opcode: wire.OpAppMessage, RoomId: wire.NewRoomId(), SenderId: 42}}
	_, err := rm.ProcessFrame(ctx, frame, store)
	require.Error(t, err)
	rerr, ok := err.(*RoomError)
	require.True(t, ok)
	assert.Equal(t, KindRoomNotFound, rerr.Kind)
}

func TestProcessFrameSucceedsForValidFrame(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	frame := signedAppMessageFrame(t, rm, roomId, 42, 0)
	actions, err := rm.ProcessFrame(ctx, frame, store)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionPersistFrame, actions[0].Kind)
	assert.Equal(t, ActionBroadcast, actions[1].Kind)
}

func TestProcessFrameRejectsWrongEpoch(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	frame := wire.Frame{Header: wire.Header{Opcode: wire.OpAppMessage, RoomId: roomId, SenderId: 42, Epoch: 5}}
	actions, err := rm.ProcessFrame(ctx, frame, store)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionReject, actions[0].Kind)
}

func TestProcessFrameRejectsNonMember(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	frame := wire.Frame{Header: wire.Header{Opcode: wire.OpAppMessage, RoomId: roomId, SenderId: 999, Epoch: 0}}
	actions, err := rm.ProcessFrame(ctx, frame, store)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionReject, actions[0].Kind)
}

func TestLogIndicesAreConsecutive(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	for i := 0; i < 3; i++ {
		frame := signedAppMessageFrame(t, rm, roomId, 42, 0)
		actions, err := rm.ProcessFrame(ctx, frame, store)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), actions[0].LogIndex)
	}
}

func TestRejectedFramesDoNotConsumeLogIndex(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	bad := wire.Frame{Header: wire.Header{Opcode: wire.OpAppMessage, RoomId: roomId, SenderId: 999, Epoch: 0}}
	actions, err := rm.ProcessFrame(ctx, bad, store)
	require.NoError(t, err)
	assert.Equal(t, ActionReject, actions[0].Kind)

	good := signedAppMessageFrame(t, rm, roomId, 42, 0)
	actions, err = rm.ProcessFrame(ctx, good, store)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), actions[0].LogIndex)
}

func TestHandleSyncRequestSaturatingSubEdgeCase(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	action, err := rm.HandleSyncRequest(ctx, roomId, 42, 7, 10, store)
	require.NoError(t, err)
	assert.False(t, action.HasMore)
	assert.Empty(t, action.SyncFrames)
}

func TestCommitAdvancesEpochAndGatesFollowingAppMessages(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	kp, _, err := refimpl.GenerateKeyPackage(env.NewDeterministic(7), 99)
	require.NoError(t, err)
	mlsActions, err := rm.AddMembers(roomId, [][]byte{refimpl.EncodeKeyPackage(kp)})
	require.NoError(t, err)

	var commitPayload []byte
	for _, a := range mlsActions {
		if a.Kind == mls.ActionSendCommit {
			commitPayload = a.Payload
		}
	}
	require.NotEmpty(t, commitPayload)

	commit := wire.Frame{Header: wire.Header{Opcode: wire.OpCommit, RoomId: roomId, SenderId: 42, Epoch: 0}, Payload: commitPayload}
	_, err = rm.ProcessFrame(ctx, commit, store)
	require.NoError(t, err)

	epoch, ok := rm.Epoch(roomId)
	require.True(t, ok)
	assert.EqualValues(t, 1, epoch)

	atNewEpoch := signedAppMessageFrame(t, rm, roomId, 42, 1)
	actions, err := rm.ProcessFrame(ctx, atNewEpoch, store)
	require.NoError(t, err)
	assert.Equal(t, ActionPersistFrame, actions[0].Kind)

	atStaleEpoch := wire.Frame{Header: wire.Header{Opcode: wire.OpAppMessage, RoomId: roomId, SenderId: 42, Epoch: 0}}
	actions, err = rm.ProcessFrame(ctx, atStaleEpoch, store)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionReject, actions[0].Kind)
}

func TestHandleSyncRequestPaginates(t *testing.T) {
	rm, store := newTestRoomManager()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	require.NoError(t, rm.CreateRoom(roomId, 42))

	for i := 0; i < 5; i++ {
		frame := signedAppMessageFrame(t, rm, roomId, 42, 0)
		_, err := rm.ProcessFrame(ctx, frame, store)
		require.NoError(t, err)
	}

	action, err := rm.HandleSyncRequest(ctx, roomId, 42, 0, 3, store)
	require.NoError(t, err)
	assert.Len(t, action.SyncFrames, 3)
	assert.True(t, action.HasMore)

	action, err = rm.HandleSyncRequest(ctx, roomId, 42, 3, 3, store)
	require.NoError(t, err)
	assert.Len(t, action.SyncFrames, 2)
	assert.False(t, action.HasMore)
}
