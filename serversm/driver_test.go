package serversm

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/auth"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/storage/memory"
	"github.com/kalandra/kalandra/wire"
)

func newTestServer() (*Server, *env.Deterministic) {
	e := env.NewDeterministic(1)
	return NewServer(e, memory.NewStore(), auth.AllowAll{}), e
}

func helloFrame(senderId uint64) wire.Frame {
	hello := wire.Hello{Version: 1, Capabilities: []string{"mls"}}
	if senderId != 0 {
		hello.AuthToken = []byte(strconv.FormatUint(senderId, 10))
	}
	return wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpHello}, Payload: hello.Encode()}
}

func TestConnectionAcceptedCreatesInitSession(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	actions, err := s.Process(ctx, ConnectionAccepted{ConnId: 1})
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Equal(t, StateInit, s.sessions[1].state)
}

func TestHelloAuthenticatesAndRepliesWithSessionId(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	_, err := s.Process(ctx, ConnectionAccepted{ConnId: 1})
	require.NoError(t, err)

	actions, err := s.Process(ctx, FrameReceived{ConnId: 1, Frame: helloFrame(7)})
	require.NoError(t, err)
	require.Len(t, actions, 1)

	send, ok := actions[0].(SendToSession)
	require.True(t, ok)
	assert.Equal(t, wire.OpHelloReply, send.Frame.Header.Opcode)
	assert.Equal(t, StateAuthenticated, s.sessions[1].state)
	assert.Equal(t, uint64(7), s.sessions[1].senderId)
}

func TestNonHelloInInitClosesConnection(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	_, err := s.Process(ctx, ConnectionAccepted{ConnId: 1})
	require.NoError(t, err)

	ping := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpPing}}
	actions, err := s.Process(ctx, FrameReceived{ConnId: 1, Frame: ping})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok := actions[0].(CloseConnection)
	assert.True(t, ok)
	assert.Equal(t, StateClosed, s.sessions[1].state)
}

func TestPingReceivesPongOnceAuthenticated(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	_, _ = s.Process(ctx, ConnectionAccepted{ConnId: 1})
	_, _ = s.Process(ctx, FrameReceived{ConnId: 1, Frame: helloFrame(7)})

	ping := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpPing}}
	actions, err := s.Process(ctx, FrameReceived{ConnId: 1, Frame: ping})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	send := actions[0].(SendToSession)
	assert.Equal(t, wire.OpPong, send.Frame.Header.Opcode)
}

func TestCommitForUnknownRoomFoundsIt(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()
	roomId := wire.NewRoomId()

	_, _ = s.Process(ctx, ConnectionAccepted{ConnId: 1})
	_, _ = s.Process(ctx, FrameReceived{ConnId: 1, Frame: helloFrame(42)})

	// Minimal well-formed empty commit: added_count=0, removed_count=0.
	emptyCommit := []byte{0, 0, 0, 0}
	commit := wire.Frame{
		Header:  wire.Header{Version: wire.Version, Opcode: wire.OpCommit, RoomId: roomId, SenderId: 42, Epoch: 0},
		Payload: emptyCommit,
	}
	actions, err := s.Process(ctx, FrameReceived{ConnId: 1, Frame: commit})
	require.NoError(t, err)
	assert.True(t, s.rooms.HasRoom(roomId))
	assert.NotEmpty(t, actions)
}

func TestHandshakeTimeoutClosesIdleInitSession(t *testing.T) {
	s, e := newTestServer()
	ctx := context.Background()

	_, err := s.Process(ctx, ConnectionAccepted{ConnId: 1})
	require.NoError(t, err)

	e.Advance(6 * time.Second)
	actions, err := s.Process(ctx, Tick{Now: e.Now()})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	closeAction, ok := actions[0].(CloseConnection)
	require.True(t, ok)
	assert.Equal(t, uint64(1), closeAction.SessionId)
	assert.Equal(t, StateClosed, s.sessions[1].state)
}

func TestIdleTimeoutClosesAuthenticatedSession(t *testing.T) {
	s, e := newTestServer()
	ctx := context.Background()

	_, _ = s.Process(ctx, ConnectionAccepted{ConnId: 1})
	_, _ = s.Process(ctx, FrameReceived{ConnId: 1, Frame: helloFrame(7)})

	e.Advance(11 * time.Second)
	actions, err := s.Process(ctx, Tick{Now: e.Now()})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	_, ok := actions[0].(CloseConnection)
	assert.True(t, ok)
}

func TestHeartbeatSendsPingBeforeIdleTimeout(t *testing.T) {
	s, e := newTestServer()
	ctx := context.Background()

	_, _ = s.Process(ctx, ConnectionAccepted{ConnId: 1})
	_, _ = s.Process(ctx, FrameReceived{ConnId: 1, Frame: helloFrame(7)})

	e.Advance(4 * time.Second)
	actions, err := s.Process(ctx, Tick{Now: e.Now()})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	send, ok := actions[0].(SendToSession)
	require.True(t, ok)
	assert.Equal(t, wire.OpPing, send.Frame.Header.Opcode)
	assert.Equal(t, StateAuthenticated, s.sessions[1].state)
}

func TestConnectionClosedRemovesSession(t *testing.T) {
	s, _ := newTestServer()
	ctx := context.Background()

	_, _ = s.Process(ctx, ConnectionAccepted{ConnId: 1})
	_, _ = s.Process(ctx, FrameReceived{ConnId: 1, Frame: helloFrame(7)})

	_, err := s.Process(ctx, ConnectionClosed{ConnId: 1, Reason: "done"})
	require.NoError(t, err)
	_, ok := s.sessions[1]
	assert.False(t, ok)
	_, ok = s.sessionBySender[7]
	assert.False(t, ok)
}
