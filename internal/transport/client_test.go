package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/clientsm"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/wire"
)

func dialClient(t *testing.T, wsURL string, senderId uint64) (*ClientConn, *clientsm.Client) {
	t.Helper()
	e := env.NewSystem(nil)
	client := clientsm.New(e, clientsm.NewIdentity(senderId))
	conn, err := Dial(context.Background(), wsURL, senderId, client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, client
}

func TestClientConnHandshakeAndSelfEcho(t *testing.T) {
	_, _, wsURL := newTestDriver(t)
	conn, client := dialClient(t, wsURL, 1)

	roomId := wire.NewRoomId()
	require.NoError(t, conn.Dispatch(clientsm.CreateRoom{RoomId: roomId}))

	delivered := make(chan clientsm.DeliverMessage, 1)
	conn.OnDeliverMessage = func(m clientsm.DeliverMessage) { delivered <- m }

	require.NoError(t, conn.Dispatch(clientsm.SendMessage{RoomId: roomId, Plaintext: []byte("hi")}))

	select {
	case m := <-delivered:
		assert.Equal(t, "hi", string(m.Plaintext))
		assert.True(t, client.IsMember(roomId))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for self-echoed message")
	}
}

func TestClientConnAddMemberAndWelcomeRouting(t *testing.T) {
	_, _, wsURL := newTestDriver(t)
	inviter, _ := dialClient(t, wsURL, 1)
	invitee, inviteeClient := dialClient(t, wsURL, 2)

	roomId := wire.NewRoomId()
	require.NoError(t, inviter.Dispatch(clientsm.CreateRoom{RoomId: roomId}))

	e := env.NewSystem(nil)
	kp, km, err := refimpl.GenerateKeyPackage(e, 2)
	require.NoError(t, err)
	invitee.RegisterPendingKeyMaterial(km)

	require.NoError(t, inviter.Dispatch(clientsm.AddMembers{RoomId: roomId, KeyPackages: [][]byte{refimpl.EncodeKeyPackage(kp)}}))

	require.Eventually(t, func() bool {
		return inviteeClient.IsMember(roomId)
	}, 2*time.Second, 10*time.Millisecond, "invitee should join via the routed Welcome")
}
