package transport

import (
	"context"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/auth"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/kalog"
	"github.com/kalandra/kalandra/internal/storage/memory"
	"github.com/kalandra/kalandra/serversm"
	"github.com/kalandra/kalandra/wire"
)

func newTestDriver(t *testing.T) (*Driver, *httptest.Server, string) {
	t.Helper()
	logger := kalog.NewLogger(&testDiscard{}, kalog.ErrorLevel)
	server := serversm.NewServer(env.NewSystem(logger), memory.NewStore(), auth.AllowAll{})
	driver := NewDriver(server, logger)

	httpServer := httptest.NewServer(driver.Handler())
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		httpServer.Close()
	})
	go driver.Run(ctx)

	return driver, httpServer, wsURL
}

type testDiscard struct{}

func (testDiscard) Write(p []byte) (int, error) { return len(p), nil }

func dialAndHello(t *testing.T, wsURL string, senderId uint64) (*websocket.Conn, wire.HelloReply) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	hello := wire.Hello{Version: 1, Capabilities: []string{"mls"}, AuthToken: []byte(strconv.FormatUint(senderId, 10))}
	frame := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpHello}, Payload: hello.Encode()}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, frame.Encode()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	replyFrame, err := wire.Decode(data, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.OpHelloReply, replyFrame.Header.Opcode)

	reply, err := wire.DecodeHelloReply(replyFrame.Payload)
	require.NoError(t, err)
	return conn, reply
}

func TestHandshakeOverWebsocket(t *testing.T) {
	_, _, wsURL := newTestDriver(t)

	conn, _ := dialAndHello(t, wsURL, 7)
	defer conn.Close()
}

func TestPingPongOverWebsocket(t *testing.T) {
	_, _, wsURL := newTestDriver(t)
	conn, _ := dialAndHello(t, wsURL, 7)
	defer conn.Close()

	ping := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpPing}}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, ping.Encode()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	pong, err := wire.Decode(data, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.OpPong, pong.Header.Opcode)
}

func TestCommitEchoesBackToSender(t *testing.T) {
	_, _, wsURL := newTestDriver(t)

	connA, _ := dialAndHello(t, wsURL, 1)
	defer connA.Close()

	roomId := wire.NewRoomId()
	emptyCommit := []byte{0, 0, 0, 0}
	commit := wire.Frame{
		Header:  wire.Header{Version: wire.Version, Opcode: wire.OpCommit, RoomId: roomId, SenderId: 1, Epoch: 0},
		Payload: emptyCommit,
	}
	require.NoError(t, connA.WriteMessage(websocket.BinaryMessage, commit.Encode()))

	require.NoError(t, connA.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := connA.ReadMessage()
	require.NoError(t, err)
	echoed, err := wire.Decode(data, wire.DefaultMaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.OpCommit, echoed.Header.Opcode)
}
