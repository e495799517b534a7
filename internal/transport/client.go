package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalandra/kalandra/clientsm"
	"github.com/kalandra/kalandra/internal/kalog"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/wire"
)

// ClientConn is the client-side counterpart to Driver: it dials a
// kalandra-server, performs the Hello/HelloReply handshake, and drives a
// clientsm.Client's event/action loop over the connection, grounded on
// the teacher's WSTransport (dial, read loop goroutine, single writer).
// Unlike WSTransport's request/response pairing, frames here are
// fire-and-forget in both directions, matching wire.Frame framing.
type ClientConn struct {
	conn   *websocket.Conn
	client *clientsm.Client
	logger kalog.Logger

	mu      sync.Mutex
	pending []refimpl.KeyMaterial

	// OnDeliverMessage, OnRoomRemoved and OnLog are invoked (from the
	// read loop goroutine) for the corresponding clientsm.Action kinds.
	// Callers that only care about sending frames may leave them nil.
	OnDeliverMessage func(clientsm.DeliverMessage)
	OnRoomRemoved    func(clientsm.RoomRemoved)
	OnLog            func(clientsm.Log)
}

// Dial connects to url, authenticates as senderId via auth.AllowAll-style
// decimal auth_token, and returns a ClientConn driving client.
func Dial(ctx context.Context, url string, senderId uint64, client *clientsm.Client, logger kalog.Logger) (*ClientConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}

	hello := wire.Hello{Version: wire.Version, Capabilities: []string{"mls"}, AuthToken: []byte(strconv.FormatUint(senderId, 10))}
	helloFrame := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpHello}, Payload: hello.Encode()}
	if err := conn.WriteMessage(websocket.BinaryMessage, helloFrame.Encode()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: send hello: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: read hello reply: %w", err)
	}
	replyFrame, err := wire.Decode(data, wire.DefaultMaxPayload)
	if err != nil || replyFrame.Header.Opcode != wire.OpHelloReply {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: unexpected handshake reply")
	}
	if _, err := wire.DecodeHelloReply(replyFrame.Payload); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("transport: decode hello reply: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if logger == nil {
		logger = kalog.GetDefaultLogger()
	}
	cc := &ClientConn{conn: conn, client: client, logger: logger}
	go cc.readLoop()
	return cc, nil
}

// RegisterPendingKeyMaterial retains km so a future inbound Welcome
// frame can be trial-opened against it. There is no server-side
// directory telling an invitee which inviter is about to address a
// Welcome to a given key package, so every retained KeyMaterial is tried
// in turn until one opens (AEAD open fails cleanly on a mismatch).
func (c *ClientConn) RegisterPendingKeyMaterial(km refimpl.KeyMaterial) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, km)
}

// Dispatch feeds event into the client state machine and ships any
// resulting Send actions over the wire. Non-Send actions are delivered
// to the OnX callbacks.
func (c *ClientConn) Dispatch(event clientsm.Event) error {
	actions, err := c.client.Handle(event)
	if err != nil {
		return err
	}
	return c.executeActions(actions)
}

func (c *ClientConn) executeActions(actions []clientsm.Action) error {
	for _, action := range actions {
		switch a := action.(type) {
		case clientsm.Send:
			// Recipient is a hint the in-process simulation harness uses
			// to route Welcome frames directly to an invitee; over a real
			// deployment there is only one upstream (the server), which
			// already fans a room's frames out to its current members, so
			// every Send is written the same way regardless of Recipient.
			if err := c.writeFrame(a.Frame); err != nil {
				return err
			}
		case clientsm.DeliverMessage:
			if c.OnDeliverMessage != nil {
				c.OnDeliverMessage(a)
			}
		case clientsm.RoomRemoved:
			if c.OnRoomRemoved != nil {
				c.OnRoomRemoved(a)
			}
		case clientsm.PersistRoom:
			// Persistence is the caller's responsibility; nothing to do
			// for the interactive CLI, which keeps no local state store.
		case clientsm.Log:
			if c.OnLog != nil {
				c.OnLog(a)
			}
		}
	}
	return nil
}

func (c *ClientConn) writeFrame(frame wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame.Encode())
}

func (c *ClientConn) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(data, wire.DefaultMaxPayload)
		if err != nil {
			c.logger.Warn("dropping malformed frame", kalog.Err(err))
			continue
		}

		if err := c.ProcessFrame(frame); err != nil {
			c.logger.Warn("client.Handle failed", kalog.Err(err))
		}
	}
}

// ProcessFrame routes frame into the client state machine, whether it
// arrived over this connection's read loop or out of band (e.g. a
// Welcome relayed through some other side channel). Welcome frames are
// trial-opened against pending key material; everything else goes
// through the ordinary FrameReceived path.
func (c *ClientConn) ProcessFrame(frame wire.Frame) error {
	if frame.Header.Opcode == wire.OpWelcome {
		return c.tryJoin(frame)
	}
	return c.Dispatch(clientsm.FrameReceived{Frame: frame})
}

// tryJoin handles an inbound Welcome frame (clientsm.Client.Handle
// refuses OpWelcome via plain FrameReceived, since joining needs
// caller-supplied KeyMaterial) by trying every retained pending
// KeyMaterial until one opens it.
func (c *ClientConn) tryJoin(frame wire.Frame) error {
	c.mu.Lock()
	candidates := append([]refimpl.KeyMaterial(nil), c.pending...)
	c.mu.Unlock()

	for _, km := range candidates {
		err := c.Dispatch(clientsm.JoinRoom{RoomId: frame.Header.RoomId, Welcome: frame.Payload, KeyMaterial: km})
		if err == nil {
			c.mu.Lock()
			c.removePending(km)
			c.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("transport: no retained key material opens welcome for room %s", frame.Header.RoomId)
}

func (c *ClientConn) removePending(km refimpl.KeyMaterial) {
	for i, p := range c.pending {
		if p.MemberID == km.MemberID && string(p.X25519Priv) == string(km.X25519Priv) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// Close closes the underlying connection.
func (c *ClientConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
