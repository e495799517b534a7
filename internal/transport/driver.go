// Package transport wires serversm.Server's sans-IO event/action loop
// to a real websocket listener, grounded on the teacher's
// pkg/agent/transport/websocket server: an upgrader, a map of tracked
// connections, and a per-connection read loop, adapted from the
// teacher's JSON SecureMessage framing to kalandra's binary wire.Frame
// framing and from a per-connection request/response handler to a
// single serialized event loop (serversm.Server is not safe for
// concurrent Process calls).
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kalandra/kalandra/internal/kalog"
	"github.com/kalandra/kalandra/internal/metrics"
	"github.com/kalandra/kalandra/serversm"
	"github.com/kalandra/kalandra/wire"
)

// Driver upgrades HTTP connections to websocket, translates frames to
// and from serversm Events/Actions, and drives the single-threaded
// Server loop.
type Driver struct {
	server *serversm.Server
	logger kalog.Logger

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[uint64]*websocket.Conn
	nextConn uint64

	events       chan serversm.Event
	tickInterval time.Duration

	policy serversm.BroadcastPolicy
}

// NewDriver constructs a Driver around an already-configured
// serversm.Server. Production broadcast uses serversm.DefaultRetry per
// spec §4.5.4 — a websocket write can fail transiently (a slow reader,
// a momentarily full buffer) and is worth retrying, unlike internal/sim
// which models loss directly via its own fault injection and so opts
// into BestEffort instead.
func NewDriver(server *serversm.Server, logger kalog.Logger) *Driver {
	return &Driver{
		server: server,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns:        make(map[uint64]*websocket.Conn),
		events:       make(chan serversm.Event, 256),
		tickInterval: time.Second,
		policy:       serversm.DefaultRetry(),
	}
}

// LoadTLSConfig builds a tls.Config from a cert/key pair path, for
// callers that serve Driver.Handler over TLS themselves (as
// cmd/kalandra-server does through http.Server.ListenAndServeTLS)
// rather than rely on a reverse proxy.
func LoadTLSConfig(certPath, keyPath string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load TLS key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Handler returns the HTTP handler to mount on the listen address.
func (d *Driver) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := d.upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logger.Warn("websocket upgrade failed", kalog.Err(err))
			return
		}

		d.mu.Lock()
		d.nextConn++
		connId := d.nextConn
		d.conns[connId] = conn
		d.mu.Unlock()

		d.events <- serversm.ConnectionAccepted{ConnId: connId}
		go d.readLoop(connId, conn)
	})
}

func (d *Driver) readLoop(connId uint64, conn *websocket.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, connId)
		d.mu.Unlock()
		_ = conn.Close()
		d.events <- serversm.ConnectionClosed{ConnId: connId, Reason: "read loop ended"}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		frame, err := wire.Decode(data, wire.DefaultMaxPayload)
		if err != nil {
			d.logger.Warn("dropping malformed frame", kalog.Uint64("conn_id", connId), kalog.Err(err))
			continue
		}
		d.events <- serversm.FrameReceived{ConnId: connId, Frame: frame}
	}
}

// Run drives the event loop until ctx is cancelled. It is the only
// goroutine that calls Server.Process, and the only goroutine that
// writes to tracked connections, so writes never race with each other.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event := <-d.events:
			d.dispatch(ctx, event)
		case now := <-ticker.C:
			d.dispatch(ctx, serversm.Tick{Now: now})
		}
	}
}

func (d *Driver) dispatch(ctx context.Context, event serversm.Event) {
	actions, err := d.server.Process(ctx, event)
	if err != nil {
		d.logger.Error("server.Process failed", kalog.Err(err))
		return
	}
	d.executeActions(actions)
}

func (d *Driver) executeActions(actions []serversm.Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case serversm.SendToSession:
			d.sendFrame(a.SessionId, a.Frame)

		case serversm.BroadcastToRoom:
			d.broadcast(a)

		case serversm.CloseConnection:
			d.closeConnection(a.SessionId)

		case serversm.PersistFrame, serversm.PersistMlsState:
			// Already durable by the time RoomManager.ProcessFrame returned;
			// these exist for the driver's own observability.

		case serversm.Log:
			d.logAction(a)
		}
	}
}

func (d *Driver) broadcast(a serversm.BroadcastToRoom) {
	members, err := d.server.RoomMembers(a.RoomId)
	if err != nil {
		d.logger.Warn("broadcast: room lookup failed", kalog.String("room_id", a.RoomId.String()), kalog.Err(err))
		return
	}
	fanout := 0
	for _, member := range members {
		sessionId, ok := d.server.SessionIdForSender(member)
		if !ok {
			continue
		}
		if a.HasExclusion && sessionId == a.ExcludeSession {
			continue
		}
		d.sendFrameWithRetry(sessionId, a.Frame)
		fanout++
	}
	metrics.BroadcastFanout.Observe(float64(fanout))
}

// sendFrameWithRetry attempts sendFrame, then retries per d.policy's
// backoff schedule on write failure — spec §4.5.4's Retry policy,
// instantiated here for the real websocket transport where a write
// failure can be transient.
func (d *Driver) sendFrameWithRetry(sessionId uint64, frame wire.Frame) {
	if d.sendFrame(sessionId, frame) {
		return
	}
	for _, delay := range d.policy.Attempts() {
		time.Sleep(delay)
		metrics.BroadcastRetries.Inc()
		if d.sendFrame(sessionId, frame) {
			return
		}
	}
}

// sendFrame writes frame to sessionId's connection, reporting whether
// the write succeeded.
func (d *Driver) sendFrame(sessionId uint64, frame wire.Frame) bool {
	d.mu.Lock()
	conn, ok := d.conns[sessionId]
	d.mu.Unlock()
	if !ok {
		return false
	}
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return false
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame.Encode()); err != nil {
		d.logger.Warn("write failed", kalog.Uint64("session_id", sessionId), kalog.Err(err))
		return false
	}
	return true
}

func (d *Driver) closeConnection(sessionId uint64) {
	d.mu.Lock()
	conn, ok := d.conns[sessionId]
	delete(d.conns, sessionId)
	d.mu.Unlock()
	if !ok {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()
}

func (d *Driver) logAction(a serversm.Log) {
	fields := []kalog.Field{kalog.String("message", a.Message)}
	switch a.Level {
	case serversm.LogDebug:
		d.logger.Debug("serversm", fields...)
	case serversm.LogWarn:
		d.logger.Warn("serversm", fields...)
	case serversm.LogError:
		d.logger.Error("serversm", fields...)
	default:
		d.logger.Info("serversm", fields...)
	}
}
