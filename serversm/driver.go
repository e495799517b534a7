package serversm

import (
	"context"
	"fmt"
	"strings"

	"github.com/kalandra/kalandra/internal/auth"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/metrics"
	"github.com/kalandra/kalandra/internal/storage"
	"github.com/kalandra/kalandra/wire"
)

// Server is the top-level sans-IO state machine from spec §4.5: it owns
// the per-connection session lifecycle and delegates room traffic to a
// RoomManager, translating RoomAction into the Action types an outer
// transport driver executes.
type Server struct {
	env    env.Environment
	rooms  *RoomManager
	store  storage.Store
	auth   auth.Authenticator
	config SessionConfig

	sessions       map[uint64]*session
	sessionBySender map[uint64]uint64 // senderId -> sessionId, last-authenticated-wins
}

func NewServer(e env.Environment, store storage.Store, authenticator auth.Authenticator) *Server {
	return &Server{
		env:             e,
		rooms:           NewRoomManager(e),
		store:           store,
		auth:            authenticator,
		config:          DefaultSessionConfig(),
		sessions:        make(map[uint64]*session),
		sessionBySender: make(map[uint64]uint64),
	}
}

// Process is the single entry point: feed it one Event, get back the
// Actions the caller must execute.
func (s *Server) Process(ctx context.Context, event Event) ([]Action, error) {
	switch e := event.(type) {
	case ConnectionAccepted:
		return s.handleConnectionAccepted(e.ConnId)
	case ConnectionClosed:
		return s.handleConnectionClosed(e.ConnId, e.Reason)
	case FrameReceived:
		return s.handleFrameReceived(ctx, e.ConnId, e.Frame)
	case Tick:
		return s.handleTick(e)
	default:
		return nil, fmt.Errorf("serversm: unknown event %T", event)
	}
}

func (s *Server) handleConnectionAccepted(connId uint64) ([]Action, error) {
	s.sessions[connId] = newSession(connId, s.env.Now())
	metrics.SessionsCreated.Inc()
	metrics.SessionsActive.Inc()
	return nil, nil
}

func (s *Server) handleConnectionClosed(connId uint64, reason string) ([]Action, error) {
	sess, ok := s.sessions[connId]
	if !ok {
		return nil, nil
	}
	if sess.senderId != 0 && s.sessionBySender[sess.senderId] == connId {
		delete(s.sessionBySender, sess.senderId)
	}
	delete(s.sessions, connId)
	metrics.SessionsActive.Dec()
	metrics.SessionsClosed.WithLabelValues(closeReasonLabel(reason)).Inc()
	return nil, nil
}

// closeReasonLabel maps a ConnectionClosed event's free-form reason
// (set by the transport, or echoing a CloseConnection action's own
// Reason when the driver closes the socket itself right after) to the
// SessionsClosed metric's fixed reason label.
func closeReasonLabel(reason string) string {
	switch {
	case strings.Contains(reason, "goodbye"):
		return "goodbye"
	case strings.Contains(reason, "handshake timeout"):
		return "handshake_timeout"
	case strings.Contains(reason, "idle timeout"):
		return "idle_timeout"
	default:
		return "error"
	}
}

func (s *Server) handleFrameReceived(ctx context.Context, connId uint64, frame wire.Frame) ([]Action, error) {
	sess, ok := s.sessions[connId]
	if !ok {
		return []Action{CloseConnection{SessionId: connId, Reason: "unknown session"}}, nil
	}

	switch sess.state {
	case StateInit, StatePending:
		return s.handleHandshakeFrame(sess, frame)
	case StateAuthenticated:
		sess.lastActivity = s.env.Now()
		return s.handleAuthenticatedFrame(ctx, sess, frame)
	default: // StateClosed
		return nil, nil
	}
}

func (s *Server) handleHandshakeFrame(sess *session, frame wire.Frame) ([]Action, error) {
	if frame.Header.Opcode != wire.OpHello {
		sess.state = StateClosed
		metrics.HandshakesFailed.WithLabelValues("malformed").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return []Action{CloseConnection{SessionId: sess.id, Reason: "expected Hello"}}, nil
	}
	metrics.HandshakesInitiated.WithLabelValues("client").Inc()

	hello, err := wire.DecodeHello(frame.Payload)
	if err != nil {
		sess.state = StateClosed
		metrics.HandshakesFailed.WithLabelValues("malformed").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return []Action{CloseConnection{SessionId: sess.id, Reason: "malformed Hello"}}, nil
	}

	senderId, err := s.auth.Authenticate(hello.AuthToken)
	if err != nil {
		sess.state = StateClosed
		metrics.HandshakesFailed.WithLabelValues("auth").Inc()
		metrics.HandshakesCompleted.WithLabelValues("failure").Inc()
		return []Action{CloseConnection{SessionId: sess.id, Reason: "authentication failed"}}, nil
	}

	sess.senderId = senderId
	sess.state = StateAuthenticated
	sess.lastActivity = s.env.Now()
	s.sessionBySender[senderId] = sess.id
	metrics.HandshakesCompleted.WithLabelValues("success").Inc()
	metrics.HandshakeDuration.Observe(sess.lastActivity.Sub(sess.createdAt).Seconds())

	reply := wire.HelloReply{SessionId: sess.id, Capabilities: hello.Capabilities}
	replyFrame := wire.Frame{
		Header:  wire.Header{Version: wire.Version, Opcode: wire.OpHelloReply, SenderId: senderId},
		Payload: reply.Encode(),
	}
	return []Action{SendToSession{SessionId: sess.id, Frame: replyFrame}}, nil
}

func (s *Server) handleAuthenticatedFrame(ctx context.Context, sess *session, frame wire.Frame) ([]Action, error) {
	switch frame.Header.Opcode {
	case wire.OpPing:
		pong := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpPong, SenderId: sess.senderId}}
		return []Action{SendToSession{SessionId: sess.id, Frame: pong}}, nil

	case wire.OpGoodbye:
		sess.state = StateClosed
		return []Action{CloseConnection{SessionId: sess.id, Reason: "client goodbye"}}, nil

	case wire.OpSyncRequest:
		return s.handleSyncRequest(ctx, sess, frame)

	case wire.OpAppMessage, wire.OpProposal, wire.OpWelcome:
		return s.handleRoomFrame(ctx, frame)

	case wire.OpCommit:
		// A Commit for a room the server has never seen founds it: the
		// founding member's initial commit self-establishes the MLS group.
		if !s.rooms.HasRoom(frame.Header.RoomId) {
			if err := s.rooms.CreateRoom(frame.Header.RoomId, frame.Header.SenderId); err != nil {
				return nil, err
			}
		}
		return s.handleRoomFrame(ctx, frame)

	default:
		sess.state = StateClosed
		return []Action{CloseConnection{SessionId: sess.id, Reason: "unexpected opcode"}}, nil
	}
}

// RoomMembers returns the current member sender ids of a room, for an
// outer transport driver to resolve BroadcastToRoom into concrete
// per-session sends.
func (s *Server) RoomMembers(roomId wire.RoomId) ([]wire.SenderId, error) {
	return s.rooms.Members(roomId)
}

// SessionIdForSender looks up the session currently authenticated as
// senderId, if any. An outer driver uses this alongside RoomMembers to
// turn a BroadcastToRoom action into concrete SendToSession calls.
func (s *Server) SessionIdForSender(senderId wire.SenderId) (uint64, bool) {
	sessionId, ok := s.sessionBySender[uint64(senderId)]
	return sessionId, ok
}

func (s *Server) handleRoomFrame(ctx context.Context, frame wire.Frame) ([]Action, error) {
	roomActions, err := s.rooms.ProcessFrame(ctx, frame, s.store)
	if err != nil {
		return nil, err
	}
	return s.convertRoomActions(roomActions), nil
}

func (s *Server) handleSyncRequest(ctx context.Context, sess *session, frame wire.Frame) ([]Action, error) {
	req, err := wire.DecodeSyncRequest(frame.Payload)
	if err != nil {
		return []Action{CloseConnection{SessionId: sess.id, Reason: "malformed SyncRequest"}}, nil
	}
	action, err := s.rooms.HandleSyncRequest(ctx, frame.Header.RoomId, sess.senderId, req.FromLogIndex, req.Limit, s.store)
	if err != nil {
		return nil, err
	}
	return s.convertRoomActions([]RoomAction{action}), nil
}

func (s *Server) convertRoomActions(roomActions []RoomAction) []Action {
	actions := make([]Action, 0, len(roomActions))
	for _, ra := range roomActions {
		switch ra.Kind {
		case ActionBroadcast:
			actions = append(actions, BroadcastToRoom{RoomId: ra.RoomId, Frame: ra.Frame})

		case ActionPersistFrame:
			actions = append(actions, PersistFrame{RoomId: ra.RoomId, LogIndex: ra.LogIndex, Frame: ra.Frame})

		case ActionPersistMlsState:
			actions = append(actions, PersistMlsState{RoomId: ra.RoomId, State: ra.MlsState})

		case ActionReject:
			actions = append(actions, s.rejectToActions(ra)...)

		case ActionSendSyncResponse:
			actions = append(actions, s.syncResponseToAction(ra))
		}
	}
	return actions
}

func (s *Server) rejectToActions(ra RoomAction) []Action {
	sessionId, ok := s.sessionBySender[ra.SenderId]
	if !ok {
		return nil
	}
	errFrame := wire.Frame{
		Header:  wire.Header{Version: wire.Version, Opcode: wire.OpError, RoomId: ra.RoomId},
		Payload: []byte(ra.Reason),
	}
	return []Action{SendToSession{SessionId: sessionId, Frame: errFrame}}
}

func (s *Server) syncResponseToAction(ra RoomAction) Action {
	sessionId := s.sessionBySender[ra.SenderId]
	resp := wire.SyncResponse{Frames: ra.SyncFrames, HasMore: ra.HasMore, ServerEpoch: ra.ServerEpoch}
	frame := wire.Frame{
		Header:  wire.Header{Version: wire.Version, Opcode: wire.OpSyncResponse, RoomId: ra.RoomId},
		Payload: resp.Encode(),
	}
	return SendToSession{SessionId: sessionId, Frame: frame}
}

// handleTick implements spec §4.5.1's timeouts: handshake_timeout in
// Init/Pending, idle_timeout in Authenticated, heartbeat_interval
// governing proactive Ping.
func (s *Server) handleTick(tick Tick) ([]Action, error) {
	var actions []Action
	for id, sess := range s.sessions {
		switch sess.state {
		case StateInit, StatePending:
			if !tick.Now.Before(sess.handshakeDeadline(s.config)) {
				sess.state = StateClosed
				actions = append(actions, CloseConnection{SessionId: id, Reason: "handshake timeout"})
			}
		case StateAuthenticated:
			if !tick.Now.Before(sess.idleDeadline(s.config)) {
				sess.state = StateClosed
				actions = append(actions, CloseConnection{SessionId: id, Reason: "idle timeout"})
				continue
			}
			if !tick.Now.Before(sess.nextHeartbeat(s.config)) {
				sess.lastHeartbeatAt = tick.Now
				ping := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpPing}}
				actions = append(actions, SendToSession{SessionId: id, Frame: ping})
			}
		}
	}
	return actions, nil
}
