package sim

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/kalandra/kalandra/clientsm"
	"github.com/kalandra/kalandra/internal/auth"
	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/metrics"
	"github.com/kalandra/kalandra/internal/storage/memory"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/serversm"
	"github.com/kalandra/kalandra/wire"
)

// Finding is one observable event recorded while a World runs, for a
// Scenario's Oracle to assert against after the fact.
type Finding struct {
	At      time.Time
	Kind    string // "delivered", "room_removed", "log", "client_error", "server_error", "connection_closed"
	Sender  uint64
	Detail  string
}

// World wires one serversm.Server and any number of clientsm.Clients
// together over a deterministic Network, all driven by a single shared
// env.Deterministic clock — so two Worlds built from the same seed and
// fed the same operations produce byte-identical Findings, mirroring
// original_source's determinism property
// (simulation_properties.rs:prop_all_simulations_deterministic).
type World struct {
	ctx     context.Context
	clock   *env.Deterministic
	server  *serversm.Server
	network *Network

	clients map[uint64]*clientsm.Client
	authed  map[uint64]bool

	pendingKeyMaterial map[uint64]refimpl.KeyMaterial

	// policy is always BestEffort: the simulated Network already models
	// delivery loss directly through FaultConfig, so a retry loop on top
	// would just be retrying against the same coin flip. Production's
	// internal/transport.Driver uses Retry instead, where a write
	// failure is a real, worth-retrying transient condition.
	policy serversm.BroadcastPolicy

	findings []Finding
}

// NewWorld builds an empty World: no clients, no rooms, an
// auth.AllowAll server (sims drive sender identity directly, never
// through a real token issuer) and an in-memory store.
func NewWorld(seed int64, faults FaultConfig) *World {
	clock := env.NewDeterministic(seed)
	return &World{
		ctx:     context.Background(),
		clock:   clock,
		server:  serversm.NewServer(clock, memory.NewStore(), auth.AllowAll{}),
		network: NewNetwork(seed, faults),
		policy:  serversm.BestEffort{},
		clients:            make(map[uint64]*clientsm.Client),
		authed:             make(map[uint64]bool),
		pendingKeyMaterial: make(map[uint64]refimpl.KeyMaterial),
	}
}

func (w *World) Now() time.Time { return w.clock.Now() }

func (w *World) Findings() []Finding { return w.findings }

func (w *World) record(f Finding) {
	f.At = w.Now()
	w.findings = append(w.findings, f)
}

// SetFaults changes the network's active fault profile, for scenarios
// that simulate a partition starting or healing mid-run.
func (w *World) SetFaults(faults FaultConfig) { w.network.SetFaults(faults) }

// AddClient constructs a client identity and drives its handshake to
// completion synchronously (handshake framing is a transport-level
// concern clientsm itself never touches — see internal/transport's
// driver_test.go for the same Hello/HelloReply shape over a real
// websocket). senderId doubles as the session's connection id.
func (w *World) AddClient(senderId uint64) error {
	if _, exists := w.clients[senderId]; exists {
		return fmt.Errorf("sim: client %d already added", senderId)
	}

	if _, err := w.server.Process(w.ctx, serversm.ConnectionAccepted{ConnId: senderId}); err != nil {
		return fmt.Errorf("sim: connection accept: %w", err)
	}

	hello := wire.Hello{Version: wire.Version, Capabilities: []string{"mls"}, AuthToken: []byte(strconv.FormatUint(senderId, 10))}
	frame := wire.Frame{Header: wire.Header{Version: wire.Version, Opcode: wire.OpHello}, Payload: hello.Encode()}
	if _, err := w.server.Process(w.ctx, serversm.FrameReceived{ConnId: senderId, Frame: frame}); err != nil {
		return fmt.Errorf("sim: handshake: %w", err)
	}

	w.clients[senderId] = clientsm.New(w.clock, clientsm.NewIdentity(wire.SenderId(senderId)))
	w.authed[senderId] = true
	return nil
}

// Client returns the client state machine for senderId, if added.
func (w *World) Client(senderId uint64) (*clientsm.Client, bool) {
	c, ok := w.clients[senderId]
	return c, ok
}

// PrepareInvite generates a fresh KeyPackage for an already-online but
// not-yet-a-room-member senderId, registers its KeyMaterial so a
// matching Welcome is routed correctly, and returns the encoded
// KeyPackage to hand to the inviter's AddMembers event.
func (w *World) PrepareInvite(senderId uint64) ([]byte, error) {
	kp, km, err := refimpl.GenerateKeyPackage(w.clock, senderId)
	if err != nil {
		return nil, fmt.Errorf("sim: generate key package: %w", err)
	}
	w.RegisterPendingJoin(senderId, km)
	return refimpl.EncodeKeyPackage(kp), nil
}

// Dispatch feeds event to senderId's client and routes every resulting
// Action through the network (or directly, for local bookkeeping
// actions that never touch the wire).
func (w *World) Dispatch(senderId uint64, event clientsm.Event) error {
	client, ok := w.clients[senderId]
	if !ok {
		return fmt.Errorf("sim: no such client %d", senderId)
	}
	actions, err := client.Handle(event)
	if err != nil {
		w.record(Finding{Kind: "client_error", Sender: senderId, Detail: err.Error()})
		return err
	}
	w.processClientActions(senderId, actions)
	return nil
}

func (w *World) processClientActions(senderId uint64, actions []clientsm.Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case clientsm.Send:
			w.routeClientFrame(senderId, a)

		case clientsm.DeliverMessage:
			w.record(Finding{Kind: "delivered", Sender: a.SenderId, Detail: string(a.Plaintext)})

		case clientsm.RoomRemoved:
			w.record(Finding{Kind: "room_removed", Sender: senderId, Detail: a.Reason})

		case clientsm.PersistRoom:
			// Durable storage is the real client binary's job; the sim
			// only tracks wire-visible effects.

		case clientsm.Log:
			w.record(Finding{Kind: "log", Sender: senderId, Detail: a.Message})
		}
	}
}

// RegisterPendingJoin records the KeyMaterial an about-to-be-invited
// client generated for itself, so that when its Welcome frame arrives
// the World can route it into a JoinRoom event instead of FrameReceived
// (clientsm.Client.handleFrame refuses OpWelcome via FrameReceived: a
// Welcome is HPKE-sealed to the invitee, and opening it requires the
// KeyMaterial the invitee alone holds).
func (w *World) RegisterPendingJoin(senderId uint64, km refimpl.KeyMaterial) {
	w.pendingKeyMaterial[senderId] = km
}

// routeClientFrame sends a client-originated frame either point-to-
// point (a's Recipient is set: an out-of-band Welcome delivery the
// server never sees, since the invitee isn't a room member yet) or to
// the server for sequencing and broadcast.
func (w *World) routeClientFrame(senderId uint64, a clientsm.Send) {
	frame := a.Frame
	if a.Recipient != 0 {
		recipient := uint64(a.Recipient)
		w.network.Send(recipient, w.Now(), func() {
			w.deliverWelcome(recipient, frame)
		})
		return
	}

	w.network.Send(senderId, w.Now(), func() {
		actions, err := w.server.Process(w.ctx, serversm.FrameReceived{ConnId: senderId, Frame: frame})
		if err != nil {
			w.record(Finding{Kind: "server_error", Sender: senderId, Detail: err.Error()})
			return
		}
		w.processServerActions(actions)
	})
}

func (w *World) processServerActions(actions []serversm.Action) {
	for _, action := range actions {
		switch a := action.(type) {
		case serversm.SendToSession:
			sessionId := a.SessionId
			frame := a.Frame
			w.network.Send(sessionId, w.Now(), func() {
				w.deliverToClient(sessionId, frame)
			})

		case serversm.BroadcastToRoom:
			w.broadcast(a)

		case serversm.CloseConnection:
			w.authed[a.SessionId] = false
			w.record(Finding{Kind: "connection_closed", Sender: a.SessionId, Detail: a.Reason})

		case serversm.PersistFrame, serversm.PersistMlsState:
			// Already durable by the time RoomManager.ProcessFrame returned.

		case serversm.Log:
			w.record(Finding{Kind: "log", Detail: a.Message})
		}
	}
}

// broadcast delivers a to every room member over the simulated network.
// w.policy.Attempts() is always empty (BestEffort): the Network already
// models loss via FaultConfig, so there is nothing for a retry loop to
// do here beyond what DeliverDue already resolves.
func (w *World) broadcast(a serversm.BroadcastToRoom) {
	members, err := w.server.RoomMembers(a.RoomId)
	if err != nil {
		w.record(Finding{Kind: "server_error", Detail: err.Error()})
		return
	}
	fanout := 0
	for _, member := range members {
		sessionId, ok := w.server.SessionIdForSender(member)
		if !ok {
			continue
		}
		if a.HasExclusion && sessionId == a.ExcludeSession {
			continue
		}
		frame := a.Frame
		w.network.Send(sessionId, w.Now(), func() {
			w.deliverToClient(sessionId, frame)
		})
		fanout++
	}
	metrics.BroadcastFanout.Observe(float64(fanout))
}

// deliverWelcome routes a point-to-point frame to its recipient. A
// Welcome addressed to a registered pending join becomes a JoinRoom
// event; anything else (e.g. a future point-to-point opcode) falls
// back to ordinary FrameReceived delivery.
func (w *World) deliverWelcome(senderId uint64, frame wire.Frame) {
	if frame.Header.Opcode != wire.OpWelcome {
		w.deliverToClient(senderId, frame)
		return
	}

	km, ok := w.pendingKeyMaterial[senderId]
	if !ok {
		w.record(Finding{Kind: "client_error", Sender: senderId, Detail: "welcome received with no pending KeyMaterial"})
		return
	}
	delete(w.pendingKeyMaterial, senderId)

	client, ok := w.clients[senderId]
	if !ok || !w.authed[senderId] {
		return
	}
	actions, err := client.Handle(clientsm.JoinRoom{RoomId: frame.Header.RoomId, Welcome: frame.Payload, KeyMaterial: km})
	if err != nil {
		w.record(Finding{Kind: "client_error", Sender: senderId, Detail: err.Error()})
		return
	}
	w.processClientActions(senderId, actions)
}

func (w *World) deliverToClient(senderId uint64, frame wire.Frame) {
	if !w.authed[senderId] {
		return
	}
	client, ok := w.clients[senderId]
	if !ok {
		return
	}
	actions, err := client.Handle(clientsm.FrameReceived{Frame: frame})
	if err != nil {
		w.record(Finding{Kind: "client_error", Sender: senderId, Detail: err.Error()})
		return
	}
	w.processClientActions(senderId, actions)
}

// Advance moves the virtual clock forward by delta, delivers every
// frame whose latency has now elapsed, and fires a Tick through the
// server and every client so timeout/heartbeat logic runs exactly as
// it would against a real clock.
func (w *World) Advance(delta time.Duration) {
	w.clock.Advance(delta)
	now := w.Now()
	w.network.DeliverDue(now)

	actions, err := w.server.Process(w.ctx, serversm.Tick{Now: now})
	if err != nil {
		w.record(Finding{Kind: "server_error", Detail: err.Error()})
	} else {
		w.processServerActions(actions)
	}

	for senderId, client := range w.clients {
		actions, err := client.Handle(clientsm.Tick{Now: now})
		if err != nil {
			w.record(Finding{Kind: "client_error", Sender: senderId, Detail: err.Error()})
			continue
		}
		w.processClientActions(senderId, actions)
	}
}

// Stats summarizes network activity, for Report.
type Stats struct {
	FramesSent      uint64
	FramesDropped   uint64
	FramesDelivered uint64
	InFlight        int
}

func (w *World) Stats() Stats {
	return Stats{
		FramesSent:      w.network.Sent,
		FramesDropped:   w.network.Dropped,
		FramesDelivered: w.network.Delivered,
		InFlight:        w.network.InFlight(),
	}
}
