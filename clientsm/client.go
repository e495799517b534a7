// Package clientsm implements the client-side state machine from spec
// §4.4: a pure (state, event) -> (state, actions) machine managing
// multiple room memberships, MLS group state, and per-room sender-key
// ratchets. All I/O — sending frames, persisting snapshots — is returned
// as Actions for the caller to carry out; the machine itself never
// touches a socket or disk. Grounded on original_source's
// crates/kalandra-client/src/client.rs.
package clientsm

import (
	"fmt"
	"time"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/ratchet"
	"github.com/kalandra/kalandra/wire"
)

// SenderKeyContext is the export_secret context used to derive sender
// keys from MLS epoch secrets; empty, matching the original source.
var SenderKeyContext = []byte{}

const senderKeySecretSize = 32

// Identity is the client's persistent, cross-room identity.
type Identity struct {
	SenderId wire.SenderId
}

func NewIdentity(senderId wire.SenderId) Identity { return Identity{SenderId: senderId} }

type roomState struct {
	group       mls.Group
	senderKeys  *ratchet.SenderKeyStore
	myLeafIndex uint32
}

// Client is the top-level client state machine.
type Client struct {
	identity Identity
	rooms    map[mls.RoomId]*roomState
	env      env.Environment
	newGroup mls.NewFunc
}

// New creates a client with the given identity. Its newGroup field is
// always set to refimpl.New; tests in this package may overwrite the
// field with a fake to exercise CreateRoom without the refimpl adapter.
func New(e env.Environment, identity Identity) *Client {
	return &Client{
		identity: identity,
		rooms:    make(map[mls.RoomId]*roomState),
		env:      e,
		newGroup: refimpl.New,
	}
}

func (c *Client) SenderId() wire.SenderId { return c.identity.SenderId }

func (c *Client) RoomCount() int { return len(c.rooms) }

func (c *Client) IsMember(roomId mls.RoomId) bool {
	_, ok := c.rooms[roomId]
	return ok
}

func (c *Client) Epoch(roomId mls.RoomId) (uint64, bool) {
	r, ok := c.rooms[roomId]
	if !ok {
		return 0, false
	}
	return r.group.Epoch(), true
}

// Handle processes one event and returns the actions the caller must
// carry out, or a *Error if the event cannot be processed.
func (c *Client) Handle(event Event) ([]Action, error) {
	switch e := event.(type) {
	case CreateRoom:
		return c.handleCreateRoom(e.RoomId)
	case SendMessage:
		return c.handleSendMessage(e.RoomId, e.Plaintext)
	case FrameReceived:
		return c.handleFrame(e.Frame)
	case Tick:
		return c.handleTick(e.Now)
	case LeaveRoom:
		return c.handleLeaveRoom(e.RoomId)
	case JoinRoom:
		return c.handleJoinRoom(e.RoomId, e.Welcome, e.KeyMaterial)
	case AddMembers:
		return c.handleAddMembers(e.RoomId, e.KeyPackages)
	default:
		return nil, errInvalidState(fmt.Sprintf("unknown event %T", event))
	}
}

func (c *Client) handleCreateRoom(roomId mls.RoomId) ([]Action, error) {
	if _, exists := c.rooms[roomId]; exists {
		return nil, errRoomAlreadyExists(roomId)
	}

	now := c.env.Now()
	group, mlsActions, err := c.newGroup(c.env, roomId, mls.MemberId(c.identity.SenderId), now)
	if err != nil {
		return nil, errMLS(err)
	}

	senderKeys, leaf, _, err := c.initializeSenderKeys(group)
	if err != nil {
		return nil, err
	}
	c.rooms[roomId] = &roomState{group: group, senderKeys: senderKeys, myLeafIndex: leaf}

	actions := c.convertMLSActions(mlsActions)
	actions = append(actions, Log{Message: fmt.Sprintf("created room %s at epoch 0", roomId)})
	return actions, nil
}

// initializeSenderKeys derives the sender-key ratchet state for a group
// from its currently exported epoch secret, per spec §4.2's bootstrap.
func (c *Client) initializeSenderKeys(group mls.Group) (*ratchet.SenderKeyStore, uint32, uint64, error) {
	secret, err := group.ExportSecret(ratchet.SenderKeyLabel, SenderKeyContext, senderKeySecretSize)
	if err != nil {
		return nil, 0, 0, errMLS(err)
	}
	var epochSecret [32]byte
	copy(epochSecret[:], secret)

	leafIndices := group.MemberLeafIndices()
	store := ratchet.InitializeEpoch(epochSecret, uint64(c.identity.SenderId), leafIndices, ratchet.DefaultSkipWindow)
	return store, group.OwnLeafIndex(), group.Epoch(), nil
}

func (c *Client) handleSendMessage(roomId mls.RoomId, plaintext []byte) ([]Action, error) {
	room, ok := c.rooms[roomId]
	if !ok {
		return nil, errRoomNotFound(roomId)
	}

	random16 := env.Random16(c.env)
	epoch := room.group.Epoch()

	header := wire.Header{
		Version:  wire.Version,
		Opcode:   wire.OpAppMessage,
		RoomId:   roomId,
		SenderId: c.identity.SenderId,
		Epoch:    epoch,
	}
	ad := header.CanonicalAAD()

	encrypted, err := room.senderKeys.Encrypt(plaintext, ad, random16)
	if err != nil {
		return nil, errSenderKey(err)
	}

	payload := wire.AppMessagePayload{
		Epoch:       epoch,
		SenderIndex: room.myLeafIndex,
		Generation:  encrypted.Generation,
		Nonce:       encrypted.Nonce,
		Ciphertext:  encrypted.Ciphertext,
	}
	signed := append(append([]byte{}, ad...), payload.EncodeUnsigned()...)
	copy(payload.Signature[:], room.group.Sign(signed))

	frame := wire.Frame{Header: header, Payload: payload.Encode()}
	return []Action{Send{Frame: frame}}, nil
}

func (c *Client) handleFrame(f wire.Frame) ([]Action, error) {
	roomId := f.Header.RoomId
	switch f.Header.Opcode {
	case wire.OpAppMessage:
		return c.handleAppMessage(roomId, f)
	case wire.OpCommit:
		return c.handleCommit(roomId, f)
	case wire.OpWelcome:
		return nil, errInvalidState("Welcome frame processing requires KeyMaterial: use the JoinRoom event, not FrameReceived")
	default:
		room, ok := c.rooms[roomId]
		if !ok {
			return nil, errRoomNotFound(roomId)
		}
		mlsActions, err := room.group.ProcessMessage(c.env, f.Header.Opcode, f.Payload)
		if err != nil {
			return nil, errMLS(err)
		}
		return c.convertMLSActions(mlsActions), nil
	}
}

func (c *Client) handleAppMessage(roomId mls.RoomId, f wire.Frame) ([]Action, error) {
	room, ok := c.rooms[roomId]
	if !ok {
		return nil, errRoomNotFound(roomId)
	}

	roomEpoch := room.group.Epoch()
	if f.Header.Epoch != roomEpoch {
		return nil, errEpochMismatch(roomEpoch, f.Header.Epoch)
	}

	am, err := wire.DecodeAppMessage(f.Payload)
	if err != nil {
		return nil, errInvalidFrame(err.Error())
	}

	ad := f.Header.CanonicalAAD()

	signingKey, ok := room.group.MemberSigningKey(mls.MemberId(f.Header.SenderId))
	if !ok {
		return nil, errRoomNotFound(roomId)
	}
	signed := append(append([]byte{}, ad...), am.EncodeUnsigned()...)
	if err := mls.VerifySignature(signingKey, signed, am.Signature[:]); err != nil {
		return nil, errSignatureInvalid(err)
	}

	plaintext, err := room.senderKeys.Decrypt(f.Header.SenderId, am.Generation, am.Nonce, am.Ciphertext, ad)
	if err != nil {
		return nil, errSenderKey(err)
	}

	return []Action{DeliverMessage{
		RoomId:    roomId,
		SenderId:  f.Header.SenderId,
		Plaintext: plaintext,
		LogIndex:  f.Header.LogIndex,
		Timestamp: f.Header.HLCTimestamp,
	}}, nil
}

func (c *Client) handleCommit(roomId mls.RoomId, f wire.Frame) ([]Action, error) {
	room, ok := c.rooms[roomId]
	if !ok {
		return nil, errRoomNotFound(roomId)
	}

	var mlsActions []mls.Action
	var err error
	if room.group.HasPendingCommit() {
		// Our own commit, echoed back once the server sequenced it.
		mlsActions, err = room.group.MergePendingCommit(c.env)
	} else {
		mlsActions, err = room.group.ProcessMessage(c.env, wire.OpCommit, f.Payload)
	}
	if err != nil {
		return nil, errMLS(err)
	}
	actions := c.convertMLSActions(mlsActions)

	senderKeys, leaf, epoch, err := c.initializeSenderKeys(room.group)
	if err != nil {
		return nil, err
	}
	room.senderKeys = senderKeys
	room.myLeafIndex = leaf

	state, err := room.group.ExportGroupState()
	if err != nil {
		return nil, errMLS(err)
	}
	actions = append(actions, PersistRoom{Snapshot: RoomStateSnapshot{
		RoomId: roomId, Epoch: epoch, MlsState: state, MyLeafIndex: leaf,
	}})
	return actions, nil
}

// handleJoinRoom opens a sealed Welcome with the caller-retained
// KeyMaterial and installs the resulting group as a new room membership.
func (c *Client) handleJoinRoom(roomId mls.RoomId, welcome []byte, km refimpl.KeyMaterial) ([]Action, error) {
	if _, exists := c.rooms[roomId]; exists {
		return nil, errRoomAlreadyExists(roomId)
	}

	group, err := refimpl.JoinFromWelcome(welcome, km)
	if err != nil {
		return nil, errMLS(err)
	}

	senderKeys, leaf, epoch, err := c.initializeSenderKeys(group)
	if err != nil {
		return nil, err
	}
	c.rooms[roomId] = &roomState{group: group, senderKeys: senderKeys, myLeafIndex: leaf}

	return []Action{Log{Message: fmt.Sprintf("joined room %s at epoch %d", roomId, epoch)}}, nil
}

func (c *Client) handleAddMembers(roomId mls.RoomId, keyPackages [][]byte) ([]Action, error) {
	room, ok := c.rooms[roomId]
	if !ok {
		return nil, errRoomNotFound(roomId)
	}
	mlsActions, err := room.group.AddMembersFromBytes(c.env, keyPackages)
	if err != nil {
		return nil, errMLS(err)
	}
	return c.convertMLSActions(mlsActions), nil
}

// handleTick processes timeout/housekeeping events. Commit timeout
// tracking and heartbeats aren't implemented yet — there's nothing for
// the client state machine to do on a tick beyond accepting it.
func (c *Client) handleTick(now time.Time) ([]Action, error) {
	return nil, nil
}

func (c *Client) handleLeaveRoom(roomId mls.RoomId) ([]Action, error) {
	if _, ok := c.rooms[roomId]; !ok {
		return nil, errRoomNotFound(roomId)
	}
	delete(c.rooms, roomId)
	return []Action{RoomRemoved{RoomId: roomId, Reason: "left room"}}, nil
}

// convertMLSActions turns the MLS adapter's room-scoped actions into
// client actions, now that mls.Action carries its own RoomId (spec §9's
// "room context in MLS-layer actions" redesign fix — no more hard-coded
// room 0).
func (c *Client) convertMLSActions(in []mls.Action) []Action {
	out := make([]Action, 0, len(in))
	for _, a := range in {
		switch a.Kind {
		case mls.ActionSendCommit, mls.ActionSendProposal, mls.ActionSendWelcome:
			header := wire.Header{
				Version: wire.Version, Opcode: a.Opcode, RoomId: a.RoomId, SenderId: c.identity.SenderId,
			}
			out = append(out, Send{Frame: wire.Frame{Header: header, Payload: a.Payload}, Recipient: a.Recipient})
		case mls.ActionRemoveGroup:
			out = append(out, RoomRemoved{RoomId: a.RoomId, Reason: a.Reason})
		case mls.ActionLog:
			out = append(out, Log{Message: a.Reason})
		}
	}
	return out
}
