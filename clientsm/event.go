package clientsm

import (
	"time"

	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/wire"
)

// Event is one of the inputs the client state machine accepts, mirroring
// ClientEvent in original_source's client.rs.
type Event interface{ isClientEvent() }

type CreateRoom struct{ RoomId mls.RoomId }

type SendMessage struct {
	RoomId    mls.RoomId
	Plaintext []byte
}

type FrameReceived struct{ Frame wire.Frame }

type Tick struct{ Now time.Time }

type LeaveRoom struct{ RoomId mls.RoomId }

// JoinRoom processes a sealed Welcome addressed to KeyMaterial the caller
// retained from an earlier GenerateKeyPackage call, resolving spec §9's
// KeyPackage lifecycle open question.
type JoinRoom struct {
	RoomId      mls.RoomId
	Welcome     []byte
	KeyMaterial refimpl.KeyMaterial
}

type AddMembers struct {
	RoomId      mls.RoomId
	KeyPackages [][]byte
}

func (CreateRoom) isClientEvent()    {}
func (SendMessage) isClientEvent()   {}
func (FrameReceived) isClientEvent() {}
func (Tick) isClientEvent()          {}
func (LeaveRoom) isClientEvent()     {}
func (JoinRoom) isClientEvent()      {}
func (AddMembers) isClientEvent()    {}

// Action is an effect the caller must carry out after Client.Handle
// returns, mirroring ClientAction in the original source.
type Action interface{ isClientAction() }

// Send asks the caller to deliver Frame; Recipient is non-zero only for
// point-to-point deliveries (a Welcome addressed to a single invitee).
type Send struct {
	Frame     wire.Frame
	Recipient mls.MemberId
}

type DeliverMessage struct {
	RoomId    mls.RoomId
	SenderId  wire.SenderId
	Plaintext []byte
	LogIndex  uint64
	Timestamp uint64
}

type RoomRemoved struct {
	RoomId mls.RoomId
	Reason string
}

// RoomStateSnapshot is what PersistRoom asks the caller to durably store,
// so a restarted client can resume a room without re-joining.
type RoomStateSnapshot struct {
	RoomId      mls.RoomId
	Epoch       uint64
	MlsState    []byte
	MyLeafIndex uint32
}

type PersistRoom struct{ Snapshot RoomStateSnapshot }

type Log struct{ Message string }

func (Send) isClientAction()           {}
func (DeliverMessage) isClientAction() {}
func (RoomRemoved) isClientAction()    {}
func (PersistRoom) isClientAction()    {}
func (Log) isClientAction()            {}
