package serversm

import (
	"time"

	"github.com/kalandra/kalandra/wire"
)

// Event is a top-level input to the Server state machine (spec §4.5).
type Event interface{ isServerEvent() }

type ConnectionAccepted struct{ ConnId uint64 }
type ConnectionClosed struct {
	ConnId uint64
	Reason string
}
type FrameReceived struct {
	ConnId uint64
	Frame  wire.Frame
}
type Tick struct{ Now time.Time }

func (ConnectionAccepted) isServerEvent() {}
func (ConnectionClosed) isServerEvent()   {}
func (FrameReceived) isServerEvent()      {}
func (Tick) isServerEvent()               {}

// LogLevel tags a Log action's severity.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Action is a top-level effect the Server asks its driver to carry out.
type Action interface{ isServerAction() }

type SendToSession struct {
	SessionId uint64
	Frame     wire.Frame
}
type BroadcastToRoom struct {
	RoomId        wire.RoomId
	Frame         wire.Frame
	ExcludeSession uint64 // 0 means "no exclusion"; session ids are never 0
	HasExclusion  bool
}
type CloseConnection struct {
	SessionId uint64
	Reason    string
}
type PersistFrame struct {
	RoomId   wire.RoomId
	LogIndex uint64
	Frame    wire.Frame
}
type PersistMlsState struct {
	RoomId wire.RoomId
	State  []byte
}
type Log struct {
	Level   LogLevel
	Message string
}

func (SendToSession) isServerAction()    {}
func (BroadcastToRoom) isServerAction()  {}
func (CloseConnection) isServerAction()  {}
func (PersistFrame) isServerAction()     {}
func (PersistMlsState) isServerAction()  {}
func (Log) isServerAction()              {}
