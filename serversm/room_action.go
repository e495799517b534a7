package serversm

import (
	"time"

	"github.com/kalandra/kalandra/wire"
)

// RoomActionKind tags the variants of RoomAction.
type RoomActionKind int

const (
	ActionBroadcast RoomActionKind = iota
	ActionPersistFrame
	ActionPersistMlsState
	ActionReject
	ActionSendSyncResponse
)

// RoomAction is an effect RoomManager asks its caller to carry out,
// mirroring original_source's RoomAction enum.
type RoomAction struct {
	Kind          RoomActionKind
	RoomId        wire.RoomId
	Frame         wire.Frame
	ExcludeSender bool
	LogIndex      uint64
	MlsState      []byte
	SenderId      wire.SenderId
	Reason        string
	SyncFrames    [][]byte
	HasMore       bool
	ServerEpoch   uint64
	ProcessedAt   time.Time
}
