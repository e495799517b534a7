// Package mls defines the Group adapter interface from spec §4.3: a
// black-box MLS-like group primitive exposing commit/welcome/process and
// epoch-secret export. Package mls/refimpl ships the in-repo reference
// implementation the corpus has no ecosystem library to ground on.
package mls

import (
	"crypto/ed25519"
	"time"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/wire"
)

type RoomId = wire.RoomId
type MemberId = wire.MemberId

// ActionKind tags the variants of Action.
type ActionKind int

const (
	ActionSendCommit ActionKind = iota
	ActionSendProposal
	ActionSendWelcome
	ActionRemoveGroup
	ActionLog
)

// Action is an MLS-layer effect the caller must carry out. Every Action
// carries its RoomId explicitly — the redesign fix for spec §9's "room
// context in MLS-layer actions" latent bug, where the original hard-coded
// room_id 0 on conversion.
type Action struct {
	Kind      ActionKind
	RoomId    RoomId
	Opcode    wire.Opcode // meaningful for Send* kinds: the opcode to frame Payload as
	Payload   []byte      // raw commit/proposal/welcome bytes to send
	Recipient MemberId    // SendWelcome target; zero for broadcast-to-group actions
	Reason    string      // RemoveGroup reason / Log message
}

// Member is one entry in a group's ordered member list.
type Member struct {
	ID        MemberId
	LeafIndex uint32
	PublicKey [32]byte // X25519 public key material
}

// Group is the MLS adapter interface from spec §4.3.
type Group interface {
	RoomId() RoomId
	Epoch() uint64
	OwnLeafIndex() uint32
	MemberLeafIndices() map[MemberId]uint32

	GenerateKeyPackage(e env.Environment, member MemberId) (keyPackage []byte, hash [32]byte, err error)
	AddMembersFromBytes(e env.Environment, keyPackages [][]byte) ([]Action, error)
	RemoveMembers(e env.Environment, members []MemberId) ([]Action, error)
	LeaveGroup(e env.Environment) ([]Action, error)

	// ProcessMessage consumes a Commit/Proposal/Welcome frame's payload.
	ProcessMessage(e env.Environment, opcode wire.Opcode, payload []byte) ([]Action, error)

	HasPendingCommit() bool
	MergePendingCommit(e env.Environment) ([]Action, error)

	ExportSecret(label string, context []byte, length int) ([]byte, error)
	ExportGroupState() ([]byte, error)

	// Sign computes the local member's MLS-layer signature over message,
	// using the group's own long-lived Ed25519 signing key.
	Sign(message []byte) []byte
	// MemberSigningKey returns member's Ed25519 signature verification
	// key as currently recorded in the group's member list, for
	// verifying a Sign output without needing any decryption key.
	MemberSigningKey(member MemberId) (ed25519.PublicKey, bool)
}

// NewFunc creates a group at epoch 0 with creator as the sole member.
type NewFunc func(e env.Environment, roomId RoomId, creator MemberId, now time.Time) (Group, []Action, error)

// ImportFunc restores a Group from ExportGroupState's canonical bytes.
type ImportFunc func(data []byte) (Group, error)
