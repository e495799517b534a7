// Package refimpl is the in-repo reference MLS adapter implementation:
// the corpus has no real MLS library to bind to (spec §9 leaves this as
// an open question), so this package implements a simplified TreeKEM-like
// construction satisfying every invariant spec §4.3/§8 requires, without
// being wire-compatible with real MLS.
package refimpl

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/metrics"
	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/wire"
)

// member is one entry of the group's ordered tree, with the key material
// needed to verify its signatures and seal Welcomes to it.
type member struct {
	ID         mls.MemberId
	LeafIndex  uint32
	X25519Pub  []byte
	Ed25519Pub ed25519.PublicKey
}

// pendingCommit is a commit the local group object has staged but not yet
// merged: it originated here (AddMembers/RemoveMembers) and is waiting
// for the sequencer to confirm it. A peer's commit is never staged:
// processCommit applies it directly.
type pendingCommit struct {
	newMembers        []member
	removedIDs        map[mls.MemberId]bool
	localOriginated   bool
	welcomePrivateKey *KeyMaterial // set only when this group object is the one joining
}

// Group is the reference MLS adapter: a simplified TreeKEM-like state
// machine over an ordered member list, exporting epoch secrets that feed
// the sender-key ratchet.
type Group struct {
	mu sync.Mutex

	roomId      mls.RoomId
	epoch       uint64
	members     []member
	selfID      mls.MemberId
	selfLeaf    uint32
	epochSecret [32]byte
	treeHash    [32]byte

	signPriv ed25519.PrivateKey
	signPub  ed25519.PublicKey

	pending *pendingCommit
}

var _ mls.Group = (*Group)(nil)

// New creates a group at epoch 0 with creator as the sole member, per
// spec §4.3's Group.new. The creator's own key material is freshly
// generated here (in a real deployment the creator would already hold a
// long-lived KeyPackage; the refimpl keeps this simple since the group
// object owns its own signing identity).
func New(e env.Environment, roomId mls.RoomId, creator mls.MemberId, now time.Time) (mls.Group, []mls.Action, error) {
	kp, km, err := GenerateKeyPackage(e, creator)
	if err != nil {
		return nil, nil, err
	}

	g := &Group{
		roomId:   roomId,
		epoch:    0,
		selfID:   creator,
		selfLeaf: 0,
		signPriv: km.Ed25519Priv,
		signPub:  km.Ed25519Pub,
		members: []member{{
			ID: creator, LeafIndex: 0, X25519Pub: kp.X25519Pub, Ed25519Pub: kp.Ed25519Pub,
		}},
	}
	g.treeHash = g.computeTreeHash()

	seed := make([]byte, 32)
	e.RandomBytes(seed)
	g.epochSecret = deriveEpochSecret(nil, g.treeHash, seed)

	actions := []mls.Action{
		{Kind: mls.ActionLog, RoomId: roomId, Reason: "created room at epoch 0"},
	}
	return g, actions, nil
}

func deriveEpochSecret(priorSecret []byte, treeHash [32]byte, extra []byte) [32]byte {
	ikm := append(append([]byte{}, treeHash[:]...), extra...)
	r := hkdf.New(sha256.New, ikm, priorSecret, []byte("kalandra epoch secret v1"))
	var out [32]byte
	_, _ = r.Read(out[:])
	return out
}

func (g *Group) computeTreeHash() [32]byte {
	h := sha256.New()
	for _, m := range g.members {
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], m.ID)
		h.Write(idBuf[:])
		h.Write(m.X25519Pub)
		h.Write(m.Ed25519Pub)
	}
	return sha256.Sum256(h.Sum(nil))
}

func (g *Group) RoomId() mls.RoomId { return g.roomId }

func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

func (g *Group) OwnLeafIndex() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.selfLeaf
}

func (g *Group) MemberLeafIndices() map[mls.MemberId]uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[mls.MemberId]uint32, len(g.members))
	for _, m := range g.members {
		out[m.ID] = m.LeafIndex
	}
	return out
}

func (g *Group) findMember(id mls.MemberId) (member, bool) {
	for _, m := range g.members {
		if m.ID == id {
			return m, true
		}
	}
	return member{}, false
}

// GenerateKeyPackage produces a KeyPackage for a prospective member. It
// does not require the caller to already be a group member; the refimpl
// exposes it on Group only to satisfy spec §4.3's interface shape.
func (g *Group) GenerateKeyPackage(e env.Environment, member mls.MemberId) ([]byte, [32]byte, error) {
	kp, _, err := GenerateKeyPackage(e, member)
	if err != nil {
		return nil, [32]byte{}, err
	}
	encoded := EncodeKeyPackage(kp)
	return encoded, keyPackageHash(kp), nil
}

// AddMembersFromBytes stages a commit adding the given KeyPackages and
// returns a SendCommit action plus one SendWelcome action per invitee.
func (g *Group) AddMembersFromBytes(e env.Environment, keyPackages [][]byte) ([]mls.Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		return nil, errors.New("refimpl: commit already pending")
	}

	var newMembers []member
	nextLeaf := uint32(len(g.members))
	for _, raw := range keyPackages {
		kp, err := DecodeKeyPackage(raw)
		if err != nil {
			return nil, mls.ErrValidationFailed
		}
		newMembers = append(newMembers, member{
			ID: kp.MemberID, LeafIndex: nextLeaf, X25519Pub: kp.X25519Pub, Ed25519Pub: kp.Ed25519Pub,
		})
		nextLeaf++
	}

	g.pending = &pendingCommit{newMembers: newMembers, localOriginated: true}

	commitPayload := g.encodeCommit(newMembers, nil)
	actions := []mls.Action{
		{Kind: mls.ActionSendCommit, RoomId: g.roomId, Opcode: wire.OpCommit, Payload: commitPayload},
	}
	for i, m := range newMembers {
		welcome, err := g.sealWelcome(e, m)
		if err != nil {
			return nil, err
		}
		actions = append(actions, mls.Action{
			Kind: mls.ActionSendWelcome, RoomId: g.roomId, Opcode: wire.OpWelcome,
			Payload: welcome, Recipient: newMembers[i].ID,
		})
	}
	return actions, nil
}

// RemoveMembers stages a commit removing the given members.
func (g *Group) RemoveMembers(e env.Environment, members []mls.MemberId) ([]mls.Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending != nil {
		return nil, errors.New("refimpl: commit already pending")
	}
	removed := make(map[mls.MemberId]bool, len(members))
	for _, id := range members {
		if _, ok := g.findMember(id); !ok {
			return nil, &mls.NotMemberError{Member: id}
		}
		removed[id] = true
	}
	g.pending = &pendingCommit{removedIDs: removed, localOriginated: true}
	payload := g.encodeCommit(nil, removed)
	return []mls.Action{
		{Kind: mls.ActionSendCommit, RoomId: g.roomId, Opcode: wire.OpCommit, Payload: payload},
	}, nil
}

// LeaveGroup issues a self-Remove proposal; it cannot unilaterally advance
// the epoch — another member must commit it.
func (g *Group) LeaveGroup(e env.Environment) ([]mls.Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	payload := g.encodeProposal(g.selfID)
	return []mls.Action{
		{Kind: mls.ActionSendProposal, RoomId: g.roomId, Opcode: wire.OpProposal, Payload: payload},
	}, nil
}

// ProcessMessage consumes a Commit/Proposal/Welcome frame payload.
func (g *Group) ProcessMessage(e env.Environment, opcode wire.Opcode, payload []byte) ([]mls.Action, error) {
	switch opcode {
	case wire.OpCommit:
		return g.processCommit(e, payload)
	case wire.OpProposal:
		// Proposals carry no epoch change; the refimpl logs receipt and
		// leaves actual removal to the next Commit.
		return []mls.Action{{Kind: mls.ActionLog, RoomId: g.roomId, Reason: "proposal received"}}, nil
	case wire.OpWelcome:
		return nil, errors.New("refimpl: Welcome must be processed via JoinFromWelcome, not ProcessMessage")
	default:
		return nil, mls.ErrValidationFailed
	}
}

func (g *Group) processCommit(e env.Environment, payload []byte) ([]mls.Action, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	added, removed, err := decodeCommit(payload)
	if err != nil {
		return nil, mls.ErrValidationFailed
	}
	if g.pending != nil && g.pending.localOriginated {
		// This is our own commit coming back from the sequencer: caller
		// should use MergePendingCommit instead.
		return nil, errors.New("refimpl: local commit pending, call MergePendingCommit")
	}
	g.applyCommit(added, removed)
	metrics.MlsCommitsProcessed.WithLabelValues("remote").Inc()
	return nil, nil
}

func (g *Group) applyCommit(added []member, removed map[mls.MemberId]bool) {
	if removed != nil {
		kept := g.members[:0:0]
		for _, m := range g.members {
			if !removed[m.ID] {
				kept = append(kept, m)
			}
		}
		g.members = kept
	}
	g.members = append(g.members, added...)
	for i := range g.members {
		g.members[i].LeafIndex = uint32(i)
	}
	for _, m := range g.members {
		if m.ID == g.selfID {
			g.selfLeaf = m.LeafIndex
		}
	}
	g.treeHash = g.computeTreeHash()
	prior := g.epochSecret
	g.epochSecret = deriveEpochSecret(prior[:], g.treeHash, nil)
	g.epoch++
	g.pending = nil
}

// HasPendingCommit reports whether this group has a locally-originated
// commit awaiting sequencer confirmation.
func (g *Group) HasPendingCommit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pending != nil && g.pending.localOriginated
}

// MergePendingCommit finalises a commit this group produced locally, once
// the server has sequenced it.
func (g *Group) MergePendingCommit(e env.Environment) ([]mls.Action, error) {
	g.mu.Lock()
	if g.pending == nil || !g.pending.localOriginated {
		g.mu.Unlock()
		return nil, mls.ErrNoPendingCommit
	}
	added := g.pending.newMembers
	removed := g.pending.removedIDs
	g.mu.Unlock()

	g.mu.Lock()
	g.applyCommit(added, removed)
	g.mu.Unlock()
	metrics.MlsCommitsProcessed.WithLabelValues("local").Inc()
	return nil, nil
}

// ExportSecret derives a labeled secret from the current epoch secret,
// per spec §4.2's sender-key bootstrap and §4.3's generic export.
func (g *Group) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	g.mu.Lock()
	secret := g.epochSecret
	g.mu.Unlock()
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret[:], append([]byte(label), context...))
	if _, err := r.Read(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sign computes this group's local member's MLS-layer signature over
// message with its retained Ed25519 signing key.
func (g *Group) Sign(message []byte) []byte {
	g.mu.Lock()
	priv := g.signPriv
	g.mu.Unlock()
	return ed25519.Sign(priv, message)
}

// MemberSigningKey returns member's Ed25519 verification key as
// recorded in the group's current member list.
func (g *Group) MemberSigningKey(id mls.MemberId) (ed25519.PublicKey, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.findMember(id)
	if !ok {
		return nil, false
	}
	return m.Ed25519Pub, true
}

// ExportGroupState returns a canonical, opaque byte-string encoding of the
// group's full state, so PersistMlsState round-trips across restarts —
// the concrete resolution of spec §9's "MLS state serialisation" gap,
// where original_source left this empty.
func (g *Group) ExportGroupState() ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return encodeGroupState(g), nil
}

// Import restores a Group from ExportGroupState's bytes, as viewed by
// selfID (the member whose signing key this process owns). signPriv must
// be the caller's retained Ed25519 private key for selfID.
func Import(data []byte, selfID mls.MemberId, signPriv ed25519.PrivateKey) (mls.Group, error) {
	return decodeGroupState(data, selfID, signPriv)
}
