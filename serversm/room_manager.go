// Package serversm implements the server-side state machine from spec
// §4.5: per-room MLS orchestration and frame sequencing (RoomManager,
// grounded on original_source's kalandra-server/src/room_manager.rs),
// the per-connection session lifecycle (§4.5.1), and the broadcast
// policy (§4.5.4). All methods return actions; I/O is the caller's job.
package serversm

import (
	"context"
	"time"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/internal/metrics"
	"github.com/kalandra/kalandra/internal/storage"
	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/mls/refimpl"
	"github.com/kalandra/kalandra/wire"
)

// RoomMetadata is an extension point for future authorization (roles,
// permissions); today it only records who created the room and when.
type RoomMetadata struct {
	Creator   wire.SenderId
	CreatedAt time.Time
}

// RoomManager orchestrates MLS validation and frame sequencing across
// every room the server hosts.
type RoomManager struct {
	groups   map[wire.RoomId]mls.Group
	metadata map[wire.RoomId]RoomMetadata
	env      env.Environment
	newGroup mls.NewFunc
}

func NewRoomManager(e env.Environment) *RoomManager {
	return &RoomManager{
		groups:   make(map[wire.RoomId]mls.Group),
		metadata: make(map[wire.RoomId]RoomMetadata),
		env:      e,
		newGroup: refimpl.New,
	}
}

func (rm *RoomManager) HasRoom(roomId wire.RoomId) bool {
	_, ok := rm.metadata[roomId]
	return ok
}

func (rm *RoomManager) Epoch(roomId wire.RoomId) (uint64, bool) {
	g, ok := rm.groups[roomId]
	if !ok {
		return 0, false
	}
	return g.Epoch(), true
}

// Members returns the current member sender ids of a room, for an
// outer driver to resolve a BroadcastToRoom action into concrete
// session sends.
func (rm *RoomManager) Members(roomId wire.RoomId) ([]wire.SenderId, error) {
	g, ok := rm.groups[roomId]
	if !ok {
		return nil, &RoomError{Kind: KindRoomNotFound, RoomId: roomId}
	}
	leaves := g.MemberLeafIndices()
	members := make([]wire.SenderId, 0, len(leaves))
	for member := range leaves {
		members = append(members, wire.SenderId(member))
	}
	return members, nil
}

// CreateRoom creates a room whose MLS group starts at epoch 0 with
// creator as its sole member (the member's key material is generated
// here, on the server); the server's MLS group is driven purely by
// Commit/Proposal/Welcome frames relayed from clients from then on.
func (rm *RoomManager) CreateRoom(roomId wire.RoomId, creator wire.SenderId) error {
	if rm.HasRoom(roomId) {
		return &RoomError{Kind: KindRoomAlreadyExists, RoomId: roomId}
	}
	now := rm.env.Now()
	group, _, err := rm.newGroup(rm.env, roomId, mls.MemberId(creator), now)
	if err != nil {
		return &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
	}
	rm.groups[roomId] = group
	rm.metadata[roomId] = RoomMetadata{Creator: creator, CreatedAt: now}
	metrics.RoomsActive.Inc()
	metrics.RoomEpoch.WithLabelValues(roomId.String()).Set(0)
	return nil
}

func (rm *RoomManager) AddMembers(roomId wire.RoomId, keyPackages [][]byte) ([]mls.Action, error) {
	group, ok := rm.groups[roomId]
	if !ok {
		return nil, &RoomError{Kind: KindRoomNotFound, RoomId: roomId}
	}
	actions, err := group.AddMembersFromBytes(rm.env, keyPackages)
	if err != nil {
		return nil, &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
	}
	return actions, nil
}

func (rm *RoomManager) RemoveMembers(roomId wire.RoomId, members []mls.MemberId) ([]mls.Action, error) {
	group, ok := rm.groups[roomId]
	if !ok {
		return nil, &RoomError{Kind: KindRoomNotFound, RoomId: roomId}
	}
	actions, err := group.RemoveMembers(rm.env, members)
	if err != nil {
		return nil, &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
	}
	return actions, nil
}

func (rm *RoomManager) LeaveRoom(roomId wire.RoomId) ([]mls.Action, error) {
	group, ok := rm.groups[roomId]
	if !ok {
		return nil, &RoomError{Kind: KindRoomNotFound, RoomId: roomId}
	}
	actions, err := group.LeaveGroup(rm.env)
	if err != nil {
		return nil, &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
	}
	return actions, nil
}

// validateFrameBasic implements spec §4.5.2 step 2: epoch and
// membership checks performed before the frame consumes a log_index.
// AppMessage frames must match the room's current epoch exactly and
// come from a current member. Commit/Proposal/Welcome frames pass
// through unchecked: neither their epoch nor their sender's membership
// is examined before they are sequenced.
func (rm *RoomManager) validateFrameBasic(group mls.Group, frame wire.Frame) error {
	if frame.Header.Opcode != wire.OpAppMessage {
		return nil
	}
	roomEpoch := group.Epoch()
	if frame.Header.Epoch != roomEpoch {
		return &RoomError{Kind: KindInvalidEpoch, Expected: roomEpoch, Actual: frame.Header.Epoch}
	}
	if _, ok := group.MemberLeafIndices()[mls.MemberId(frame.Header.SenderId)]; !ok {
		return &RoomError{Kind: KindNotMember, SenderId: frame.Header.SenderId}
	}
	return nil
}

// validateAppMessageSignature implements spec §4.5.2 step 4:
// post-sequencing signature validation, run only for AppMessage frames
// once a log_index has been assigned. It verifies the MLS-layer
// signature the sender computed over the frame's CanonicalAAD plus the
// payload's unsigned body against the sender's stored signing key — an
// authenticity check independent of the sender-key ratchet that
// encrypts the payload, so the server never needs the decryption key
// to catch a forged sender. Commit/Proposal/Welcome frames skip this,
// and no other signature check covers them: only Commit payloads reach
// the MLS adapter, which applies them without verifying their
// signature, and Proposal/Welcome frames are sequenced and broadcast
// as received.
func (rm *RoomManager) validateAppMessageSignature(group mls.Group, frame wire.Frame) error {
	if frame.Header.Opcode != wire.OpAppMessage {
		return nil
	}
	am, err := wire.DecodeAppMessage(frame.Payload)
	if err != nil {
		return &RoomError{Kind: KindInvalidFrame, SenderId: frame.Header.SenderId, Cause: err}
	}
	signingKey, ok := group.MemberSigningKey(mls.MemberId(frame.Header.SenderId))
	if !ok {
		return &RoomError{Kind: KindNotMember, SenderId: frame.Header.SenderId}
	}
	signed := append(append([]byte{}, frame.Header.CanonicalAAD()...), am.EncodeUnsigned()...)
	if err := mls.VerifySignature(signingKey, signed, am.Signature[:]); err != nil {
		return &RoomError{Kind: KindSignatureInvalid, SenderId: frame.Header.SenderId, Cause: err}
	}
	return nil
}

// ProcessFrame implements spec §4.5.2's full pipeline: existence and
// basic validation, sequencing (log_index assignment), post-sequencing
// signature validation, persistence and broadcast, then an MLS epoch
// transition if the frame was a Commit. Rejections never consume a
// log_index.
func (rm *RoomManager) ProcessFrame(ctx context.Context, frame wire.Frame, store storage.Store) ([]RoomAction, error) {
	start := time.Now()
	defer func() { metrics.FrameSequencingDuration.Observe(time.Since(start).Seconds()) }()

	roomId := frame.Header.RoomId
	opcodeLabel := frameOpcodeLabel(frame.Header.Opcode)

	group, ok := rm.groups[roomId]
	if !ok {
		return nil, &RoomError{Kind: KindRoomNotFound, RoomId: roomId}
	}

	now := rm.env.Now()
	reject := func(reason string, rerr *RoomError) ([]RoomAction, error) {
		metrics.FramesProcessed.WithLabelValues(opcodeLabel, "rejected").Inc()
		metrics.FramesRejected.WithLabelValues(reason).Inc()
		return []RoomAction{{
			Kind: ActionReject, RoomId: roomId, SenderId: frame.Header.SenderId,
			Reason: rerr.Error(), ProcessedAt: now,
		}}, nil
	}

	if err := rm.validateFrameBasic(group, frame); err != nil {
		rerr, ok := err.(*RoomError)
		if !ok {
			return nil, err
		}
		return reject(rejectReason(rerr.Kind), rerr)
	}

	latest, hasAny, err := store.Frames().LatestLogIndex(ctx, roomId)
	if err != nil {
		return nil, &RoomError{Kind: KindStorage, RoomId: roomId, Cause: err}
	}
	nextIndex := uint64(0)
	if hasAny {
		nextIndex = latest + 1
	}

	frame.Header.LogIndex = nextIndex
	frame.Header.HLCTimestamp = uint64(now.UnixNano())

	if err := rm.validateAppMessageSignature(group, frame); err != nil {
		rerr, ok := err.(*RoomError)
		if !ok {
			return nil, err
		}
		return reject(rejectReason(rerr.Kind), rerr)
	}

	isCommit := frame.Header.Opcode == wire.OpCommit

	if err := store.Frames().AppendFrame(ctx, roomId, nextIndex, frame.Encode()); err != nil {
		return nil, &RoomError{Kind: KindStorage, RoomId: roomId, Cause: err}
	}
	metrics.FramesProcessed.WithLabelValues(opcodeLabel, "accepted").Inc()
	metrics.FrameSize.Observe(float64(len(frame.Payload)))

	actions := []RoomAction{
		{Kind: ActionPersistFrame, RoomId: roomId, Frame: frame, LogIndex: nextIndex, ProcessedAt: now},
		{Kind: ActionBroadcast, RoomId: roomId, Frame: frame, ExcludeSender: false, ProcessedAt: now},
	}

	if isCommit {
		if group.HasPendingCommit() {
			if _, err := group.MergePendingCommit(rm.env); err != nil {
				return nil, &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
			}
		} else if _, err := group.ProcessMessage(rm.env, wire.OpCommit, frame.Payload); err != nil {
			return nil, &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
		}

		state, err := group.ExportGroupState()
		if err != nil {
			return nil, &RoomError{Kind: KindMlsValidation, RoomId: roomId, Cause: err}
		}
		if err := store.MlsStates().StoreMlsState(ctx, roomId, state); err != nil {
			return nil, &RoomError{Kind: KindStorage, RoomId: roomId, Cause: err}
		}
		actions = append(actions, RoomAction{Kind: ActionPersistMlsState, RoomId: roomId, MlsState: state, ProcessedAt: now})
		metrics.RoomEpoch.WithLabelValues(roomId.String()).Set(float64(group.Epoch()))
	}

	return actions, nil
}

// frameOpcodeLabel maps a frame's opcode to the metric label spec'd in
// internal/metrics/message.go's FramesProcessed doc comment.
func frameOpcodeLabel(op wire.Opcode) string {
	switch op {
	case wire.OpAppMessage:
		return "app_message"
	case wire.OpCommit:
		return "commit"
	case wire.OpProposal:
		return "proposal"
	case wire.OpWelcome:
		return "welcome"
	default:
		return "other"
	}
}

// rejectReason maps a RoomError's Kind to the FramesRejected metric's
// reason label.
func rejectReason(kind RoomErrorKind) string {
	switch kind {
	case KindInvalidEpoch:
		return "wrong_epoch"
	case KindNotMember:
		return "not_member"
	case KindRoomNotFound:
		return "room_not_found"
	case KindSignatureInvalid:
		return "signature_invalid"
	case KindInvalidFrame:
		return "invalid_frame"
	default:
		return "mls_validation"
	}
}

// HandleSyncRequest implements spec §4.5.3: load up to limit frames
// from storage starting at fromLogIndex and report whether more remain.
func (rm *RoomManager) HandleSyncRequest(ctx context.Context, roomId wire.RoomId, senderId wire.SenderId, fromLogIndex uint64, limit uint64, store storage.Store) (RoomAction, error) {
	group, ok := rm.groups[roomId]
	if !ok {
		return RoomAction{}, &RoomError{Kind: KindRoomNotFound, RoomId: roomId}
	}
	now := rm.env.Now()
	serverEpoch := group.Epoch()

	if limit == 0 || limit > wire.DefaultSyncLimit {
		limit = wire.DefaultSyncLimit
	}

	frames, err := store.Frames().LoadFrames(ctx, roomId, fromLogIndex, int(limit))
	if err != nil {
		return RoomAction{}, &RoomError{Kind: KindStorage, RoomId: roomId, Cause: err}
	}
	latest, hasAny, err := store.Frames().LatestLogIndex(ctx, roomId)
	if err != nil {
		return RoomAction{}, &RoomError{Kind: KindStorage, RoomId: roomId, Cause: err}
	}

	var lastLoaded uint64
	if len(frames) == 0 {
		if fromLogIndex > 0 {
			lastLoaded = fromLogIndex - 1
		}
	} else {
		lastLoaded = fromLogIndex + uint64(len(frames)) - 1
	}
	hasMore := hasAny && lastLoaded < latest

	return RoomAction{
		Kind: ActionSendSyncResponse, RoomId: roomId, SenderId: senderId,
		SyncFrames: frames, HasMore: hasMore, ServerEpoch: serverEpoch, ProcessedAt: now,
	}, nil
}
