package refimpl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/mls"
	"github.com/kalandra/kalandra/wire"
)

func testEnv() env.Environment { return env.NewDeterministic(1) }

func newTestGroup(t *testing.T, creator mls.MemberId) mls.Group {
	t.Helper()
	g, actions, err := New(testEnv(), wire.NewRoomId(), creator, time.Now())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, mls.ActionLog, actions[0].Kind)
	return g
}

func TestNewGroupStartsAtEpochZeroWithSoleCreator(t *testing.T) {
	g := newTestGroup(t, 1)
	assert.EqualValues(t, 0, g.Epoch())
	assert.EqualValues(t, 0, g.OwnLeafIndex())
	assert.Equal(t, map[mls.MemberId]uint32{1: 0}, g.MemberLeafIndices())
}

func TestAddMembersFromBytesStagesCommitAndWelcomes(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)

	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)
	kp3, _, err := GenerateKeyPackage(e, 3)
	require.NoError(t, err)

	actions, err := g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2), EncodeKeyPackage(kp3)})
	require.NoError(t, err)
	require.Len(t, actions, 3)

	assert.Equal(t, mls.ActionSendCommit, actions[0].Kind)
	assert.Equal(t, wire.OpCommit, actions[0].Opcode)

	assert.Equal(t, mls.ActionSendWelcome, actions[1].Kind)
	assert.Equal(t, wire.OpWelcome, actions[1].Opcode)
	assert.EqualValues(t, 2, actions[1].Recipient)

	assert.Equal(t, mls.ActionSendWelcome, actions[2].Kind)
	assert.EqualValues(t, 3, actions[2].Recipient)

	// Epoch doesn't advance until the commit is merged.
	assert.EqualValues(t, 0, g.Epoch())
	assert.True(t, g.HasPendingCommit())
}

func TestAddMembersFromBytesRejectsSecondPendingCommit(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)

	_, err = g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)

	_, err = g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	assert.Error(t, err)
}

func TestMergePendingCommitAdvancesEpochAndMembership(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)

	_, err = g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)

	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)

	assert.EqualValues(t, 1, g.Epoch())
	assert.False(t, g.HasPendingCommit())
	assert.Equal(t, map[mls.MemberId]uint32{1: 0, 2: 1}, g.MemberLeafIndices())
}

func TestMergePendingCommitWithoutPendingFails(t *testing.T) {
	g := newTestGroup(t, 1)
	_, err := g.MergePendingCommit(testEnv())
	assert.ErrorIs(t, err, mls.ErrNoPendingCommit)
}

func TestRemoveMembersStagesCommitAndAppliesOnMerge(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)
	_, err = g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)
	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)

	actions, err := g.RemoveMembers(e, []mls.MemberId{2})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, mls.ActionSendCommit, actions[0].Kind)

	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)
	assert.Equal(t, map[mls.MemberId]uint32{1: 0}, g.MemberLeafIndices())
}

func TestRemoveMembersRejectsUnknownMember(t *testing.T) {
	g := newTestGroup(t, 1)
	_, err := g.RemoveMembers(testEnv(), []mls.MemberId{99})
	var notMember *mls.NotMemberError
	assert.ErrorAs(t, err, &notMember)
}

func TestLeaveGroupProducesProposalWithoutAdvancingEpoch(t *testing.T) {
	g := newTestGroup(t, 1)
	actions, err := g.LeaveGroup(testEnv())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, mls.ActionSendProposal, actions[0].Kind)
	assert.Equal(t, wire.OpProposal, actions[0].Opcode)
	assert.EqualValues(t, 0, g.Epoch())
}

// TestPeerOriginatedCommitAppliesDirectly exercises processCommit, the
// path taken when a Commit frame arrives from another member rather than
// being produced locally (ProcessMessage, not AddMembersFromBytes).
func TestPeerOriginatedCommitAppliesDirectly(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)

	// Build the commit payload the way another member's Group would,
	// using this group's own encodeCommit.
	source := g.(*Group)
	payload := source.encodeCommit([]member{{ID: 2, LeafIndex: 1, X25519Pub: kp2.X25519Pub, Ed25519Pub: kp2.Ed25519Pub}}, nil)

	actions, err := g.ProcessMessage(e, wire.OpCommit, payload)
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.EqualValues(t, 1, g.Epoch())
	assert.Equal(t, map[mls.MemberId]uint32{1: 0, 2: 1}, g.MemberLeafIndices())
}

func TestProcessMessageRejectsWelcomeOpcode(t *testing.T) {
	g := newTestGroup(t, 1)
	_, err := g.ProcessMessage(testEnv(), wire.OpWelcome, []byte("x"))
	assert.Error(t, err)
}

func TestWelcomeSealAndJoinRoundTrip(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, km2, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)

	actions, err := g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)
	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)

	var welcome []byte
	for _, a := range actions {
		if a.Kind == mls.ActionSendWelcome {
			welcome = a.Payload
		}
	}
	require.NotEmpty(t, welcome)

	joined, err := JoinFromWelcome(welcome, km2)
	require.NoError(t, err)
	assert.Equal(t, g.RoomId(), joined.RoomId())
	assert.EqualValues(t, 1, joined.Epoch())
	assert.Equal(t, map[mls.MemberId]uint32{1: 0, 2: 1}, joined.MemberLeafIndices())
	assert.EqualValues(t, 1, joined.OwnLeafIndex())
}

func TestJoinFromWelcomeFailsWithWrongKeyMaterial(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)

	_, wrongKm, err := GenerateKeyPackage(e, 3)
	require.NoError(t, err)

	actions, err := g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)
	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)

	var welcome []byte
	for _, a := range actions {
		if a.Kind == mls.ActionSendWelcome {
			welcome = a.Payload
		}
	}
	require.NotEmpty(t, welcome)

	_, err = JoinFromWelcome(welcome, wrongKm)
	assert.Error(t, err)
}

func TestExportSecretDiffersAcrossEpochs(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	before, err := g.ExportSecret("kalandra sender-key v1", nil, 32)
	require.NoError(t, err)

	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)
	_, err = g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)
	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)

	after, err := g.ExportSecret("kalandra sender-key v1", nil, 32)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestExportGroupStateRoundTrip(t *testing.T) {
	e := testEnv()
	g := newTestGroup(t, 1)
	kp2, _, err := GenerateKeyPackage(e, 2)
	require.NoError(t, err)
	_, err = g.AddMembersFromBytes(e, [][]byte{EncodeKeyPackage(kp2)})
	require.NoError(t, err)
	_, err = g.MergePendingCommit(e)
	require.NoError(t, err)

	state, err := g.ExportGroupState()
	require.NoError(t, err)

	restored, err := Import(state, 1, g.(*Group).signPriv)
	require.NoError(t, err)
	assert.Equal(t, g.RoomId(), restored.RoomId())
	assert.Equal(t, g.Epoch(), restored.Epoch())
	assert.Equal(t, g.MemberLeafIndices(), restored.MemberLeafIndices())

	secretBefore, err := g.ExportSecret("x", nil, 16)
	require.NoError(t, err)
	secretAfter, err := restored.ExportSecret("x", nil, 16)
	require.NoError(t, err)
	assert.Equal(t, secretBefore, secretAfter)
}
