package refimpl

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/kalandra/kalandra/internal/env"
	"github.com/kalandra/kalandra/mls"
)

var errMalformedCommit = errors.New("refimpl: malformed commit payload")

func encodeMember(m member) []byte {
	buf := make([]byte, 8+4)
	binary.BigEndian.PutUint64(buf[0:8], m.ID)
	binary.BigEndian.PutUint32(buf[8:12], m.LeafIndex)
	out := make([]byte, 0, 16+4+len(m.X25519Pub)+4+len(m.Ed25519Pub))
	out = append(out, buf...)
	out = appendLenPrefixed(out, m.X25519Pub)
	out = appendLenPrefixed(out, m.Ed25519Pub)
	return out
}

func appendLenPrefixed(dst, src []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(src)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, src...)
}

func readLenPrefixed(b []byte, off int) ([]byte, int, error) {
	if len(b) < off+4 {
		return nil, 0, errMalformedCommit
	}
	n := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if len(b) < off+n {
		return nil, 0, errMalformedCommit
	}
	return b[off : off+n], off + n, nil
}

func decodeMember(b []byte, off int) (member, int, error) {
	if len(b) < off+12 {
		return member{}, 0, errMalformedCommit
	}
	id := binary.BigEndian.Uint64(b[off : off+8])
	leaf := binary.BigEndian.Uint32(b[off+8 : off+12])
	off += 12
	x25519Pub, off, err := readLenPrefixed(b, off)
	if err != nil {
		return member{}, 0, err
	}
	ed25519Pub, off, err := readLenPrefixed(b, off)
	if err != nil {
		return member{}, 0, err
	}
	return member{ID: id, LeafIndex: leaf, X25519Pub: x25519Pub, Ed25519Pub: ed25519.PublicKey(ed25519Pub)}, off, nil
}

// encodeCommit builds the signed commit payload: added member entries and
// removed member ids, signed by the committer's Ed25519 key.
func (g *Group) encodeCommit(added []member, removed map[mls.MemberId]bool) []byte {
	body := make([]byte, 0, 256)
	var addedCountBuf [2]byte
	binary.BigEndian.PutUint16(addedCountBuf[:], uint16(len(added)))
	body = append(body, addedCountBuf[:]...)
	for _, m := range added {
		body = append(body, encodeMember(m)...)
	}
	var removedCountBuf [2]byte
	binary.BigEndian.PutUint16(removedCountBuf[:], uint16(len(removed)))
	body = append(body, removedCountBuf[:]...)
	for id := range removed {
		var idBuf [8]byte
		binary.BigEndian.PutUint64(idBuf[:], id)
		body = append(body, idBuf[:]...)
	}
	sig := ed25519.Sign(g.signPriv, body)
	return appendLenPrefixed(body, sig)
}

// decodeCommit parses a commit payload. The trailing Ed25519 signature
// is ignored: neither this function nor processCommit verifies who
// signed a commit before its members are applied.
func decodeCommit(payload []byte) ([]member, map[mls.MemberId]bool, error) {
	if len(payload) < 2 {
		return nil, nil, errMalformedCommit
	}
	addedCount := int(binary.BigEndian.Uint16(payload[0:2]))
	off := 2
	var added []member
	for i := 0; i < addedCount; i++ {
		var m member
		var err error
		m, off, err = decodeMember(payload, off)
		if err != nil {
			return nil, nil, err
		}
		added = append(added, m)
	}
	if len(payload) < off+2 {
		return nil, nil, errMalformedCommit
	}
	removedCount := int(binary.BigEndian.Uint16(payload[off : off+2]))
	off += 2
	removed := make(map[mls.MemberId]bool, removedCount)
	for i := 0; i < removedCount; i++ {
		if len(payload) < off+8 {
			return nil, nil, errMalformedCommit
		}
		removed[binary.BigEndian.Uint64(payload[off:off+8])] = true
		off += 8
	}
	if len(removed) == 0 {
		removed = nil
	}
	return added, removed, nil
}

func (g *Group) encodeProposal(memberToRemove mls.MemberId) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], memberToRemove)
	sig := ed25519.Sign(g.signPriv, buf[:])
	return appendLenPrefixed(buf[:], sig)
}

// welcomePlaintext is sealed via HPKE to the invitee's KeyPackage public
// key, carrying everything they need to reconstruct group state.
func encodeWelcomePlaintext(g *Group, invitee member) []byte {
	body := make([]byte, 0, 256)
	body = append(body, g.roomId[:]...)
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], g.epoch+1) // post-commit epoch
	body = append(body, epochBuf[:]...)

	allMembers := append(append([]member{}, g.members...), invitee)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(allMembers)))
	body = append(body, countBuf[:]...)
	for _, m := range allMembers {
		body = append(body, encodeMember(m)...)
	}

	nextEpochSecret := deriveEpochSecret(g.epochSecret[:], g.computeTreeHashFor(allMembers), nil)
	body = append(body, nextEpochSecret[:]...)

	var leafBuf [4]byte
	binary.BigEndian.PutUint32(leafBuf[:], invitee.LeafIndex)
	body = append(body, leafBuf[:]...)
	return body
}

func (g *Group) computeTreeHashFor(members []member) [32]byte {
	saved := g.members
	g.members = members
	h := g.computeTreeHash()
	g.members = saved
	return h
}

func (g *Group) sealWelcome(e env.Environment, invitee member) ([]byte, error) {
	plaintext := encodeWelcomePlaintext(g, invitee)
	recipientPub, err := kemScheme.UnmarshalBinaryPublicKey(invitee.X25519Pub)
	if err != nil {
		return nil, err
	}
	sender, err := Suite.NewSender(recipientPub, []byte("kalandra welcome v1"))
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(randReaderFor(e))
	if err != nil {
		return nil, err
	}
	ciphertext, err := sealer.Seal(plaintext, nil)
	if err != nil {
		return nil, err
	}
	return appendLenPrefixed(enc, ciphertext), nil
}

// JoinFromWelcome HPKE-opens a sealed Welcome payload with the invitee's
// retained KeyMaterial and reconstructs the Group as that invitee sees
// it. This is the concrete realization of spec §9's "KeyPackage
// lifecycle" open question: JoinRoom now succeeds whenever matching
// KeyPackage private material is available.
func JoinFromWelcome(welcomeSealed []byte, km KeyMaterial) (mls.Group, error) {
	enc, encEnd, err := readLenPrefixed(welcomeSealed, 0)
	if err != nil {
		return nil, errors.New("refimpl: malformed welcome")
	}
	ciphertext := welcomeSealed[encEnd:]

	recipientPriv, err := kemScheme.UnmarshalBinaryPrivateKey(km.X25519Priv)
	if err != nil {
		return nil, err
	}
	receiver, err := Suite.NewReceiver(recipientPriv, []byte("kalandra welcome v1"))
	if err != nil {
		return nil, err
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, err
	}
	plaintext, err := opener.Open(ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return decodeWelcomePlaintext(plaintext, km)
}

func decodeWelcomePlaintext(b []byte, km KeyMaterial) (mls.Group, error) {
	if len(b) < 16+8+2 {
		return nil, errMalformedCommit
	}
	var roomId mls.RoomId
	copy(roomId[:], b[0:16])
	epoch := binary.BigEndian.Uint64(b[16:24])
	count := int(binary.BigEndian.Uint16(b[24:26]))
	off := 26
	members := make([]member, 0, count)
	for i := 0; i < count; i++ {
		var m member
		var err error
		m, off, err = decodeMember(b, off)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	if len(b) < off+32+4 {
		return nil, errMalformedCommit
	}
	var epochSecret [32]byte
	copy(epochSecret[:], b[off:off+32])
	off += 32
	selfLeaf := binary.BigEndian.Uint32(b[off : off+4])

	g := &Group{
		roomId: roomId, epoch: epoch, members: members,
		selfID: km.MemberID, selfLeaf: selfLeaf,
		epochSecret: epochSecret,
		signPriv:    km.Ed25519Priv,
		signPub:     km.Ed25519Pub,
	}
	g.treeHash = g.computeTreeHash()
	return g, nil
}

// encodeGroupState / decodeGroupState: canonical PersistMlsState format.
func encodeGroupState(g *Group) []byte {
	body := make([]byte, 0, 256)
	body = append(body, g.roomId[:]...)
	var epochBuf [8]byte
	binary.BigEndian.PutUint64(epochBuf[:], g.epoch)
	body = append(body, epochBuf[:]...)
	var selfIDBuf [8]byte
	binary.BigEndian.PutUint64(selfIDBuf[:], g.selfID)
	body = append(body, selfIDBuf[:]...)
	var selfLeafBuf [4]byte
	binary.BigEndian.PutUint32(selfLeafBuf[:], g.selfLeaf)
	body = append(body, selfLeafBuf[:]...)
	body = append(body, g.epochSecret[:]...)
	body = appendLenPrefixed(body, g.signPriv)
	var countBuf [2]byte
	binary.BigEndian.PutUint16(countBuf[:], uint16(len(g.members)))
	body = append(body, countBuf[:]...)
	for _, m := range g.members {
		body = append(body, encodeMember(m)...)
	}
	return body
}

func decodeGroupState(b []byte, selfID mls.MemberId, signPriv ed25519.PrivateKey) (mls.Group, error) {
	if len(b) < 16+8+8+4+32 {
		return nil, mls.ErrMalformedState
	}
	var roomId mls.RoomId
	copy(roomId[:], b[0:16])
	off := 16
	epoch := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	storedSelfID := binary.BigEndian.Uint64(b[off : off+8])
	off += 8
	selfLeaf := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	var epochSecret [32]byte
	copy(epochSecret[:], b[off:off+32])
	off += 32
	storedSignPriv, off, err := readLenPrefixed(b, off)
	if err != nil {
		return nil, err
	}
	if len(b) < off+2 {
		return nil, mls.ErrMalformedState
	}
	count := int(binary.BigEndian.Uint16(b[off : off+2]))
	off += 2
	members := make([]member, 0, count)
	for i := 0; i < count; i++ {
		var m member
		m, off, err = decodeMember(b, off)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	if signPriv == nil {
		signPriv = ed25519.PrivateKey(storedSignPriv)
	}
	if selfID == 0 {
		selfID = storedSelfID
	}
	g := &Group{
		roomId: roomId, epoch: epoch, selfID: selfID, selfLeaf: selfLeaf,
		epochSecret: epochSecret, members: members, signPriv: signPriv,
	}
	if len(signPriv) == ed25519.PrivateKeySize {
		g.signPub = signPriv.Public().(ed25519.PublicKey)
	}
	g.treeHash = g.computeTreeHash()
	return g, nil
}
